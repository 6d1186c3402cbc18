// Package naverapi wraps the two external harvest services: the related-term
// lookup (search-ad API) and the per-channel document-count lookup (open
// API). Each one runs against its own credential pool with
// retry-on-rate-limit and credential rotation.
package naverapi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/dhkim0920/termharvest/internal/credential"
	"github.com/dhkim0920/termharvest/internal/harvest"
	"github.com/dhkim0920/termharvest/internal/metrics"
)

// Config controls endpoints, retry bounds and request pacing.
type Config struct {
	SearchAdBaseURL string
	OpenAPIBaseURL  string
	MaxAttempts     int
	RequestsPerSec  float64
	Burst           int
	Timeout         time.Duration
}

// Client issues signed requests to the external harvest services.
type Client struct {
	httpc       *http.Client
	relatedPool *credential.Pool
	docsPool    *credential.Pool
	relatedRate *rate.Limiter
	docsRate    *rate.Limiter
	clock       harvest.Clock
	cfg         Config
	logger      *zap.Logger
}

// New constructs a Client. relatedPool signs search-ad requests, docsPool
// authenticates document-count requests.
func New(cfg Config, relatedPool, docsPool *credential.Pool, clock harvest.Clock, logger *zap.Logger) *Client {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.RequestsPerSec <= 0 {
		cfg.RequestsPerSec = 5
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Client{
		httpc:       &http.Client{Timeout: cfg.Timeout},
		relatedPool: relatedPool,
		docsPool:    docsPool,
		relatedRate: rate.NewLimiter(rate.Limit(cfg.RequestsPerSec), cfg.Burst),
		docsRate:    rate.NewLimiter(rate.Limit(cfg.RequestsPerSec), cfg.Burst),
		clock:       clock,
		cfg:         cfg,
		logger:      logger,
	}
}

// apiError carries the upstream HTTP status for retry classification.
type apiError struct {
	status int
	body   string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("upstream status %d: %s", e.status, e.body)
}

func (e *apiError) rateLimited() bool {
	return e.status == http.StatusTooManyRequests
}

func readAPIError(resp *http.Response) *apiError {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return &apiError{status: resp.StatusCode, body: string(body)}
}

// doWithRotation runs one request attempt loop against a pool: draw a
// credential, pace, issue, and on rate-limit or other upstream failure rotate
// to a fresh credential and retry up to the attempt bound. Every rate-limit
// response also puts the throttled credential under cooldown.
func (c *Client) doWithRotation(
	ctx context.Context,
	pool *credential.Pool,
	limiter *rate.Limiter,
	service string,
	attempt func(cred credential.Credential) error,
) error {
	var lastErr error
	for i := 0; i < c.cfg.MaxAttempts; i++ {
		cred, err := pool.Next()
		if err != nil {
			if lastErr != nil {
				return fmt.Errorf("%s: %w (last attempt: %s)", service, err, lastErr)
			}
			return fmt.Errorf("%s: %w", service, err)
		}
		if err := limiter.Wait(ctx); err != nil {
			return fmt.Errorf("%s: pacing wait: %w", service, err)
		}

		started := time.Now()
		err = attempt(cred)
		metrics.ObserveExternalCallDuration(service, time.Since(started))
		if err == nil {
			metrics.ObserveExternalCall(service, "ok")
			return nil
		}
		lastErr = err

		var ae *apiError
		if errors.As(err, &ae) && ae.rateLimited() {
			pool.ReportRateLimited(cred)
			metrics.ObserveExternalCall(service, "rate_limited")
			metrics.ObserveCooldown(pool.Name())
			c.logger.Warn("credential rate limited",
				zap.String("service", service),
				zap.String("credential", cred.Label),
			)
			continue
		}
		metrics.ObserveExternalCall(service, "error")
		c.logger.Warn("external call failed",
			zap.String("service", service),
			zap.String("credential", cred.Label),
			zap.Error(err),
		)
	}
	return fmt.Errorf("%s: attempts exhausted: %w", service, lastErr)
}
