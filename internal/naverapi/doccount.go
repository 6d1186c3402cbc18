package naverapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/dhkim0920/termharvest/internal/credential"
	"github.com/dhkim0920/termharvest/internal/harvest"
)

// Content channels queried for document counts. The service exposes one
// search endpoint per channel.
var docChannels = []string{"blog", "cafearticle", "webkr", "news"}

type docCountResponse struct {
	Total int `json:"total"`
}

// FetchDocumentCounts queries all four content channels for one term in
// parallel, each channel with its own retry/rotation loop. The aggregate
// fails if any channel ultimately fails; partial results are never returned.
func (c *Client) FetchDocumentCounts(ctx context.Context, term string) (harvest.ChannelCounts, error) {
	var (
		mu     sync.Mutex
		counts = make(map[string]int, len(docChannels))
	)

	g, gCtx := errgroup.WithContext(ctx)
	for _, channel := range docChannels {
		g.Go(func() error {
			total, err := c.channelTotal(gCtx, channel, term)
			if err != nil {
				return fmt.Errorf("channel %s: %w", channel, err)
			}
			mu.Lock()
			counts[channel] = total
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return harvest.ChannelCounts{}, fmt.Errorf("document counts for %q: %w", term, err)
	}

	return harvest.ChannelCounts{
		Blog: counts["blog"],
		Cafe: counts["cafearticle"],
		Web:  counts["webkr"],
		News: counts["news"],
	}, nil
}

func (c *Client) channelTotal(ctx context.Context, channel, term string) (int, error) {
	var total int
	err := c.doWithRotation(ctx, c.docsPool, c.docsRate, "doc_count", func(cred credential.Credential) error {
		q := url.Values{}
		q.Set("query", term)
		q.Set("display", "1")

		req, err := http.NewRequestWithContext(
			ctx,
			http.MethodGet,
			fmt.Sprintf("%s/v1/search/%s.json?%s", c.cfg.OpenAPIBaseURL, channel, q.Encode()),
			nil,
		)
		if err != nil {
			return fmt.Errorf("build request: %w", err)
		}
		req.Header.Set("X-Naver-Client-Id", cred.Key)
		req.Header.Set("X-Naver-Client-Secret", cred.Secret)

		resp, err := c.httpc.Do(req)
		if err != nil {
			return fmt.Errorf("do request: %w", err)
		}
		defer func() { _ = resp.Body.Close() }()

		if resp.StatusCode != http.StatusOK {
			return readAPIError(resp)
		}
		var decoded docCountResponse
		if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
		total = decoded.Total
		return nil
	})
	if err != nil {
		return 0, err
	}
	return total, nil
}
