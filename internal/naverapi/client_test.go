package naverapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dhkim0920/termharvest/internal/credential"
	"github.com/dhkim0920/termharvest/internal/harvest"
)

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

func testClock() fixedClock {
	return fixedClock{t: time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)}
}

func newTestClient(t *testing.T, baseURL string, creds int) (*Client, *credential.Pool, *credential.Pool) {
	t.Helper()

	var list []credential.Credential
	labels := []string{"alpha", "beta", "gamma"}
	for i := 0; i < creds; i++ {
		list = append(list, credential.Credential{
			Label:      labels[i],
			Key:        "key-" + labels[i],
			Secret:     "secret-" + labels[i],
			CustomerID: "100",
		})
	}
	relatedPool := credential.NewPool("searchad", list, time.Minute, testClock())
	docsPool := credential.NewPool("openapi", list, time.Minute, testClock())

	client := New(Config{
		SearchAdBaseURL: baseURL,
		OpenAPIBaseURL:  baseURL,
		MaxAttempts:     3,
		RequestsPerSec:  1000,
		Burst:           10,
	}, relatedPool, docsPool, testClock(), zap.NewNop())
	return client, relatedPool, docsPool
}

func TestFetchRelatedParsesFlexFieldsAndSignsRequest(t *testing.T) {
	t.Parallel()

	var gotReq atomic.Pointer[http.Request]
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotReq.Store(r.Clone(context.Background()))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"keywordList": [
			{"relKeyword": "캠핑의자", "monthlyPcQcCnt": 1200, "monthlyMobileQcCnt": "3400",
			 "monthlyAvePcClkCnt": 10.5, "monthlyAvePcCtr": "0.8", "compIdx": "높음"},
			{"relKeyword": "캠핑테이블", "monthlyPcQcCnt": "< 10", "monthlyMobileQcCnt": null,
			 "monthlyAveMobileClkCnt": "< 10", "compIdx": "낮음"}
		]}`))
	}))
	defer srv.Close()

	client, _, _ := newTestClient(t, srv.URL, 1)
	got, err := client.FetchRelated(context.Background(), "캠핑")
	require.NoError(t, err)
	require.Len(t, got, 2)

	assert.Equal(t, "캠핑의자", got[0].Term)
	assert.Equal(t, 1200, got[0].PCVolume)
	assert.Equal(t, 3400, got[0].MobileVolume)
	assert.InDelta(t, 10.5, got[0].PCClicks, 1e-9)
	assert.InDelta(t, 0.8, got[0].PCCTR, 1e-9)
	assert.Equal(t, "높음", got[0].CompIdx)

	// "< 10" collapses to a small nonzero value, null to zero
	assert.Equal(t, 5, got[1].PCVolume)
	assert.Equal(t, 0, got[1].MobileVolume)
	assert.InDelta(t, 5.0, got[1].MobileClicks, 1e-9)

	req := gotReq.Load()
	require.NotNil(t, req)
	assert.Equal(t, "캠핑", req.URL.Query().Get("hintKeywords"))
	assert.Equal(t, "1", req.URL.Query().Get("showDetail"))
	assert.Equal(t, "key-alpha", req.Header.Get("X-API-KEY"))
	assert.Equal(t, "100", req.Header.Get("X-Customer"))
	assert.NotEmpty(t, req.Header.Get("X-Timestamp"))
	assert.NotEmpty(t, req.Header.Get("X-Signature"))
}

func TestFetchRelatedRotatesAfterRateLimit(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte(`{"keywordList": [{"relKeyword": "캠핑의자", "monthlyPcQcCnt": 100}]}`))
	}))
	defer srv.Close()

	client, relatedPool, _ := newTestClient(t, srv.URL, 2)
	got, err := client.FetchRelated(context.Background(), "캠핑")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, int32(2), calls.Load())

	// the throttled credential went under cooldown
	summary := relatedPool.Summary()
	assert.Equal(t, 1, summary.Cooling)
	assert.Equal(t, 1, summary.Available)
}

func TestFetchRelatedFailsWhenPoolExhausted(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	client, _, _ := newTestClient(t, srv.URL, 1)
	_, err := client.FetchRelated(context.Background(), "캠핑")
	require.Error(t, err)
	assert.ErrorIs(t, err, credential.ErrPoolExhausted)
}

func TestFetchRelatedExhaustsAttemptsOnServerErrors(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	client, _, _ := newTestClient(t, srv.URL, 2)
	_, err := client.FetchRelated(context.Background(), "캠핑")
	require.Error(t, err)
	assert.NotErrorIs(t, err, credential.ErrPoolExhausted)
	assert.Equal(t, int32(3), calls.Load())
}

func TestFetchDocumentCountsQueriesAllChannels(t *testing.T) {
	t.Parallel()

	totals := map[string]int{
		"/v1/search/blog.json":        120,
		"/v1/search/cafearticle.json": 45,
		"/v1/search/webkr.json":       300,
		"/v1/search/news.json":        9000,
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		total, ok := totals[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		if r.Header.Get("X-Naver-Client-Id") == "" || r.Header.Get("X-Naver-Client-Secret") == "" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		assert.Equal(t, "서울맛집", r.URL.Query().Get("query"))
		_ = json.NewEncoder(w).Encode(map[string]int{"total": total})
	}))
	defer srv.Close()

	client, _, _ := newTestClient(t, srv.URL, 1)
	counts, err := client.FetchDocumentCounts(context.Background(), "서울맛집")
	require.NoError(t, err)
	assert.Equal(t, harvest.ChannelCounts{Blog: 120, Cafe: 45, Web: 300, News: 9000}, counts)
}

func TestFetchDocumentCountsIsAllOrNothing(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v1/search/news.json" {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte(`{"total": 10}`))
	}))
	defer srv.Close()

	client, _, _ := newTestClient(t, srv.URL, 1)
	counts, err := client.FetchDocumentCounts(context.Background(), "서울맛집")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "news")
	assert.Equal(t, harvest.ChannelCounts{}, counts)
}

func TestDoWithRotationHonorsContextCancel(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	client, _, _ := newTestClient(t, srv.URL, 1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := client.FetchRelated(ctx, "캠핑")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}
