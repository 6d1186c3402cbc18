package naverapi

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/dhkim0920/termharvest/internal/credential"
	"github.com/dhkim0920/termharvest/internal/harvest"
)

const keywordToolPath = "/keywordstool"

type keywordToolResponse struct {
	KeywordList []keywordToolRow `json:"keywordList"`
}

type keywordToolRow struct {
	RelKeyword    string    `json:"relKeyword"`
	MonthlyPC     FlexCount `json:"monthlyPcQcCnt"`
	MonthlyMobile FlexCount `json:"monthlyMobileQcCnt"`
	PCClicks      FlexFloat `json:"monthlyAvePcClkCnt"`
	MobileClicks  FlexFloat `json:"monthlyAveMobileClkCnt"`
	PCCTR         FlexFloat `json:"monthlyAvePcCtr"`
	MobileCTR     FlexFloat `json:"monthlyAveMobileCtr"`
	CompIdx       string    `json:"compIdx"`
}

// FetchRelated expands one seed term via the search-ad keyword tool. Each
// retry draws a fresh credential; the call is terminal only once the pool is
// exhausted or the attempt bound is hit.
func (c *Client) FetchRelated(ctx context.Context, seed string) ([]harvest.Candidate, error) {
	var out []harvest.Candidate
	err := c.doWithRotation(ctx, c.relatedPool, c.relatedRate, "related_terms", func(cred credential.Credential) error {
		q := url.Values{}
		q.Set("hintKeywords", seed)
		q.Set("showDetail", "1")

		req, err := http.NewRequestWithContext(
			ctx,
			http.MethodGet,
			c.cfg.SearchAdBaseURL+keywordToolPath+"?"+q.Encode(),
			nil,
		)
		if err != nil {
			return fmt.Errorf("build request: %w", err)
		}
		c.signSearchAd(req, cred)

		resp, err := c.httpc.Do(req)
		if err != nil {
			return fmt.Errorf("do request: %w", err)
		}
		defer func() { _ = resp.Body.Close() }()

		if resp.StatusCode != http.StatusOK {
			return readAPIError(resp)
		}
		var decoded keywordToolResponse
		if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
		out = toCandidates(decoded.KeywordList)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("fetch related for %q: %w", seed, err)
	}
	return out, nil
}

func toCandidates(rows []keywordToolRow) []harvest.Candidate {
	out := make([]harvest.Candidate, 0, len(rows))
	for _, row := range rows {
		out = append(out, harvest.Candidate{
			Term:         row.RelKeyword,
			PCVolume:     row.MonthlyPC.Int(),
			MobileVolume: row.MonthlyMobile.Int(),
			PCClicks:     row.PCClicks.Float(),
			MobileClicks: row.MobileClicks.Float(),
			PCCTR:        row.PCCTR.Float(),
			MobileCTR:    row.MobileCTR.Float(),
			CompIdx:      row.CompIdx,
		})
	}
	return out
}

// signSearchAd attaches the HMAC-SHA256 signature headers the search-ad API
// requires: signature over "{timestamp}.{method}.{path}" with the credential
// secret.
func (c *Client) signSearchAd(req *http.Request, cred credential.Credential) {
	ts := strconv.FormatInt(c.clock.Now().UnixMilli(), 10)
	mac := hmac.New(sha256.New, []byte(cred.Secret))
	mac.Write([]byte(ts + "." + req.Method + "." + keywordToolPath))
	sig := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	req.Header.Set("X-Timestamp", ts)
	req.Header.Set("X-API-KEY", cred.Key)
	req.Header.Set("X-Customer", cred.CustomerID)
	req.Header.Set("X-Signature", sig)
}
