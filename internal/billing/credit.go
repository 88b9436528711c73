package billing

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// CreditClient fetches the current credit of an account.
type CreditClient interface {
	GetCredit(ctx context.Context, uid string) (float64, error)
}

// HTTPCreditClient queries GET <base>/credit/<uid>, which answers
// {"credit": <number>}.
type HTTPCreditClient struct {
	base  string
	token string
	http  *RetryableHTTPClient
}

func NewHTTPCreditClient(base, token string, timeout time.Duration, requestsPerSecond float64) *HTTPCreditClient {
	return &HTTPCreditClient{
		base:  strings.TrimRight(base, "/"),
		token: token,
		http:  NewRetryableHTTPClient(timeout, requestsPerSecond),
	}
}

type creditResponse struct {
	Credit *float64 `json:"credit"`
}

func (c *HTTPCreditClient) GetCredit(ctx context.Context, uid string) (float64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/credit/"+url.PathEscape(uid), nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("credit check for %s: %w", uid, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return 0, fmt.Errorf("credit check for %s: status %d: %s", uid, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	var out creditResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, fmt.Errorf("decode credit for %s: %w", uid, err)
	}
	if out.Credit == nil {
		return 0, fmt.Errorf("credit check for %s: missing credit", uid)
	}
	return *out.Credit, nil
}
