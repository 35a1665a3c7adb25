package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/broker-aggregator/internal/types"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

// httpClient bundles the plumbing shared by every broker client: a bounded
// http.Client and an outbound pacing limiter so a burst of aggregation rounds
// cannot exceed the broker's documented request rate.
type httpClient struct {
	client  *http.Client
	limiter *rate.Limiter
}

func newHTTPClient(timeout time.Duration, requestsPerSecond float64) *httpClient {
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	if requestsPerSecond <= 0 {
		requestsPerSecond = 3
	}
	return &httpClient{
		client:  &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(rate.Limit(requestsPerSecond), 1),
	}
}

// do paces, executes and categorizes one broker HTTP request. A non-2xx status
// is turned into a typed adapter error; the body is decoded into out only on
// success. json.Decoder.UseNumber keeps prices as strings until they become
// decimals, so no float conversion ever touches a monetary value.
func (h *httpClient) do(ctx context.Context, req *http.Request, out interface{}) error {
	if err := h.limiter.Wait(ctx); err != nil {
		return NewError(types.CategoryTransient, "cancelled while waiting for request slot")
	}

	resp, err := h.client.Do(req.WithContext(ctx))
	if err != nil {
		// Timeouts and connection failures are transient by definition.
		return NewError(types.CategoryTransient, err.Error())
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return categorizeStatus(resp.StatusCode, resp.Header.Get("Retry-After"), string(body))
	}

	decoder := json.NewDecoder(resp.Body)
	decoder.UseNumber()
	if err := decoder.Decode(out); err != nil {
		return NewError(types.CategoryPermanent, fmt.Sprintf("malformed broker response: %v", err))
	}

	return nil
}

// categorizeStatus maps an HTTP status to the normalized error taxonomy.
func categorizeStatus(status int, retryAfter, body string) *Error {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return NewError(types.CategoryAuthExpired, fmt.Sprintf("broker rejected token (status %d)", status))
	case status == http.StatusTooManyRequests:
		e := NewError(types.CategoryRateLimited, "broker rate limit exceeded")
		if seconds, err := strconv.Atoi(retryAfter); err == nil && seconds > 0 {
			e.RetryAfter = time.Duration(seconds) * time.Second
		}
		return e
	case status >= 500:
		return NewError(types.CategoryTransient, fmt.Sprintf("broker server error (status %d)", status))
	default:
		return NewError(types.CategoryPermanent, fmt.Sprintf("broker rejected request (status %d): %s", status, body))
	}
}

// toDecimal converts a json.Number into a decimal without passing through
// float64.
func toDecimal(n json.Number) (decimal.Decimal, error) {
	if n == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(n.String())
}

// mustDecimal is toDecimal for response fields where a parse failure means the
// broker sent something unusable; it reports a permanent adapter error.
func mustDecimal(n json.Number, field string) (decimal.Decimal, error) {
	d, err := toDecimal(n)
	if err != nil {
		return decimal.Zero, NewError(types.CategoryPermanent, fmt.Sprintf("unparseable %s %q in broker response", field, n))
	}
	return d, nil
}
