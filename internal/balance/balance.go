package balance

import (
	"context"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"

	"loyaltyLedgerAPI/internal/treasury"
)

// Source reports external balances per pool type.
type Source interface {
	Name() string
	Balances(ctx context.Context) (treasury.Balances, error)
}

// ClientOptions configures the resty clients behind every source.
type ClientOptions struct {
	Timeout      time.Duration
	RetryCount   int
	RetryWait    time.Duration
	RetryMaxWait time.Duration
}

// RetryOnErrOr5xx retries transport errors, 5xx and 429 responses.
func RetryOnErrOr5xx(r *resty.Response, err error) bool {
	if err != nil {
		return true
	}
	return r != nil && (r.StatusCode() >= http.StatusInternalServerError || r.StatusCode() == http.StatusTooManyRequests)
}

// NewRestyClient builds a client with bounded timeout and retries.
func NewRestyClient(opts ClientOptions) *resty.Client {
	c := resty.New().
		SetTimeout(opts.Timeout).
		SetRetryCount(opts.RetryCount).
		AddRetryCondition(RetryOnErrOr5xx).
		SetHeader("Accept", "application/json")
	if opts.RetryWait > 0 {
		c.SetRetryWaitTime(opts.RetryWait)
	}
	if opts.RetryMaxWait > 0 {
		c.SetRetryMaxWaitTime(opts.RetryMaxWait)
	}
	return c
}
