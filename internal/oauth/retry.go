// retry.go -- token exchange retry policy.
//
// Codes are single-use, so only failures where the provider likely never processed
// the request (5xx, timeouts) are retried, and only once.
package oauth

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/oauth2"
)

// RetryPolicy bounds exchange retries.
type RetryPolicy struct {
	MaxRetries      uint64
	InitialInterval time.Duration
	MaxInterval     time.Duration
	// AttemptTimeout caps a single token request. Zero leaves only the caller's
	// deadline, which is still split so a timed-out attempt leaves room for the retry.
	AttemptTimeout time.Duration
}

// DefaultRetryPolicy retries once after ~250ms.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:      1,
		InitialInterval: 250 * time.Millisecond,
		MaxInterval:     time.Second,
	}
}

// IsTransient reports whether err is a 5xx token response or a timeout.
// 4xx responses (invalid or already-used code) are permanent.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		return re.Response != nil && re.Response.StatusCode >= http.StatusInternalServerError
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// attemptContext bounds one attempt to its share of what remains of ctx's deadline.
func attemptContext(ctx context.Context, rp RetryPolicy, retriesLeft uint64) (context.Context, context.CancelFunc) {
	d := rp.AttemptTimeout
	if dl, ok := ctx.Deadline(); ok && retriesLeft > 0 {
		if share := time.Until(dl) / time.Duration(retriesLeft+1); d <= 0 || share < d {
			d = share
		}
	}
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

func exchangeWithRetry(ctx context.Context, rp RetryPolicy, fn func(context.Context) (*oauth2.Token, error)) (*oauth2.Token, error) {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = rp.InitialInterval
	eb.MaxInterval = rp.MaxInterval
	eb.MaxElapsedTime = 0

	var token *oauth2.Token
	var attempts uint64
	op := func() error {
		actx, cancel := attemptContext(ctx, rp, rp.MaxRetries-min(attempts, rp.MaxRetries))
		defer cancel()
		attempts++
		t, err := fn(actx)
		if err != nil {
			if !IsTransient(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		token = t
		return nil
	}

	b := backoff.WithContext(backoff.WithMaxRetries(eb, rp.MaxRetries), ctx)
	if err := backoff.Retry(op, b); err != nil {
		return nil, err
	}
	return token, nil
}
