package delivery

import (
	"crypto/rand"
	"errors"
	"math"
	"math/big"
	"net/http"
	"time"

	"github.com/IINGS/Crawler/internal/crawler"
)

// verdict is the policy decision for one send attempt.
type verdict int

const (
	verdictDelivered verdict = iota
	verdictBusy
	verdictTransient
	verdictRejected
)

func (v verdict) String() string {
	switch v {
	case verdictDelivered:
		return "delivered"
	case verdictBusy:
		return "busy"
	case verdictTransient:
		return "transient"
	default:
		return "rejected"
	}
}

// RetryPolicy decides how a batch is retried after each send attempt.
//   - busy results and HTTP 429 back off exponentially with jitter.
//   - HTTP 5xx and transport errors back off linearly.
//   - HTTP 4xx and logical errors are never retried.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	LinearStep time.Duration
}

// DefaultRetryPolicy mirrors the spreadsheet backend's expected cadence.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: 10,
		BaseDelay:  time.Second,
		MaxDelay:   time.Minute,
		LinearStep: 3 * time.Second,
	}
}

func (p RetryPolicy) judge(res crawler.SendResult, err error) verdict {
	if err != nil {
		var statusErr *crawler.HTTPStatusError
		if errors.As(err, &statusErr) {
			switch {
			case statusErr.StatusCode == http.StatusTooManyRequests:
				return verdictBusy
			case statusErr.StatusCode >= http.StatusInternalServerError:
				return verdictTransient
			default:
				return verdictRejected
			}
		}
		return verdictTransient
	}
	switch res.Status {
	case crawler.SendSuccess:
		return verdictDelivered
	case crawler.SendBusy:
		return verdictBusy
	default:
		return verdictRejected
	}
}

// backoff returns the wait before retry number attempt (starting at 1).
func (p RetryPolicy) backoff(v verdict, attempt int) time.Duration {
	if v == verdictBusy {
		delay := float64(p.BaseDelay) * math.Pow(2, float64(attempt))
		if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
			delay = float64(p.MaxDelay)
		}
		return time.Duration(delay) + p.BaseDelay + randomJitter(2*p.BaseDelay)
	}
	return p.LinearStep * time.Duration(attempt)
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(limit)))
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}
