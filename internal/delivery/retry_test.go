package delivery

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/IINGS/Crawler/internal/crawler"
)

func TestRetryPolicyJudge(t *testing.T) {
	t.Parallel()

	p := DefaultRetryPolicy()
	cases := []struct {
		name string
		res  crawler.SendResult
		err  error
		want verdict
	}{
		{"success", crawler.SendResult{Status: crawler.SendSuccess}, nil, verdictDelivered},
		{"busy", crawler.SendResult{Status: crawler.SendBusy}, nil, verdictBusy},
		{"logical error", crawler.SendResult{Status: crawler.SendError}, nil, verdictRejected},
		{"unknown status", crawler.SendResult{Status: "weird"}, nil, verdictRejected},
		{"429", crawler.SendResult{}, &crawler.HTTPStatusError{StatusCode: 429}, verdictBusy},
		{"500", crawler.SendResult{}, &crawler.HTTPStatusError{StatusCode: 500}, verdictTransient},
		{"404", crawler.SendResult{}, &crawler.HTTPStatusError{StatusCode: 404}, verdictRejected},
		{"network", crawler.SendResult{}, errors.New("dial tcp: timeout"), verdictTransient},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, p.judge(tc.res, tc.err), tc.name)
	}
}

func TestRetryPolicyBusyBackoffIsExponentialWithJitter(t *testing.T) {
	t.Parallel()

	p := RetryPolicy{BaseDelay: time.Second, MaxDelay: time.Minute}
	for attempt := 1; attempt <= 4; attempt++ {
		exp := time.Duration(1<<attempt) * time.Second
		got := p.backoff(verdictBusy, attempt)
		assert.GreaterOrEqual(t, got, exp+time.Second, "attempt %d", attempt)
		assert.Less(t, got, exp+3*time.Second, "attempt %d", attempt)
	}
	capped := p.backoff(verdictBusy, 20)
	assert.Less(t, capped, time.Minute+3*time.Second)
}

func TestRetryPolicyTransientBackoffIsLinear(t *testing.T) {
	t.Parallel()

	p := RetryPolicy{LinearStep: 3 * time.Second}
	assert.Equal(t, 3*time.Second, p.backoff(verdictTransient, 1))
	assert.Equal(t, 9*time.Second, p.backoff(verdictTransient, 3))
}
