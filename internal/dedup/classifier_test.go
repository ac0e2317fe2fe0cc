package dedup

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/IINGS/Crawler/internal/crawler"
	"github.com/IINGS/Crawler/internal/hash/sha256"
	"github.com/IINGS/Crawler/internal/state/memory"
)

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

type failingStore struct{}

func (failingStore) Classify(context.Context, string, string, string, time.Time) (crawler.Classification, error) {
	return "", errors.New("disk full")
}

func (failingStore) ResetSeen(context.Context, string) error { return nil }

func acme(extra map[string]string) crawler.Record {
	return crawler.Record{Key: "Acme_Kim", Company: "Acme", CEO: "Kim", Extra: extra}
}

func TestClassifierSequence(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	c := New(memory.New(), sha256.New(), fixedClock{t: time.Unix(100, 0)})
	r1 := acme(nil)
	r2 := acme(map[string]string{"업종": "제조"})

	steps := []struct {
		rec  crawler.Record
		want crawler.Classification
	}{
		{r1, crawler.ClassNew},
		{r1, crawler.ClassUnchanged},
		{r2, crawler.ClassChanged},
		{r2, crawler.ClassUnchanged},
		{r1, crawler.ClassChanged},
	}
	for i, step := range steps {
		got, err := c.Classify(ctx, "g1", step.rec)
		require.NoError(t, err)
		assert.Equal(t, step.want, got, "step %d", i)
	}
}

func TestClassifierGroupsAreIsolated(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	c := New(memory.New(), sha256.New(), fixedClock{t: time.Unix(100, 0)})
	got, err := c.Classify(ctx, "g1", acme(nil))
	require.NoError(t, err)
	assert.Equal(t, crawler.ClassNew, got)
	got, err = c.Classify(ctx, "g2", acme(nil))
	require.NoError(t, err)
	assert.Equal(t, crawler.ClassNew, got)
}

func TestClassifierSurfacesStoreErrors(t *testing.T) {
	t.Parallel()

	c := New(failingStore{}, sha256.New(), fixedClock{})
	_, err := c.Classify(context.Background(), "g1", acme(nil))
	require.ErrorContains(t, err, "disk full")
}
