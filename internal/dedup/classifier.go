// Package dedup classifies normalized records against a group's seen-set.
package dedup

import (
	"context"
	"fmt"

	"github.com/IINGS/Crawler/internal/crawler"
)

// Classifier fingerprints records and asks the seen store whether they are
// new, changed or unchanged.
type Classifier struct {
	store crawler.SeenStore
	fp    crawler.Fingerprinter
	clock crawler.Clock
}

// New builds a Classifier.
func New(store crawler.SeenStore, fp crawler.Fingerprinter, clock crawler.Clock) *Classifier {
	return &Classifier{store: store, fp: fp, clock: clock}
}

// Classify fingerprints every column of rec and upserts it under rec.Key.
func (c *Classifier) Classify(ctx context.Context, group string, rec crawler.Record) (crawler.Classification, error) {
	digest := c.fp.Fingerprint(rec.Fields())
	class, err := c.store.Classify(ctx, group, rec.Key, digest, c.clock.Now())
	if err != nil {
		return "", fmt.Errorf("classify %q: %w", rec.Key, err)
	}
	return class, nil
}
