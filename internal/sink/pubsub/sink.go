// Package pubsub delivers batches as Google Cloud Pub/Sub messages.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	pubsub "cloud.google.com/go/pubsub/v2"

	"github.com/IINGS/Crawler/internal/crawler"
	"github.com/IINGS/Crawler/internal/delivery"
)

// Sink publishes each batch as one message whose data is the JSON record array.
type Sink struct {
	publisher *pubsub.Publisher
}

// New creates a Sink for the provided topic publisher.
func New(publisher *pubsub.Publisher) *Sink {
	return &Sink{publisher: publisher}
}

// Send publishes the batch and waits for the server acknowledgement.
// Publish failures are returned as errors so the queue retries them.
func (s *Sink) Send(ctx context.Context, batch []crawler.Record) (crawler.SendResult, error) {
	if s.publisher == nil {
		return crawler.SendResult{}, fmt.Errorf("pubsub publisher is not configured")
	}
	data, err := json.Marshal(batch)
	if err != nil {
		return crawler.SendResult{}, fmt.Errorf("marshal batch: %w", err)
	}
	msg := &pubsub.Message{
		Data: data,
		Attributes: map[string]string{
			"batch_size": strconv.Itoa(len(batch)),
			"groups":     strings.Join(delivery.Groups(batch), ","),
		},
	}
	id, err := s.publisher.Publish(ctx, msg).Get(ctx)
	if err != nil {
		return crawler.SendResult{}, fmt.Errorf("publish batch: %w", err)
	}
	return crawler.SendResult{Status: crawler.SendSuccess, Message: id, Count: len(batch)}, nil
}

// Stop flushes pending publishes and releases publisher goroutines.
func (s *Sink) Stop() {
	if s.publisher != nil {
		s.publisher.Stop()
	}
}
