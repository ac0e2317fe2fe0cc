package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestInitIsIdempotent(t *testing.T) {
	Init()
	Init()
	assert.NotNil(t, recordsClassifiedTotal)
	assert.NotNil(t, deliveryQueueDepth)
}

func TestObserveClassification(t *testing.T) {
	Init()
	counter := recordsClassifiedTotal.WithLabelValues("metrics-test", "new")
	before := testutil.ToFloat64(counter)
	ObserveClassification("metrics-test", "new")
	ObserveClassification("metrics-test", "new")
	assert.InDelta(t, before+2, testutil.ToFloat64(counter), 0.001)
}

func TestObserveDelivery(t *testing.T) {
	Init()
	batches := testutil.ToFloat64(deliveryBatchesTotal.WithLabelValues("metrics_test"))
	records := testutil.ToFloat64(deliveryRecordsTotal.WithLabelValues("metrics_test"))
	ObserveDelivery("metrics_test", 150)
	assert.InDelta(t, batches+1, testutil.ToFloat64(deliveryBatchesTotal.WithLabelValues("metrics_test")), 0.001)
	assert.InDelta(t, records+150, testutil.ToFloat64(deliveryRecordsTotal.WithLabelValues("metrics_test")), 0.001)
}

func TestQueueDepthAndGroups(t *testing.T) {
	SetQueueDepth(42)
	assert.InDelta(t, 42, testutil.ToFloat64(deliveryQueueDepth), 0.001)

	base := testutil.ToFloat64(activeGroups)
	IncActiveGroups()
	assert.InDelta(t, base+1, testutil.ToFloat64(activeGroups), 0.001)
	DecActiveGroups()
	assert.InDelta(t, base, testutil.ToFloat64(activeGroups), 0.001)
}

func TestObserveHistogramsDoNotPanic(t *testing.T) {
	ObserveFetch("metrics-test", 250*time.Millisecond)
	ObserveRateLimitDelay("metrics-test", time.Second)
	ObservePage("metrics-test", "ok")
	ObserveCheckpoint("metrics-test", "saved")
}
