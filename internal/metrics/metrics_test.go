package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCollectorRecords(t *testing.T) {
	c := NewCollector("test")

	c.ObserveOutcome("VERIFIED", "", 2*time.Second)
	c.ObserveOutcome("FAILED", "TransactionRevertedError", time.Second)
	c.ObserveOutcome("FAILED", "TransactionRevertedError", time.Second)
	c.ObserveBatch(3)
	c.ObserveOutOfOrder(1)
	c.SetCommittedBlock(420)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.outcomes.WithLabelValues("VERIFIED", "")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.outcomes.WithLabelValues("FAILED", "TransactionRevertedError")))
	assert.Equal(t, 3.0, testutil.ToFloat64(c.batchEvents))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.outOfOrder))
	assert.Equal(t, 420.0, testutil.ToFloat64(c.committedBlock))
}

func TestNilCollectorIsNoop(t *testing.T) {
	var c *Collector
	c.ObserveOutcome("VERIFIED", "", time.Second)
	c.ObserveBatch(1)
	c.SetCommittedBlock(1)
	assert.Nil(t, c.Registry())
}
