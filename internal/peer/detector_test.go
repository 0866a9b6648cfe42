package peer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDetector_SuccessKeepsHealthy(t *testing.T) {
	table := NewTable()
	table.Upsert("n1", "a", 1)
	d := NewDetector(table, DetectorConfig{SuspectThreshold: 2, FailedThreshold: 4}, nil)

	d.RecordSuccess("n1")
	r, _ := table.Get("n1")
	assert.Equal(t, StateHealthy, r.State)
	assert.Equal(t, 0, r.ConsecutiveFailures)
}

func TestDetector_EscalatesThroughSuspectToFailed(t *testing.T) {
	table := NewTable()
	table.Upsert("n1", "a", 1)
	d := NewDetector(table, DetectorConfig{SuspectThreshold: 2, FailedThreshold: 4}, nil)

	d.RecordFailure("n1")
	r, _ := table.Get("n1")
	assert.Equal(t, StateHealthy, r.State)

	d.RecordFailure("n1")
	r, _ = table.Get("n1")
	assert.Equal(t, StateSuspect, r.State)

	d.RecordFailure("n1")
	d.RecordFailure("n1")
	r, _ = table.Get("n1")
	assert.Equal(t, StateFailed, r.State)
}

func TestDetector_OnFailedFiresExactlyOnce(t *testing.T) {
	table := NewTable()
	table.Upsert("n1", "a", 1)
	fired := 0
	d := NewDetector(table, DetectorConfig{SuspectThreshold: 1, FailedThreshold: 1}, func(nodeID string) { fired++ })

	d.RecordFailure("n1")
	d.RecordFailure("n1")
	d.RecordFailure("n1")
	assert.Equal(t, 1, fired)
}

func TestDetector_RecordSuccessRestoresFromFailed(t *testing.T) {
	table := NewTable()
	table.Upsert("n1", "a", 1)
	d := NewDetector(table, DetectorConfig{SuspectThreshold: 1, FailedThreshold: 1}, nil)

	d.RecordFailure("n1")
	r, _ := table.Get("n1")
	require := assert.New(t)
	require.Equal(StateFailed, r.State)

	d.RecordSuccess("n1")
	r, _ = table.Get("n1")
	require.Equal(StateHealthy, r.State)
}

func TestDetector_ProbeRestoresOnFirstSuccess(t *testing.T) {
	table := NewTable()
	table.Upsert("n1", "a", 1)
	table.mutate("n1", func(r *Record) { r.State = StateFailed })

	d := NewDetector(table, DetectorConfig{FailedProbeInterval: 5 * time.Millisecond}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	d.Probe(ctx, func(nodeID, address string) error { return nil })

	r, _ := table.Get("n1")
	assert.Equal(t, StateHealthy, r.State)
}
