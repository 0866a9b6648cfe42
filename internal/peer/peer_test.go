package peer

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTable_UpsertIsIdempotent(t *testing.T) {
	table := NewTable()
	a := table.Upsert("node1", "10.0.0.1:9000", 9000)
	b := table.Upsert("node1", "ignored:0", 0)
	assert.Same(t, a, b)
}

func TestTable_RandomHealthyFallsBackToSuspect(t *testing.T) {
	table := NewTable()
	table.Upsert("h1", "a", 1)
	table.Upsert("s1", "b", 1)
	table.mutate("s1", func(r *Record) { r.State = StateSuspect })

	got := table.RandomHealthy(2)
	assert.Len(t, got, 2)
}

func TestTable_RandomHealthyExcludesFailed(t *testing.T) {
	table := NewTable()
	table.Upsert("h1", "a", 1)
	table.Upsert("f1", "b", 1)
	table.mutate("f1", func(r *Record) { r.State = StateFailed })

	got := table.RandomHealthy(5)
	for _, r := range got {
		assert.NotEqual(t, StateFailed, r.State)
	}
}

func TestTable_RandomOneRequiresHealthy(t *testing.T) {
	table := NewTable()
	_, ok := table.RandomOne()
	assert.False(t, ok)

	table.Upsert("h1", "a", 1)
	r, ok := table.RandomOne()
	assert.True(t, ok)
	assert.Equal(t, "h1", r.NodeID)
}
