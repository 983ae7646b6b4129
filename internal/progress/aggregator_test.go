package progress

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAggregator_Record(t *testing.T) {
	agg := New(10, 100)
	agg.SetTotal(3)

	agg.Record(true, 1, "")
	agg.Record(false, 2, "name is required")
	agg.Record(true, 3, "")

	snap := agg.Snapshot()
	require.NotNil(t, snap.Total)
	assert.Equal(t, 3, *snap.Total)
	assert.Equal(t, 3, snap.Processed)
	assert.Equal(t, 2, snap.Success)
	assert.Equal(t, 1, snap.Errors)
	require.Len(t, snap.ErrorLog.Entries, 1)
	assert.Equal(t, 2, snap.ErrorLog.Entries[0].Row)
	assert.Equal(t, "name is required", snap.ErrorLog.Entries[0].Message)
	assert.Zero(t, snap.ErrorLog.Omitted)
	assert.Empty(t, snap.ErrorLog.Summary())
}

func TestAggregator_ErrorLogCap(t *testing.T) {
	agg := New(3, 100)

	for i := 1; i <= 10; i++ {
		agg.Record(false, i, fmt.Sprintf("row %d failed", i))
	}

	snap := agg.Snapshot()
	assert.Equal(t, 10, snap.Errors)
	assert.Equal(t, 10, snap.Processed)
	assert.Len(t, snap.ErrorLog.Entries, 3)
	assert.Equal(t, 7, snap.ErrorLog.Omitted)
	assert.Equal(t, "7 additional errors omitted", snap.ErrorLog.Summary())
	assert.Equal(t, snap.Processed, snap.Success+snap.Errors)
}

func TestAggregator_ShouldFlush(t *testing.T) {
	agg := New(10, 2)

	agg.Record(true, 1, "")
	assert.False(t, agg.ShouldFlush())

	agg.Record(true, 2, "")
	assert.True(t, agg.ShouldFlush())
	assert.False(t, agg.ShouldFlush(), "flush point already consumed")

	agg.Record(false, 3, "bad")
	agg.Record(true, 4, "")
	assert.True(t, agg.ShouldFlush())
}

func TestAggregator_SnapshotIsCopy(t *testing.T) {
	agg := New(10, 10)
	agg.Record(false, 1, "first")

	snap := agg.Snapshot()
	agg.Record(false, 2, "second")

	assert.Len(t, snap.ErrorLog.Entries, 1)
	assert.Nil(t, snap.Total)
}

func TestNew_Defaults(t *testing.T) {
	agg := New(0, -1)
	assert.Equal(t, DefaultErrorLogCap, agg.cap)
	assert.Equal(t, DefaultFlushEvery, agg.flushEvery)
}
