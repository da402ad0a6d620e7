package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/plb/pkg/events"
	"github.com/cuemby/plb/pkg/types"
)

func newTestStore(t *testing.T) *BoltTraceStore {
	t.Helper()
	store, err := NewBoltTraceStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestRecordAndListMovements(t *testing.T) {
	store := newTestStore(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for i, fu := range []string{"fu1", "fu2", "fu1"} {
		require.NoError(t, store.RecordMovement(&TraceRecord{
			ID:             fu + "-" + string(rune('a'+i)),
			Type:           string(events.EventOperationEmitted),
			Timestamp:      base.Add(time.Duration(i) * time.Minute),
			FailoverUnitID: fu,
			Actions: []types.PLBAction{
				{SourceNode: "n1", TargetNode: "n2", Action: types.MovementMoveSecondary},
			},
		}))
	}

	tests := []struct {
		name string
		opts ListOptions
		want int
	}{
		{name: "all", opts: ListOptions{}, want: 3},
		{name: "by failover unit", opts: ListOptions{FailoverUnitID: "fu1"}, want: 2},
		{name: "since", opts: ListOptions{Since: base.Add(time.Minute)}, want: 2},
		{name: "limit", opts: ListOptions{Limit: 1}, want: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			records, err := store.ListMovements(tt.opts)
			require.NoError(t, err)
			assert.Len(t, records, tt.want)
		})
	}

	records, err := store.ListMovements(ListOptions{})
	require.NoError(t, err)
	assert.True(t, records[0].Timestamp.Before(records[2].Timestamp), "records are returned in time order")
	assert.Equal(t, types.MovementMoveSecondary, records[0].Actions[0].Action)
}

func TestRecordRequiresID(t *testing.T) {
	store := newTestStore(t)
	assert.Error(t, store.RecordRefresh(&TraceRecord{Timestamp: time.Now()}))
}

func TestPrune(t *testing.T) {
	store := newTestStore(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, store.RecordMovement(&TraceRecord{ID: "old", Timestamp: base}))
	require.NoError(t, store.RecordRefresh(&TraceRecord{ID: "old-refresh", Timestamp: base}))
	require.NoError(t, store.RecordMovement(&TraceRecord{ID: "new", Timestamp: base.Add(time.Hour)}))

	removed, err := store.Prune(base.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	records, err := store.ListMovements(ListOptions{})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "new", records[0].ID)
}

func TestHandleEventRoutesByType(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.HandleEvent(&events.Event{
		ID: "e1", Type: events.EventRefreshCompleted, Timestamp: time.Now(), Message: "3 movements",
	}))
	require.NoError(t, store.HandleEvent(&events.Event{
		ID: "e2", Type: events.EventMovementDropped, Timestamp: time.Now(), FailoverUnitID: "fu9",
	}))

	refreshes, err := store.ListRefreshes(ListOptions{})
	require.NoError(t, err)
	require.Len(t, refreshes, 1)
	assert.Equal(t, "3 movements", refreshes[0].Message)

	movements, err := store.ListMovements(ListOptions{FailoverUnitID: "fu9"})
	require.NoError(t, err)
	assert.Len(t, movements, 1)
}
