package board

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"whiteboard-backend/internal/config"
)

func testRegistry() *Registry {
	return NewRegistry(config.BoardConfig{
		HistoryCap:    100,
		MaxTextLength: 500,
		RoomMaxIdle:   24 * time.Hour,
		SweepInterval: time.Hour,
	})
}

func TestGetOrCreateRoomIsIdempotent(t *testing.T) {
	reg := testRegistry()
	key := RoomKey{ChatType: "channel", ChatID: "99"}

	a := reg.GetOrCreateRoom(key)
	b := reg.GetOrCreateRoom(key)
	assert.Same(t, a, b)
	assert.Equal(t, 1, reg.RoomCount())

	other := reg.GetOrCreateRoom(RoomKey{ChatType: "dm", ChatID: "99"})
	assert.NotSame(t, a, other, "chat type is part of the key")
	assert.Equal(t, 2, reg.RoomCount())
}

func TestRoomReturnsNilWhenMissing(t *testing.T) {
	reg := testRegistry()
	assert.Nil(t, reg.Room(RoomKey{ChatType: "dm", ChatID: "1"}))
}

func TestRemoveRoomIfEmpty(t *testing.T) {
	reg := testRegistry()
	key := RoomKey{ChatType: "channel", ChatID: "42"}
	room := reg.GetOrCreateRoom(key)

	_, err := room.Join("alice", "conn-a", "Alice", "", &fakeConn{})
	require.NoError(t, err)

	// occupied rooms survive
	reg.RemoveRoomIfEmpty(key)
	assert.Equal(t, 1, reg.RoomCount())

	room.Leave("conn-a")
	reg.RemoveRoomIfEmpty(key)
	assert.Equal(t, 0, reg.RoomCount())

	// a later join starts from a blank board
	fresh := reg.GetOrCreateRoom(key)
	assert.NotSame(t, room, fresh)
	assert.Empty(t, fresh.History())
}

func TestCleanupIdleRooms(t *testing.T) {
	reg := testRegistry()

	emptyStale := reg.GetOrCreateRoom(RoomKey{ChatType: "dm", ChatID: "1"})
	emptyStale.mu.Lock()
	emptyStale.lastActivity = time.Now().Add(-25 * time.Hour)
	emptyStale.mu.Unlock()

	occupiedStale := reg.GetOrCreateRoom(RoomKey{ChatType: "channel", ChatID: "2"})
	_, err := occupiedStale.Join("bob", "conn-b", "Bob", "", &fakeConn{})
	require.NoError(t, err)
	occupiedStale.mu.Lock()
	occupiedStale.lastActivity = time.Now().Add(-25 * time.Hour)
	occupiedStale.mu.Unlock()

	emptyFresh := reg.GetOrCreateRoom(RoomKey{ChatType: "channel", ChatID: "3"})
	_ = emptyFresh

	removed := reg.CleanupIdleRooms(24 * time.Hour)
	assert.Equal(t, 1, removed, "only rooms both empty and stale are swept")
	assert.Equal(t, 2, reg.RoomCount())
	assert.NotNil(t, reg.Room(RoomKey{ChatType: "channel", ChatID: "2"}))
	assert.NotNil(t, reg.Room(RoomKey{ChatType: "channel", ChatID: "3"}))
}

func TestSweepSparesOccupiedRoom(t *testing.T) {
	reg := testRegistry()
	key := RoomKey{ChatType: "channel", ChatID: "42"}

	room := reg.GetOrCreateRoom(key)
	connA := &fakeConn{}
	_, err := room.Join("alice", "conn-a", "Alice", "", connA)
	require.NoError(t, err)

	room.mu.Lock()
	room.lastActivity = time.Now().Add(-48 * time.Hour)
	room.mu.Unlock()

	assert.Equal(t, 0, reg.CleanupIdleRooms(24*time.Hour))

	// a later joiner must land in the same room, not a fresh split-brain
	// copy behind the same key
	same := reg.GetOrCreateRoom(key)
	require.Same(t, room, same)
	connB := &fakeConn{}
	_, err = same.Join("bob", "conn-b", "Bob", "", connB)
	require.NoError(t, err)

	raw, _ := json.Marshal(DrawPayload{X0: 0.1, Y0: 0.1, X1: 0.2, Y1: 0.2, Tool: "pen"})
	require.NoError(t, room.Apply("conn-a", EventDraw, raw))
	assert.Equal(t, 1, connB.countOf(EventDraw))
}

func TestRegistryStatsSorted(t *testing.T) {
	reg := testRegistry()

	r1 := reg.GetOrCreateRoom(RoomKey{ChatType: "dm", ChatID: "5"})
	_, err := r1.Join("alice", "conn-a", "Alice", "", &fakeConn{})
	require.NoError(t, err)

	r2 := reg.GetOrCreateRoom(RoomKey{ChatType: "channel", ChatID: "9"})
	_, err = r2.Join("bob", "conn-b", "Bob", "", &fakeConn{})
	require.NoError(t, err)
	_, err = r2.Join("carol", "conn-c", "Carol", "", &fakeConn{})
	require.NoError(t, err)

	stats := reg.Stats()
	require.Len(t, stats, 2)
	assert.Equal(t, "channel", stats[0].ChatType)
	assert.Equal(t, 2, stats[0].Participants)
	assert.Equal(t, "dm", stats[1].ChatType)
	assert.Equal(t, 1, stats[1].Participants)
}

func TestHistoryCapDefaulted(t *testing.T) {
	reg := NewRegistry(config.BoardConfig{})
	room := reg.GetOrCreateRoom(RoomKey{ChatType: "dm", ChatID: "x"})
	assert.Equal(t, 100, room.historyCap)
}

func TestStopIsIdempotent(t *testing.T) {
	reg := testRegistry()
	reg.StartSweeper(time.Hour)
	reg.Stop()
	assert.NotPanics(t, func() { reg.Stop() })
}
