package board

import (
	"log"
	"sort"
	"sync"
	"time"

	"whiteboard-backend/internal/config"
)

// Registry is the keyed store of whiteboard sessions. Rooms are created
// lazily on first join, removed eagerly when the last participant leaves,
// and a background sweep reclaims rooms that ended up empty without the
// eager path firing, once they have sat idle beyond RoomMaxIdle.
// Occupied rooms are never swept.
type Registry struct {
	cfg config.BoardConfig

	mu    sync.RWMutex
	rooms map[RoomKey]*Room

	sweepOnce sync.Once
	stopOnce  sync.Once
	done      chan struct{}
}

// NewRegistry creates a Registry
func NewRegistry(cfg config.BoardConfig) *Registry {
	if cfg.HistoryCap <= 0 {
		cfg.HistoryCap = 100
	}
	return &Registry{
		cfg:   cfg,
		rooms: make(map[RoomKey]*Room),
		done:  make(chan struct{}),
	}
}

// GetOrCreateRoom returns the room for a key, synthesizing it when missing.
// Idempotent; never fails.
func (g *Registry) GetOrCreateRoom(key RoomKey) *Room {
	g.mu.RLock()
	room, ok := g.rooms[key]
	g.mu.RUnlock()
	if ok {
		return room
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if room, ok := g.rooms[key]; ok {
		return room
	}

	room = newRoom(key, g.cfg.HistoryCap, g.cfg.MaxTextLength)
	g.rooms[key] = room
	log.Printf("[Registry] Created room %s", key)
	return room
}

// Room returns the room for a key, or nil
func (g *Registry) Room(key RoomKey) *Room {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.rooms[key]
}

// RemoveRoomIfEmpty drops the room when it has no participants left
func (g *Registry) RemoveRoomIfEmpty(key RoomKey) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if room, ok := g.rooms[key]; ok && room.Empty() {
		delete(g.rooms, key)
		log.Printf("[Registry] Removed empty room %s", key)
	}
}

// CleanupIdleRooms removes rooms that are empty and whose last activity
// is older than maxAge, and returns how many were dropped. A room that
// still lists participants is live state and is never deleted here, no
// matter how long it has been quiet.
func (g *Registry) CleanupIdleRooms(maxAge time.Duration) int {
	g.mu.Lock()
	defer g.mu.Unlock()

	removed := 0
	for key, room := range g.rooms {
		if room.Empty() && time.Since(room.LastActivity()) > maxAge {
			delete(g.rooms, key)
			removed++
			log.Printf("[Registry] Swept idle room %s", key)
		}
	}
	return removed
}

// StartSweeper launches the periodic idle-room sweep
func (g *Registry) StartSweeper(interval time.Duration) {
	g.sweepOnce.Do(func() {
		if interval <= 0 {
			interval = time.Hour
		}
		go func() {
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-g.done:
					return
				case <-ticker.C:
					if n := g.CleanupIdleRooms(g.cfg.RoomMaxIdle); n > 0 {
						log.Printf("[Registry] Sweep removed %d room(s)", n)
					}
				}
			}
		}()
	})
}

// Stop terminates the sweeper. Safe to call more than once.
func (g *Registry) Stop() {
	g.stopOnce.Do(func() {
		close(g.done)
	})
}

// RoomCount returns the number of live rooms
func (g *Registry) RoomCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.rooms)
}

// Stats summarizes every live room, ordered by key
func (g *Registry) Stats() []RoomStats {
	g.mu.RLock()
	rooms := make([]*Room, 0, len(g.rooms))
	for _, room := range g.rooms {
		rooms = append(rooms, room)
	}
	g.mu.RUnlock()

	out := make([]RoomStats, 0, len(rooms))
	for _, room := range rooms {
		out = append(out, room.Stats())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ChatType != out[j].ChatType {
			return out[i].ChatType < out[j].ChatType
		}
		return out[i].ChatID < out[j].ChatID
	})
	return out
}
