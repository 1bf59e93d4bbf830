package board

import (
	"encoding/json"
	"errors"
	"log"
	"sort"
	"sync"
	"time"
)

var (
	ErrInvalidIdentity = errors.New("missing room key or user identity")
	ErrNotInRoom       = errors.New("connection is not a room participant")
	ErrRoomLocked      = errors.New("board is locked")
	ErrNotAdmin        = errors.New("requester is not the room admin")
)

// RoomKey identifies one whiteboard session: the chat it belongs to
type RoomKey struct {
	ChatType string
	ChatID   string
}

func (k RoomKey) String() string {
	return k.ChatType + ":" + k.ChatID
}

// Participant is one connected user's presence within a room
type Participant struct {
	ConnID   string
	UserID   string
	Name     string
	Avatar   string
	IsAdmin  bool
	JoinedAt time.Time

	conn    Conn
	writeMu sync.Mutex
}

// ParticipantInfo is the wire representation of a participant
type ParticipantInfo struct {
	ConnID   string    `json:"connId"`
	UserID   string    `json:"userId"`
	Name     string    `json:"name"`
	Avatar   string    `json:"avatar,omitempty"`
	IsAdmin  bool      `json:"isAdmin"`
	JoinedAt time.Time `json:"joinedAt"`
}

func (p *Participant) info() ParticipantInfo {
	return ParticipantInfo{
		ConnID:   p.ConnID,
		UserID:   p.UserID,
		Name:     p.Name,
		Avatar:   p.Avatar,
		IsAdmin:  p.IsAdmin,
		JoinedAt: p.JoinedAt,
	}
}

// BoardState bootstraps a late joiner: snapshot first, then the capped
// history tail replayed on top of it.
type BoardState struct {
	Snapshot     string            `json:"snapshot,omitempty"`
	History      []Action          `json:"history"`
	Locked       bool              `json:"locked"`
	Participants []ParticipantInfo `json:"participants"`
	IsAdmin      bool              `json:"isAdmin"`
}

// JoinResult reports an admission
type JoinResult struct {
	Participant  ParticipantInfo
	Participants []ParticipantInfo
	IsAdmin      bool
}

// PresencePayload is the body of user_joined / user_left events
type PresencePayload struct {
	User         ParticipantInfo   `json:"user"`
	Participants []ParticipantInfo `json:"participants"`
}

// LockStatusPayload is the body of lock_status events
type LockStatusPayload struct {
	Locked bool   `json:"locked"`
	ByUser string `json:"byUserId"`
}

// RejectionPayload is the body of action_rejected events
type RejectionPayload struct {
	Event  string `json:"event"`
	Reason string `json:"reason"`
}

// SnapshotSavedPayload is the body of snapshot_saved events
type SnapshotSavedPayload struct {
	UserID  string    `json:"userId"`
	Name    string    `json:"name"`
	Image   string    `json:"image"`
	SavedAt time.Time `json:"savedAt"`
}

// RoomStats summarizes a room for the operations endpoint
type RoomStats struct {
	ChatType     string    `json:"chatType"`
	ChatID       string    `json:"chatId"`
	Participants int       `json:"participants"`
	HistoryLen   int       `json:"historyLen"`
	Locked       bool      `json:"locked"`
	CreatedAt    time.Time `json:"createdAt"`
	LastActivity time.Time `json:"lastActivity"`
}

// Room is one in-memory whiteboard session. All mutation goes through the
// room mutex; socket writes are serialized per participant.
type Room struct {
	Key       RoomKey
	CreatedAt time.Time

	mu           sync.RWMutex
	participants map[string]*Participant // connID -> participant
	history      []Action
	historyCap   int
	maxTextLen   int
	snapshot     string // latest confirmed raster, "" = none
	locked       bool
	adminUserID  string
	lastActivity time.Time
}

func newRoom(key RoomKey, historyCap, maxTextLen int) *Room {
	now := time.Now()
	return &Room{
		Key:          key,
		CreatedAt:    now,
		participants: make(map[string]*Participant),
		historyCap:   historyCap,
		maxTextLen:   maxTextLen,
		lastActivity: now,
	}
}

// touch is called with the room mutex held
func (r *Room) touch() {
	r.lastActivity = time.Now()
}

// Join admits a participant. The first participant becomes admin; so does
// a connection whose user identity matches the recorded admin (reconnect).
// The joiner receives board_state, everyone else user_joined.
func (r *Room) Join(userID, connID, name, avatar string, conn Conn) (*JoinResult, error) {
	if userID == "" || connID == "" {
		return nil, ErrInvalidIdentity
	}

	r.mu.Lock()

	isAdmin := len(r.participants) == 0 || userID == r.adminUserID
	if isAdmin {
		// at most one admin per room: a reconnecting admin identity takes
		// the flag back from any stale connection
		for _, other := range r.participants {
			other.IsAdmin = false
		}
		r.adminUserID = userID
	}

	p := &Participant{
		ConnID:   connID,
		UserID:   userID,
		Name:     name,
		Avatar:   avatar,
		IsAdmin:  isAdmin,
		JoinedAt: time.Now(),
		conn:     conn,
	}
	r.participants[connID] = p
	r.touch()

	list := r.participantListLocked()
	state := BoardState{
		Snapshot:     r.snapshot,
		History:      append([]Action(nil), r.history...),
		Locked:       r.locked,
		Participants: list,
		IsAdmin:      isAdmin,
	}
	others := r.othersLocked(connID)
	r.mu.Unlock()

	p.send(EventBoardState, state)
	payload := PresencePayload{User: p.info(), Participants: list}
	for _, other := range others {
		other.send(EventUserJoined, payload)
	}

	log.Printf("[Board %s] %s joined (conn=%s, admin=%v), total: %d",
		r.Key, userID, connID, isAdmin, len(list))

	return &JoinResult{Participant: p.info(), Participants: list, IsAdmin: isAdmin}, nil
}

// Leave removes a participant and reassigns the admin flag to the
// earliest-joined remaining participant when the admin departs.
// Returns the departed participant (nil if unknown) and the remaining count.
func (r *Room) Leave(connID string) (*ParticipantInfo, int) {
	r.mu.Lock()

	p, ok := r.participants[connID]
	if !ok {
		remaining := len(r.participants)
		r.mu.Unlock()
		return nil, remaining
	}

	delete(r.participants, connID)
	r.touch()

	if p.IsAdmin && len(r.participants) > 0 {
		next := r.earliestJoinedLocked()
		next.IsAdmin = true
		r.adminUserID = next.UserID
	}

	departed := p.info()
	list := r.participantListLocked()
	others := r.othersLocked("")
	remaining := len(r.participants)
	r.mu.Unlock()

	payload := PresencePayload{User: departed, Participants: list}
	for _, other := range others {
		other.send(EventUserLeft, payload)
	}

	log.Printf("[Board %s] %s left (conn=%s), remaining: %d", r.Key, p.UserID, connID, remaining)

	return &departed, remaining
}

// earliestJoinedLocked picks the deterministic admin successor: lowest
// join timestamp, connection ID as tiebreak.
func (r *Room) earliestJoinedLocked() *Participant {
	var next *Participant
	for _, p := range r.participants {
		if next == nil ||
			p.JoinedAt.Before(next.JoinedAt) ||
			(p.JoinedAt.Equal(next.JoinedAt) && p.ConnID < next.ConnID) {
			next = p
		}
	}
	return next
}

// Apply relays one drawing event: stamps it, records mutating actions in
// the bounded history, and fans it out to every other participant.
// Cursor movement is relayed only, never gated and never recorded.
func (r *Room) Apply(connID, eventType string, payload json.RawMessage) error {
	if eventType == EventCursorMove {
		var cursor CursorPayload
		if err := json.Unmarshal(payload, &cursor); err != nil {
			return ErrBadPayload
		}

		r.mu.Lock()
		sender, ok := r.participants[connID]
		if !ok {
			r.mu.Unlock()
			return ErrNotInRoom
		}
		cursor.ConnID = sender.ConnID
		cursor.UserID = sender.UserID
		cursor.Name = sender.Name
		r.touch()
		others := r.othersLocked(connID)
		r.mu.Unlock()

		for _, other := range others {
			other.send(EventCursorMove, cursor)
		}
		return nil
	}

	if !mutatingEvents[eventType] {
		return ErrUnknownEvent
	}

	// one critical section covers membership, lock gate and admin flag
	// so a concurrent join/leave cannot race the permission check
	r.mu.Lock()
	sender, ok := r.participants[connID]
	if !ok {
		r.mu.Unlock()
		return ErrNotInRoom
	}
	if r.locked && !sender.IsAdmin {
		r.mu.Unlock()
		sender.send(EventActionRejected, RejectionPayload{Event: eventType, Reason: "board is locked"})
		return ErrRoomLocked
	}

	action, err := stampAction(eventType, sender.UserID, payload, r.maxTextLen)
	if err != nil {
		r.mu.Unlock()
		return err
	}

	r.history = append(r.history, action)
	if len(r.history) > r.historyCap {
		r.history = r.history[len(r.history)-r.historyCap:]
	}
	switch eventType {
	case EventCanvasCleared:
		r.snapshot = ""
	case EventUndoRedo:
		var p UndoRedoPayload
		if err := json.Unmarshal(action.Payload, &p); err == nil {
			r.snapshot = p.CanvasState
		}
	}
	r.touch()
	others := r.othersLocked(connID)
	r.mu.Unlock()

	for _, other := range others {
		other.send(eventType, action)
	}
	return nil
}

// ToggleLock flips the read-only gate. Admin only; anyone else gets an
// explicit rejection and no state change.
func (r *Room) ToggleLock(connID string, locked bool) error {
	r.mu.Lock()
	sender, ok := r.participants[connID]
	if !ok {
		r.mu.Unlock()
		return ErrNotInRoom
	}
	if !sender.IsAdmin {
		r.mu.Unlock()
		sender.send(EventActionRejected, RejectionPayload{Event: EventToggleLock, Reason: "admin only"})
		return ErrNotAdmin
	}

	r.locked = locked
	r.touch()
	all := r.othersLocked("")
	r.mu.Unlock()

	payload := LockStatusPayload{Locked: locked, ByUser: sender.UserID}
	for _, p := range all {
		p.send(EventLockStatus, payload)
	}

	log.Printf("[Board %s] lock=%v by %s", r.Key, locked, sender.UserID)
	return nil
}

// SaveSnapshot promotes the image to the room's bootstrap snapshot and
// announces the save. Persistence of the image is the caller's business
// and must not block or roll back this in-memory update.
func (r *Room) SaveSnapshot(connID, image string) (*SnapshotSavedPayload, error) {
	if image == "" {
		return nil, ErrBadPayload
	}

	r.mu.Lock()
	sender, ok := r.participants[connID]
	if !ok {
		r.mu.Unlock()
		return nil, ErrNotInRoom
	}

	r.snapshot = image
	r.touch()
	others := r.othersLocked(connID)
	r.mu.Unlock()

	saved := SnapshotSavedPayload{
		UserID:  sender.UserID,
		Name:    sender.Name,
		Image:   image,
		SavedAt: time.Now(),
	}
	for _, other := range others {
		other.send(EventSnapshotSaved, saved)
	}

	return &saved, nil
}

// SendTo delivers one event to a single participant (best-effort)
func (r *Room) SendTo(connID, eventType string, payload any) {
	r.mu.RLock()
	p, ok := r.participants[connID]
	r.mu.RUnlock()
	if ok {
		p.send(eventType, payload)
	}
}

// othersLocked snapshots recipients, excluding one connection.
// Called with the room mutex held; sends happen outside it.
func (r *Room) othersLocked(excludeConnID string) []*Participant {
	out := make([]*Participant, 0, len(r.participants))
	for id, p := range r.participants {
		if id == excludeConnID {
			continue
		}
		out = append(out, p)
	}
	return out
}

// participantListLocked builds the wire participant list, admin first then
// join order, so every client renders the same ordering.
func (r *Room) participantListLocked() []ParticipantInfo {
	out := make([]ParticipantInfo, 0, len(r.participants))
	for _, p := range r.participants {
		out = append(out, p.info())
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.IsAdmin != b.IsAdmin {
			return a.IsAdmin
		}
		if !a.JoinedAt.Equal(b.JoinedAt) {
			return a.JoinedAt.Before(b.JoinedAt)
		}
		return a.ConnID < b.ConnID
	})
	return out
}

// Empty reports whether the room has no participants
func (r *Room) Empty() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.participants) == 0
}

// LastActivity returns the room's last-activity timestamp
func (r *Room) LastActivity() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastActivity
}

// History returns a copy of the bounded action history, oldest first
func (r *Room) History() []Action {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Action(nil), r.history...)
}

// Participants returns the current participant list
func (r *Room) Participants() []ParticipantInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.participantListLocked()
}

// Snapshot returns the latest confirmed raster ("" when none)
func (r *Room) Snapshot() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshot
}

// Locked reports the lock gate state
func (r *Room) Locked() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.locked
}

// Stats summarizes the room
func (r *Room) Stats() RoomStats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return RoomStats{
		ChatType:     r.Key.ChatType,
		ChatID:       r.Key.ChatID,
		Participants: len(r.participants),
		HistoryLen:   len(r.history),
		Locked:       r.locked,
		CreatedAt:    r.CreatedAt,
		LastActivity: r.lastActivity,
	}
}
