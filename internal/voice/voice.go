// Package voice tracks the voice sub-session of each whiteboard room and
// relays WebRTC negotiation between participant pairs. There is no media
// server: every pair negotiates its own peer connection, so signaling is
// strictly point-to-point while mute/speaking state fans out.
package voice

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
	ErrNotInVoice      = errors.New("connection is not a voice participant")
	ErrUnknownTarget   = errors.New("signal target is not in the room")
	ErrBadSignalType   = errors.New("signal type must be offer, answer or ice-candidate")
)

// textMessage matches websocket.TextMessage
const textMessage = 1

// Conn is the write side of one participant's socket connection
type Conn interface {
	WriteMessage(messageType int, data []byte) error
}

// Events consumed from clients
const (
	EventJoin     = "voice_join"
	EventLeave    = "voice_leave"
	EventSignal   = "voice_signal"
	EventMute     = "voice_mute"
	EventSpeaking = "voice_speaking"
)

// Events produced for clients
const (
	EventJoined       = "voice_joined"
	EventLeft         = "voice_left"
	EventParticipants = "voice_participants"
)

// Signal types relayed between peer pairs
const (
	SignalOffer     = "offer"
	SignalAnswer    = "answer"
	SignalCandidate = "ice-candidate"
)

// Participant is one user's presence in a room's voice session
type Participant struct {
	ConnID   string
	UserID   string
	Name     string
	Avatar   string
	Muted    bool
	Speaking bool
	JoinedAt time.Time

	conn    Conn
	writeMu sync.Mutex
}

// ParticipantInfo is the wire representation of a voice participant
type ParticipantInfo struct {
	ConnID   string    `json:"connId"`
	UserID   string    `json:"userId"`
	Name     string    `json:"name"`
	Avatar   string    `json:"avatar,omitempty"`
	Muted    bool      `json:"muted"`
	Speaking bool      `json:"speaking"`
	JoinedAt time.Time `json:"joinedAt"`
}

func (p *Participant) info() ParticipantInfo {
	return ParticipantInfo{
		ConnID:   p.ConnID,
		UserID:   p.UserID,
		Name:     p.Name,
		Avatar:   p.Avatar,
		Muted:    p.Muted,
		Speaking: p.Speaking,
		JoinedAt: p.JoinedAt,
	}
}

// SignalPayload is one relayed negotiation message. From is filled by the
// server; To names the target connection.
type SignalPayload struct {
	From       string          `json:"from,omitempty"`
	To         string          `json:"to"`
	SignalType string          `json:"signalType"`
	Data       json.RawMessage `json:"data"`
}

// StatePayload is the body of voice_mute / voice_speaking fan-outs
type StatePayload struct {
	ConnID   string `json:"connId"`
	UserID   string `json:"userId"`
	Muted    bool   `json:"muted,omitempty"`
	Speaking bool   `json:"speaking,omitempty"`
}

// PresencePayload is the body of voice_joined / voice_left events
type PresencePayload struct {
	User         ParticipantInfo   `json:"user"`
	Participants []ParticipantInfo `json:"participants"`
}

type room struct {
	key          string
	mu           sync.RWMutex
	participants map[string]*Participant // connID -> participant
}

// Manager is the per-room registry of voice participants. Rooms share the
// whiteboard's composite key but track their own (possibly smaller)
// participant set with an independent lifecycle.
type Manager struct {
	mu    sync.RWMutex
	rooms map[string]*room
	index map[string]string // connID -> room key
}

// NewManager creates a Manager
func NewManager() *Manager {
	return &Manager{
		rooms: make(map[string]*room),
		index: make(map[string]string),
	}
}

// Join admits a connection into a room's voice session. The joiner gets
// the current participant list (its peers to negotiate with); everyone
// else gets voice_joined.
func (m *Manager) Join(roomKey, userID, connID, name, avatar string, conn Conn) ([]ParticipantInfo, error) {
	if roomKey == "" || userID == "" || connID == "" {
		return nil, ErrInvalidIdentity
	}

	m.mu.Lock()
	r, ok := m.rooms[roomKey]
	if !ok {
		r = &room{key: roomKey, participants: make(map[string]*Participant)}
		m.rooms[roomKey] = r
		log.Printf("[Voice %s] Created session", roomKey)
	}
	m.index[connID] = roomKey
	m.mu.Unlock()

	p := &Participant{
		ConnID:   connID,
		UserID:   userID,
		Name:     name,
		Avatar:   avatar,
		JoinedAt: time.Now(),
		conn:     conn,
	}

	r.mu.Lock()
	r.participants[connID] = p
	list := r.listLocked()
	others := r.othersLocked(connID)
	r.mu.Unlock()

	p.send(EventParticipants, list)
	payload := PresencePayload{User: p.info(), Participants: list}
	for _, other := range others {
		other.send(EventJoined, payload)
	}

	log.Printf("[Voice %s] %s joined (conn=%s), total: %d", roomKey, userID, connID, len(list))
	return list, nil
}

// Leave removes a connection from its voice session and notifies the
// remaining peers so they tear down the matching peer connections.
// Unknown connections are a no-op.
func (m *Manager) Leave(connID string) *ParticipantInfo {
	m.mu.Lock()
	roomKey, ok := m.index[connID]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	delete(m.index, connID)
	r := m.rooms[roomKey]
	m.mu.Unlock()

	if r == nil {
		return nil
	}

	r.mu.Lock()
	p, ok := r.participants[connID]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	delete(r.participants, connID)
	departed := p.info()
	list := r.listLocked()
	others := r.othersLocked("")
	empty := len(r.participants) == 0
	r.mu.Unlock()

	payload := PresencePayload{User: departed, Participants: list}
	for _, other := range others {
		other.send(EventLeft, payload)
	}

	if empty {
		m.mu.Lock()
		if cur, ok := m.rooms[roomKey]; ok && cur == r {
			delete(m.rooms, roomKey)
			log.Printf("[Voice %s] Removed empty session", roomKey)
		}
		m.mu.Unlock()
	}

	log.Printf("[Voice %s] %s left (conn=%s)", roomKey, departed.UserID, connID)
	return &departed
}

// RelaySignal forwards one negotiation message to exactly the named target
// connection in the sender's room. Never broadcast.
func (m *Manager) RelaySignal(fromConnID string, sig SignalPayload) error {
	switch sig.SignalType {
	case SignalOffer, SignalAnswer, SignalCandidate:
	default:
		return ErrBadSignalType
	}

	r, _, err := m.lookup(fromConnID)
	if err != nil {
		return err
	}

	r.mu.RLock()
	target, ok := r.participants[sig.To]
	r.mu.RUnlock()
	if !ok {
		return ErrUnknownTarget
	}

	sig.From = fromConnID
	target.send(EventSignal, sig)
	return nil
}

// SetMute updates a participant's mute flag and fans it out to the rest
// of the voice session
func (m *Manager) SetMute(connID string, muted bool) error {
	return m.setState(connID, EventMute, func(p *Participant) StatePayload {
		p.Muted = muted
		return StatePayload{ConnID: p.ConnID, UserID: p.UserID, Muted: muted}
	})
}

// SetSpeaking updates a participant's speaking flag and fans it out
func (m *Manager) SetSpeaking(connID string, speaking bool) error {
	return m.setState(connID, EventSpeaking, func(p *Participant) StatePayload {
		p.Speaking = speaking
		return StatePayload{ConnID: p.ConnID, UserID: p.UserID, Speaking: speaking}
	})
}

func (m *Manager) setState(connID, eventType string, update func(*Participant) StatePayload) error {
	r, _, err := m.lookup(connID)
	if err != nil {
		return err
	}

	r.mu.Lock()
	p, ok := r.participants[connID]
	if !ok {
		r.mu.Unlock()
		return ErrNotInVoice
	}
	payload := update(p)
	others := r.othersLocked(connID)
	r.mu.Unlock()

	for _, other := range others {
		other.send(eventType, payload)
	}
	return nil
}

// Participants returns the voice participant list for a room key
func (m *Manager) Participants(roomKey string) []ParticipantInfo {
	m.mu.RLock()
	r := m.rooms[roomKey]
	m.mu.RUnlock()
	if r == nil {
		return nil
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.listLocked()
}

// SessionCount returns the number of live voice sessions
func (m *Manager) SessionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.rooms)
}

func (m *Manager) lookup(connID string) (*room, string, error) {
	m.mu.RLock()
	roomKey, ok := m.index[connID]
	r := m.rooms[roomKey]
	m.mu.RUnlock()
	if !ok || r == nil {
		return nil, "", ErrNotInVoice
	}
	return r, roomKey, nil
}

func (r *room) listLocked() []ParticipantInfo {
	out := make([]ParticipantInfo, 0, len(r.participants))
	for _, p := range r.participants {
		out = append(out, p.info())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].JoinedAt.Before(out[j].JoinedAt)
		}
		return out[i].ConnID < out[j].ConnID
	})
	return out
}

func (r *room) othersLocked(excludeConnID string) []*Participant {
	out := make([]*Participant, 0, len(r.participants))
	for id, p := range r.participants {
		if id == excludeConnID {
			continue
		}
		out = append(out, p)
	}
	return out
}

type envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func (p *Participant) send(eventType string, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		log.Printf("[Voice] Failed to marshal %s event: %v", eventType, err)
		return
	}
	data, err := json.Marshal(envelope{Type: eventType, Payload: raw})
	if err != nil {
		log.Printf("[Voice] Failed to marshal %s frame: %v", eventType, err)
		return
	}

	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	if err := p.conn.WriteMessage(textMessage, data); err != nil {
		log.Printf("[Voice] Failed to send %s to %s: %v", eventType, p.ConnID, err)
	}
}
