package board

import (
	"encoding/json"
	"log"
)

// textMessage matches websocket.TextMessage; declared locally so the core
// stays free of the transport package.
const textMessage = 1

// Conn is the write side of one participant's socket connection.
// *websocket.Conn satisfies it.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
}

// Envelope is the wire frame for every board event, both directions
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Events consumed from clients
const (
	EventJoin          = "join"
	EventLeave         = "leave"
	EventDraw          = "draw"
	EventShapeDrawn    = "shape_drawn"
	EventTextAdded     = "text_added"
	EventCanvasCleared = "canvas_cleared"
	EventUndoRedo      = "undo_redo"
	EventCursorMove    = "cursor_move"
	EventToggleLock    = "toggle_lock"
	EventSaveSnapshot  = "save_snapshot"
)

// Events produced for clients
const (
	EventBoardState         = "board_state"
	EventUserJoined         = "user_joined"
	EventUserLeft           = "user_left"
	EventLockStatus         = "lock_status"
	EventActionRejected     = "action_rejected"
	EventSnapshotSaved      = "snapshot_saved"
	EventSnapshotSaveFailed = "snapshot_save_failed"
)

// MarshalEvent builds one outgoing wire frame
func MarshalEvent(eventType string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Type: eventType, Payload: raw})
}

// send writes one frame to a participant, serialized by its write mutex
func (p *Participant) send(eventType string, payload any) {
	data, err := MarshalEvent(eventType, payload)
	if err != nil {
		log.Printf("[Board] Failed to marshal %s event: %v", eventType, err)
		return
	}

	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	if err := p.conn.WriteMessage(textMessage, data); err != nil {
		log.Printf("[Board] Failed to send %s to %s: %v", eventType, p.ConnID, err)
	}
}
