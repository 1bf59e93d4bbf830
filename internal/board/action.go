package board

import (
	"encoding/json"
	"errors"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

var (
	ErrUnknownEvent   = errors.New("unknown board event")
	ErrBadPayload     = errors.New("malformed event payload")
	ErrInvalidUndoRed = errors.New("undo_redo action must be undo or redo")
)

// Action is one immutable state-changing board operation, stamped with a
// server-assigned id and timestamp before it enters the history.
type Action struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	UserID    string          `json:"userId"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// DrawPayload one freehand segment. Coordinates are fractions of canvas
// width/height in [0,1] — the protocol invariant that keeps geometry
// resolution-independent across participants.
type DrawPayload struct {
	X0        float64 `json:"x0"`
	Y0        float64 `json:"y0"`
	X1        float64 `json:"x1"`
	Y1        float64 `json:"y1"`
	Tool      string  `json:"tool"`
	Color     string  `json:"color"`
	BrushSize float64 `json:"brushSize"`
}

// ShapePayload rectangle or circle with normalized geometry
type ShapePayload struct {
	Shape       string  `json:"shape"` // rectangle, circle
	X           float64 `json:"x"`
	Y           float64 `json:"y"`
	Width       float64 `json:"width"`
	Height      float64 `json:"height"`
	Color       string  `json:"color"`
	StrokeWidth float64 `json:"strokeWidth"`
}

// TextPayload text insertion at a normalized position
type TextPayload struct {
	X        float64 `json:"x"`
	Y        float64 `json:"y"`
	Text     string  `json:"text"`
	Color    string  `json:"color"`
	FontSize float64 `json:"fontSize"`
}

// UndoRedoPayload coarse whole-canvas swap carrying the full raster
type UndoRedoPayload struct {
	Action      string `json:"action"` // undo, redo
	CanvasState string `json:"canvasState"`
}

// CursorPayload cursor position in raw pixels; high-frequency, sender-throttled
type CursorPayload struct {
	ConnID string  `json:"connId,omitempty"`
	UserID string  `json:"userId,omitempty"`
	Name   string  `json:"name,omitempty"`
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Tool   string  `json:"tool"`
}

// LockPayload desired lock state
type LockPayload struct {
	Locked bool `json:"locked"`
}

// SnapshotPayload full encoded canvas raster
type SnapshotPayload struct {
	Image string `json:"image"`
}

// Clamp01 clamps a normalized coordinate into [0,1]
func Clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// Normalize converts a raw pixel coordinate to a canvas fraction
func Normalize(px, canvasSize float64) float64 {
	if canvasSize <= 0 {
		return 0
	}
	return Clamp01(px / canvasSize)
}

// Denormalize converts a canvas fraction back to pixels
func Denormalize(frac, canvasSize float64) float64 {
	return Clamp01(frac) * canvasSize
}

func (p *DrawPayload) clamp() {
	p.X0 = Clamp01(p.X0)
	p.Y0 = Clamp01(p.Y0)
	p.X1 = Clamp01(p.X1)
	p.Y1 = Clamp01(p.Y1)
}

func (p *ShapePayload) clamp() {
	p.X = Clamp01(p.X)
	p.Y = Clamp01(p.Y)
	p.Width = Clamp01(p.Width)
	p.Height = Clamp01(p.Height)
}

func (p *TextPayload) clamp() {
	p.X = Clamp01(p.X)
	p.Y = Clamp01(p.Y)
}

// truncateText cuts a string to at most max bytes without splitting a
// multi-byte rune
func truncateText(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

// stampAction validates an event payload and wraps it into a stamped
// Action ready for the history. maxTextLen truncates text inserts.
func stampAction(eventType, userID string, payload json.RawMessage, maxTextLen int) (Action, error) {
	var normalized any

	switch eventType {
	case EventDraw:
		var p DrawPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return Action{}, ErrBadPayload
		}
		p.clamp()
		normalized = p

	case EventShapeDrawn:
		var p ShapePayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return Action{}, ErrBadPayload
		}
		if p.Shape != "rectangle" && p.Shape != "circle" {
			return Action{}, ErrBadPayload
		}
		p.clamp()
		normalized = p

	case EventTextAdded:
		var p TextPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return Action{}, ErrBadPayload
		}
		if p.Text == "" {
			return Action{}, ErrBadPayload
		}
		if maxTextLen > 0 && len(p.Text) > maxTextLen {
			p.Text = truncateText(p.Text, maxTextLen)
		}
		p.clamp()
		normalized = p

	case EventCanvasCleared:
		normalized = struct{}{}

	case EventUndoRedo:
		var p UndoRedoPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return Action{}, ErrBadPayload
		}
		if p.Action != "undo" && p.Action != "redo" {
			return Action{}, ErrInvalidUndoRed
		}
		normalized = p

	default:
		return Action{}, ErrUnknownEvent
	}

	raw, err := json.Marshal(normalized)
	if err != nil {
		return Action{}, err
	}

	return Action{
		ID:        uuid.NewString(),
		Type:      eventType,
		UserID:    userID,
		Timestamp: time.Now(),
		Payload:   raw,
	}, nil
}

// mutatingEvents are gated by the room lock and recorded in the history.
// Cursor movement and presence events are never gated.
var mutatingEvents = map[string]bool{
	EventDraw:          true,
	EventShapeDrawn:    true,
	EventTextAdded:     true,
	EventCanvasCleared: true,
	EventUndoRedo:      true,
}
