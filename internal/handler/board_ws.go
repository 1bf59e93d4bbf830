package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"whiteboard-backend/internal/board"
	"whiteboard-backend/internal/cache"
	"whiteboard-backend/internal/config"
	"whiteboard-backend/internal/model"
	"whiteboard-backend/internal/voice"
)

// BoardWSHandler serves one whiteboard socket per browser tab. The board
// and voice_* event namespaces share the connection; the room key comes
// from the upgrade path, identity from the validated JWT.
type BoardWSHandler struct {
	registry *board.Registry
	voice    *voice.Manager
	db       *gorm.DB
	cache    *cache.RedisClient
	cfg      *config.Config
}

// NewBoardWSHandler creates a BoardWSHandler
func NewBoardWSHandler(registry *board.Registry, voiceMgr *voice.Manager, db *gorm.DB, redisClient *cache.RedisClient, cfg *config.Config) *BoardWSHandler {
	return &BoardWSHandler{
		registry: registry,
		voice:    voiceMgr,
		db:       db,
		cache:    redisClient,
		cfg:      cfg,
	}
}

// JoinPayload optional display overrides sent with the join event
type JoinPayload struct {
	Name   string `json:"name,omitempty"`
	Avatar string `json:"avatar,omitempty"`
}

// MutePayload body of voice_mute
type MutePayload struct {
	Muted bool `json:"muted"`
}

// SpeakingPayload body of voice_speaking
type SpeakingPayload struct {
	Speaking bool `json:"speaking"`
}

// session is the per-connection state of one socket
type session struct {
	conn   *websocket.Conn
	key    board.RoomKey
	connID string
	userID int64
	iden   string // stable user identity on the wire
	name   string
	avatar string
	room   *board.Room
	joined bool
}

// HandleWebSocket runs the read loop for one connection
func (h *BoardWSHandler) HandleWebSocket(c *websocket.Conn) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[BoardWS] Panic recovered: %v", r)
		}
	}()

	chatType, ok1 := c.Locals("chatType").(string)
	chatID, ok2 := c.Locals("chatId").(string)
	userID, ok3 := c.Locals("userId").(int64)
	nickname, _ := c.Locals("nickname").(string)
	avatar, _ := c.Locals("profileImg").(string)

	if !ok1 || !ok2 || !ok3 {
		c.WriteMessage(websocket.TextMessage, []byte(`{"type":"error","payload":{"reason":"invalid session"}}`))
		c.Close()
		return
	}

	s := &session{
		conn:   c,
		key:    board.RoomKey{ChatType: chatType, ChatID: chatID},
		connID: uuid.NewString(),
		userID: userID,
		iden:   strconv.FormatInt(userID, 10),
		name:   nickname,
		avatar: avatar,
	}

	log.Printf("[BoardWS] Connected: room=%s user=%s conn=%s", s.key, s.iden, s.connID)

	// disconnect is the only cancellation signal: tear down voice first so
	// peers get their voice_left, then the board presence
	defer func() {
		h.voice.Leave(s.connID)
		if s.joined {
			s.room.Leave(s.connID)
			h.registry.RemoveRoomIfEmpty(s.key)
		}
		c.Close()
		log.Printf("[BoardWS] Disconnected: room=%s user=%s conn=%s", s.key, s.iden, s.connID)
	}()

	for {
		_, msgBytes, err := c.ReadMessage()
		if err != nil {
			break
		}

		var env board.Envelope
		if err := json.Unmarshal(msgBytes, &env); err != nil {
			continue
		}

		h.dispatch(s, env)
	}
}

// dispatch handles one event, fault-isolated so a malformed event cannot
// take down the connection or touch other rooms
func (h *BoardWSHandler) dispatch(s *session, env board.Envelope) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[BoardWS] Panic in %s handler: %v", env.Type, r)
		}
	}()

	switch env.Type {
	case board.EventJoin:
		h.handleJoin(s, env.Payload)

	case board.EventLeave:
		if s.joined {
			s.room.Leave(s.connID)
			h.registry.RemoveRoomIfEmpty(s.key)
			s.joined = false
			s.room = nil
		}

	case board.EventDraw, board.EventShapeDrawn, board.EventTextAdded,
		board.EventCanvasCleared, board.EventUndoRedo, board.EventCursorMove:
		if !s.joined {
			return
		}
		if err := s.room.Apply(s.connID, env.Type, env.Payload); err != nil && err != board.ErrRoomLocked {
			log.Printf("[BoardWS] Dropped %s from %s: %v", env.Type, s.iden, err)
		}

	case board.EventToggleLock:
		if !s.joined {
			return
		}
		var p board.LockPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return
		}
		s.room.ToggleLock(s.connID, p.Locked)

	case board.EventSaveSnapshot:
		h.handleSaveSnapshot(s, env.Payload)

	case voice.EventJoin:
		if _, err := h.voice.Join(s.key.String(), s.iden, s.connID, s.name, s.avatar, s.conn); err != nil {
			log.Printf("[BoardWS] Voice join rejected for %s: %v", s.iden, err)
		}

	case voice.EventLeave:
		h.voice.Leave(s.connID)

	case voice.EventSignal:
		var sig voice.SignalPayload
		if err := json.Unmarshal(env.Payload, &sig); err != nil {
			return
		}
		if err := h.voice.RelaySignal(s.connID, sig); err != nil {
			log.Printf("[BoardWS] Dropped voice signal from %s: %v", s.iden, err)
		}

	case voice.EventMute:
		var p MutePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return
		}
		h.voice.SetMute(s.connID, p.Muted)

	case voice.EventSpeaking:
		var p SpeakingPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return
		}
		h.voice.SetSpeaking(s.connID, p.Speaking)

	default:
		log.Printf("[BoardWS] Unknown event %q from %s", env.Type, s.iden)
	}
}

func (h *BoardWSHandler) handleJoin(s *session, payload json.RawMessage) {
	if s.joined {
		return
	}

	name, avatar := s.name, s.avatar
	if len(payload) > 0 {
		var p JoinPayload
		if err := json.Unmarshal(payload, &p); err == nil {
			if p.Name != "" {
				name = p.Name
			}
			if p.Avatar != "" {
				avatar = p.Avatar
			}
		}
	}

	room := h.registry.GetOrCreateRoom(s.key)
	if _, err := room.Join(s.iden, s.connID, name, avatar, s.conn); err != nil {
		// silent reject keeps a malformed join from corrupting the room
		log.Printf("[BoardWS] Join rejected for %s: %v", s.iden, err)
		h.registry.RemoveRoomIfEmpty(s.key)
		return
	}

	s.room = room
	s.joined = true
	s.name = name
	s.avatar = avatar
}

func (h *BoardWSHandler) handleSaveSnapshot(s *session, payload json.RawMessage) {
	if !s.joined {
		return
	}

	var p board.SnapshotPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return
	}

	saved, err := s.room.SaveSnapshot(s.connID, p.Image)
	if err != nil {
		log.Printf("[BoardWS] Snapshot save dropped for %s: %v", s.iden, err)
		return
	}

	// persistence is fire-and-forget: the in-memory relay already
	// completed and must not be rolled back by a storage failure
	room := s.room
	go h.persistSnapshot(room, s.key, s.connID, s.userID, s.name, saved)
}

// persistSnapshot stores the save as a chat message and caches it in
// Redis; on failure only the originating client is told, best-effort
func (h *BoardWSHandler) persistSnapshot(room *board.Room, key board.RoomKey, connID string, userID int64, name string, saved *board.SnapshotSavedPayload) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	chatLogID, err := h.storeChatLog(ctx, key, userID, saved.Image)
	if err != nil {
		log.Printf("[BoardWS] Failed to persist snapshot for room %s: %v", key, err)
		room.SendTo(connID, board.EventSnapshotSaveFailed, board.RejectionPayload{
			Event:  board.EventSaveSnapshot,
			Reason: "failed to save snapshot to chat",
		})
		return
	}

	if h.cache != nil {
		entry := &cache.SavedSnapshot{
			RoomKey:   key.String(),
			ChatType:  key.ChatType,
			ChatID:    key.ChatID,
			UserID:    strconv.FormatInt(userID, 10),
			UserName:  name,
			Image:     saved.Image,
			ChatLogID: chatLogID,
		}
		if err := h.cache.AddSnapshot(ctx, key.String(), entry, h.cfg.Board.SavedKeep); err != nil {
			log.Printf("[BoardWS] Failed to cache snapshot for room %s: %v", key, err)
		}
	}
}

func (h *BoardWSHandler) storeChatLog(ctx context.Context, key board.RoomKey, userID int64, image string) (int64, error) {
	if h.db == nil {
		return 0, gorm.ErrInvalidDB
	}

	chatType := strings.ToUpper(key.ChatType)

	var chat model.Chat
	err := h.db.WithContext(ctx).
		Where("external_id = ? AND type = ?", key.ChatID, chatType).
		First(&chat).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		chat = model.Chat{ExternalID: key.ChatID, Type: chatType}
		err = h.db.WithContext(ctx).Create(&chat).Error
	}
	if err != nil {
		return 0, err
	}

	chatLog := model.ChatLog{
		ChatID:   chat.ID,
		SenderID: &userID,
		Type:     model.ChatLogTypeSnapshot.String(),
		Content:  &image,
	}
	if err := h.db.WithContext(ctx).Create(&chatLog).Error; err != nil {
		return 0, err
	}
	return chatLog.ID, nil
}
