package handler

import (
	"log"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"

	"whiteboard-backend/internal/board"
	"whiteboard-backend/internal/cache"
	"whiteboard-backend/internal/config"
	"whiteboard-backend/internal/model"
	"whiteboard-backend/internal/voice"
)

// WhiteboardHandler serves the REST side of the whiteboard: persisted
// snapshot saves and live room stats
type WhiteboardHandler struct {
	db       *gorm.DB
	cache    *cache.RedisClient
	registry *board.Registry
	voice    *voice.Manager
	cfg      *config.Config
}

// NewWhiteboardHandler creates a WhiteboardHandler
func NewWhiteboardHandler(db *gorm.DB, redisClient *cache.RedisClient, registry *board.Registry, voiceMgr *voice.Manager, cfg *config.Config) *WhiteboardHandler {
	return &WhiteboardHandler{
		db:       db,
		cache:    redisClient,
		registry: registry,
		voice:    voiceMgr,
		cfg:      cfg,
	}
}

// SnapshotResponse one persisted snapshot save
type SnapshotResponse struct {
	Image    string `json:"image"`
	UserID   string `json:"userId"`
	UserName string `json:"userName,omitempty"`
	SavedAt  string `json:"savedAt"`
}

// GetSnapshots returns the recent persisted snapshot saves for a chat.
// Redis cache first, Postgres chat log as fallback.
func (h *WhiteboardHandler) GetSnapshots(c *fiber.Ctx) error {
	chatType := strings.ToLower(c.Query("chatType"))
	chatID := c.Query("chatId")
	if chatID == "" || !model.ChatType(strings.ToUpper(chatType)).Valid() {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "chatType and chatId are required"})
	}

	key := board.RoomKey{ChatType: chatType, ChatID: chatID}

	if h.cache != nil {
		cached, err := h.cache.GetSnapshots(c.Context(), key.String())
		if err == nil && len(cached) > 0 {
			out := make([]SnapshotResponse, 0, len(cached))
			for _, s := range cached {
				out = append(out, SnapshotResponse{
					Image:    s.Image,
					UserID:   s.UserID,
					UserName: s.UserName,
					SavedAt:  s.SavedAt.Format("2006-01-02T15:04:05Z07:00"),
				})
			}
			return c.JSON(fiber.Map{"success": true, "snapshots": out})
		}
		if err != nil {
			log.Printf("[Whiteboard] Snapshot cache read failed for %s: %v", key, err)
		}
	}

	var logs []model.ChatLog
	err := h.db.
		Joins("JOIN chats ON chats.id = chat_logs.chat_id").
		Where("chats.external_id = ? AND chats.type = ? AND chat_logs.type = ?",
			chatID, strings.ToUpper(chatType), model.ChatLogTypeSnapshot.String()).
		Order("chat_logs.created_at DESC").
		Limit(h.cfg.Board.SavedKeep).
		Find(&logs).Error
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to fetch snapshots"})
	}

	out := make([]SnapshotResponse, 0, len(logs))
	// DB rows come newest-first; present oldest-first like the cache does
	for i := len(logs) - 1; i >= 0; i-- {
		l := logs[i]
		resp := SnapshotResponse{SavedAt: l.CreatedAt.Format("2006-01-02T15:04:05Z07:00")}
		if l.Content != nil {
			resp.Image = *l.Content
		}
		if l.SenderID != nil {
			resp.UserID = strconv.FormatInt(*l.SenderID, 10)
		}
		out = append(out, resp)
	}

	return c.JSON(fiber.Map{"success": true, "snapshots": out})
}

// GetRooms returns live room stats for operations and debugging
func (h *WhiteboardHandler) GetRooms(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"success":       true,
		"rooms":         h.registry.Stats(),
		"voiceSessions": h.voice.SessionCount(),
	})
}
