package server

import (
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"gorm.io/gorm"

	"whiteboard-backend/internal/auth"
	"whiteboard-backend/internal/board"
	"whiteboard-backend/internal/cache"
	"whiteboard-backend/internal/config"
	"whiteboard-backend/internal/handler"
	"whiteboard-backend/internal/model"
	"whiteboard-backend/internal/voice"
)

// Server wraps the Fiber app and its handlers
type Server struct {
	app               *fiber.App
	cfg               *config.Config
	db                *gorm.DB
	registry          *board.Registry
	boardWSHandler    *handler.BoardWSHandler
	whiteboardHandler *handler.WhiteboardHandler
	healthHandler     *handler.HealthHandler
	jwtManager        *auth.JWTManager
}

// New creates the server. The room registry and voice manager are owned
// by the caller (the process entry point controls their lifecycle).
func New(cfg *config.Config, db *gorm.DB, redisClient *cache.RedisClient, registry *board.Registry, voiceMgr *voice.Manager) *Server {
	app := fiber.New(fiber.Config{
		AppName:               "Whiteboard Session Gateway",
		ServerHeader:          "Fiber",
		StrictRouting:         true,
		CaseSensitive:         true,
		ReadTimeout:           cfg.Server.ReadTimeout,
		WriteTimeout:          cfg.Server.WriteTimeout,
		IdleTimeout:           cfg.Server.IdleTimeout,
		Prefork:               false, // incompatible with WebSocket
		ReadBufferSize:        16384,
		WriteBufferSize:       16384,
		BodyLimit:             10 * 1024 * 1024, // snapshot payloads are data URLs
		DisableStartupMessage: false,
	})

	jwtManager := auth.NewJWTManager(cfg.Auth.JWTSecret, cfg.Auth.AccessTokenExpiry)

	return &Server{
		app:               app,
		cfg:               cfg,
		db:                db,
		registry:          registry,
		boardWSHandler:    handler.NewBoardWSHandler(registry, voiceMgr, db, redisClient, cfg),
		whiteboardHandler: handler.NewWhiteboardHandler(db, redisClient, registry, voiceMgr, cfg),
		healthHandler:     handler.NewHealthHandler(db, redisClient),
		jwtManager:        jwtManager,
	}
}

// SetupMiddleware installs the middleware chain
func (s *Server) SetupMiddleware() {
	s.app.Use(recover.New(recover.Config{
		EnableStackTrace: true,
	}))

	s.app.Use(logger.New(logger.Config{
		Format:     "${time} | ${status} | ${latency} | ${ip} | ${method} ${path}\n",
		TimeFormat: "2006-01-02 15:04:05",
	}))

	s.app.Use(cors.New(cors.Config{
		AllowOrigins:     s.cfg.CORS.AllowOrigins,
		AllowHeaders:     s.cfg.CORS.AllowHeaders,
		AllowMethods:     "GET, POST, PUT, DELETE, OPTIONS",
		AllowCredentials: true,
	}))
}

// SetupRoutes installs the routes
func (s *Server) SetupRoutes() {
	s.app.Get("/health", s.healthHandler.Check)

	// keep snapshot listing from being hammered
	apiLimiter := limiter.New(limiter.Config{
		Max:        60,
		Expiration: 1 * time.Minute,
		KeyGenerator: func(c *fiber.Ctx) string {
			return c.IP()
		},
		LimitReached: func(c *fiber.Ctx) error {
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"error": "too many requests, please try again later",
			})
		},
	})

	api := s.app.Group("/api/whiteboard", apiLimiter, auth.AuthMiddleware(s.jwtManager))
	api.Get("/snapshots", s.whiteboardHandler.GetSnapshots)
	api.Get("/rooms", s.whiteboardHandler.GetRooms)

	// WebSocket upgrade gate
	s.app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			c.Locals("allowed", true)
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})

	// one socket per board tab; identity validated before the upgrade,
	// room authorization is the chat service's responsibility
	s.app.Get("/ws/board/:chatType/:chatId", func(c *fiber.Ctx) error {
		if !websocket.IsWebSocketUpgrade(c) {
			return fiber.ErrUpgradeRequired
		}

		accessToken := c.Cookies("access_token")
		if accessToken == "" {
			authHeader := c.Get("Authorization")
			if len(authHeader) > 7 && authHeader[:7] == "Bearer " {
				accessToken = authHeader[7:]
			}
		}
		if accessToken == "" {
			return c.SendStatus(fiber.StatusUnauthorized)
		}

		claims, err := s.jwtManager.ValidateAccessToken(accessToken)
		if err != nil {
			return c.SendStatus(fiber.StatusUnauthorized)
		}

		chatType := c.Params("chatType")
		chatID := c.Params("chatId")
		if chatID == "" || !model.ChatType(strings.ToUpper(chatType)).Valid() {
			return c.SendStatus(fiber.StatusBadRequest)
		}

		// display info for presence payloads
		var user struct {
			Nickname   string
			ProfileImg *string
		}
		if s.db != nil {
			s.db.Table("users").Select("nickname", "profile_img").Where("id = ?", claims.UserID).Scan(&user)
		}
		if user.Nickname == "" {
			user.Nickname = claims.Nickname
		}
		profileImg := ""
		if user.ProfileImg != nil {
			profileImg = *user.ProfileImg
		}

		c.Locals("chatType", chatType)
		c.Locals("chatId", chatID)
		c.Locals("userId", claims.UserID)
		c.Locals("nickname", user.Nickname)
		c.Locals("profileImg", profileImg)

		return c.Next()
	}, websocket.New(s.boardWSHandler.HandleWebSocket, websocket.Config{
		HandshakeTimeout: s.cfg.WebSocket.HandshakeTimeout,
		ReadBufferSize:   s.cfg.WebSocket.ReadBufferSize,
		WriteBufferSize:  s.cfg.WebSocket.WriteBufferSize,
	}))
}

// Start runs the server with graceful shutdown
func (s *Server) Start() error {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		log.Println("🛑 Shutting down server...")
		s.registry.Stop()
		if err := s.app.ShutdownWithTimeout(30 * time.Second); err != nil {
			log.Fatalf("Server shutdown error: %v", err)
		}
	}()

	log.Printf("🚀 Whiteboard Session Gateway starting on %s", s.cfg.Server.Port)
	log.Printf("📡 WebSocket endpoint: ws://localhost%s/ws/board/:chatType/:chatId", s.cfg.Server.Port)

	return s.app.Listen(s.cfg.Server.Port)
}

// Shutdown stops the server
func (s *Server) Shutdown() error {
	return s.app.ShutdownWithTimeout(30 * time.Second)
}
