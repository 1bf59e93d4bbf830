package main

import (
	"log"

	"whiteboard-backend/internal/board"
	"whiteboard-backend/internal/cache"
	"whiteboard-backend/internal/config"
	"whiteboard-backend/internal/database"
	"whiteboard-backend/internal/server"
	"whiteboard-backend/internal/voice"
)

func main() {
	cfg := config.Load()

	db, err := database.ConnectDB()
	if err != nil {
		log.Fatalf("🚨 Failed to connect to database: %v", err)
	}
	defer database.Close()

	// snapshot cache is best-effort, the gateway works without it
	redisClient, rerr := cache.NewRedisClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if rerr != nil {
		log.Printf("⚠️ Redis unavailable, snapshot cache disabled: %v", rerr)
		redisClient = nil
	} else {
		defer redisClient.Close()
	}

	registry := board.NewRegistry(cfg.Board)
	registry.StartSweeper(cfg.Board.SweepInterval)

	voiceMgr := voice.NewManager()

	srv := server.New(cfg, db, redisClient, registry, voiceMgr)
	srv.SetupMiddleware()
	srv.SetupRoutes()

	if err := srv.Start(); err != nil {
		log.Fatalf("🚨 Server error: %v", err)
	}
}
