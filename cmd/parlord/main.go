package main

import (
	"context"
	"log"
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/parlorview/parlor/config"
	"github.com/parlorview/parlor/internal/directory"
	"github.com/parlorview/parlor/internal/handlers"
	"github.com/parlorview/parlor/internal/middleware"
	"github.com/parlorview/parlor/internal/redis"
	"github.com/parlorview/parlor/internal/relay"
	"github.com/parlorview/parlor/internal/turnrest"
)

func main() {
	// Load configuration
	cfg := config.Load()

	// Connect to Redis
	if err := redis.Connect(cfg.Redis); err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer redis.Close()

	slog.Info("redis connection established")

	rdb := redis.GetClient()

	hub := relay.NewHub()
	dir := directory.New(rdb)
	presence := relay.NewRedisPresence(rdb)
	bus := relay.NewRedisBus(rdb, hub)
	r := relay.New(hub, dir, presence, bus, cfg.MeshCap)
	r.OnDisconnect = handlers.RosterCleanup

	// Pump cross-process signaling into local sockets.
	go func() {
		for {
			if err := bus.Run(context.Background()); err != nil {
				slog.Error("signal bus stopped, restarting", "err", err)
				time.Sleep(time.Second)
			}
		}
	}()

	// TURN REST credentials are optional; without a shared secret clients
	// run direct-only.
	var turnGen *turnrest.Generator
	if cfg.ICE.TURNSharedSecret != "" {
		var err error
		turnGen, err = turnrest.NewGenerator(cfg.ICE.TURNSharedSecret, cfg.ICE.TURNCredentialTTL)
		if err != nil {
			log.Fatalf("Invalid TURN configuration: %v", err)
		}
	}

	// Setup Gin router
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.Default()

	// Global CORS middleware (runs before routing)
	router.Use(handlers.OriginFilter(cfg.AllowedOrigins))

	// Health check endpoint
	router.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	// Room management API
	apiGroup := router.Group("/api")
	{
		// Identity endpoint (public): mints participant tokens
		apiGroup.POST("/auth/identity", handlers.Identity(cfg.JWTSecret))

		// Create room (requires identity token)
		apiGroup.POST("/rooms", middleware.JWTAuth(cfg.JWTSecret), handlers.CreateRoom)

		// Get room info (public)
		apiGroup.GET("/rooms/:roomId", handlers.GetRoom)

		// Delete room (requires identity token, creator only)
		apiGroup.DELETE("/rooms/:roomId", middleware.JWTAuth(cfg.JWTSecret), handlers.DeleteRoom)

		// Relay hints for connection profiles
		apiGroup.GET("/ice", middleware.JWTAuth(cfg.JWTSecret), handlers.ICECredentials(cfg.ICE, turnGen))
	}

	// WebSocket signaling endpoint
	wsGroup := router.Group("/ws")
	{
		// WebSocket signaling - accepts room code or ID
		wsGroup.GET("/signal/:roomId", handlers.HandleSignaling(cfg.JWTSecret, r))
	}

	// Start server
	slog.Info("starting parlor signaling server", "port", cfg.Port, "mesh_cap", cfg.MeshCap)
	if err := router.Run(":" + cfg.Port); err != nil {
		log.Fatal("Failed to start server:", err)
	}
}
