package main // Entry point package

import (
	"log" // Logging library

	"github.com/joho/godotenv"    // Loads .env files in development
	"github.com/labstack/echo/v4" // Echo web framework

	"github.com/stagedoor/realtime/internal/cache"      // Redis-backed ephemeral store adapter
	"github.com/stagedoor/realtime/internal/config"     // Internal config loader
	"github.com/stagedoor/realtime/internal/database"   // MySQL connection helper
	"github.com/stagedoor/realtime/internal/handler"    // REST handlers
	"github.com/stagedoor/realtime/internal/hub"        // Presence & messaging hub
	"github.com/stagedoor/realtime/internal/middleware" // Rate limiting
	"github.com/stagedoor/realtime/internal/queue"      // Message audit consumer
	"github.com/stagedoor/realtime/internal/repository" // Durable chat store
	"github.com/stagedoor/realtime/internal/router"     // Route registration
	queuepublisher "github.com/stagedoor/realtime/internal/service"
	"github.com/stagedoor/realtime/internal/transport" // Websocket transport
)

func main() {
	_ = godotenv.Load() // best effort; real deployments use the environment
	cfg := config.Load()

	db, err := database.Open(cfg.DBUser, cfg.DBPass, cfg.DBHost, cfg.DBPort, cfg.DBName)
	if err != nil {
		log.Fatalf("database: %v", err)
	}
	defer db.Close()

	// Redis is optional: a nil client degrades the ephemeral mirror to
	// a no-op and disables the distributed rate limiter.
	rdb := config.NewRedisClient()
	if rdb == nil {
		log.Println("redis unavailable; presence mirror and rate limiting disabled")
	}

	store := repository.NewChatRepo(db)
	ephemeral := cache.NewRedis(rdb, "realtime")

	h := hub.New(hub.Config{
		TypingExpiry:       cfg.TypingExpiry,
		TypingCeiling:      cfg.TypingCeiling,
		SweepInterval:      cfg.SweepInterval,
		DisconnectGrace:    cfg.DisconnectGrace,
		MaxMessageBytes:    cfg.MaxMessageBytes,
		RecentMessageLimit: cfg.RecentMessageLimit,
		HistoryMaxLimit:    cfg.HistoryMaxLimit,
	}, store, ephemeral, queuepublisher.Publisher{})
	defer h.Close()

	// Background audit consumer for stored-message events.
	go func() {
		if err := queue.StartMessageAuditConsumer(); err != nil {
			log.Printf("message-audit consumer stopped: %v", err)
		}
	}()

	e := echo.New()
	router.RegisterRoutes(e)

	var ratelimit echo.MiddlewareFunc
	if rdb != nil {
		ratelimit = middleware.NewTokenBucket(config.LoadRateLimitConfig(), rdb)
	}
	router.RegisterRealtime(e, transport.NewHandler(h), handler.NewRoomHandler(store), cfg.JWTSecret, ratelimit)

	addr := ":" + cfg.Port
	log.Printf("listening on %s (env=%s)", addr, cfg.Env)

	if err := e.Start(addr); err != nil {
		log.Fatal(err)
	}
}
