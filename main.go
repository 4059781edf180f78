package main

import (
	"log"
	"os"
	"time"

	"github.com/gin-gonic/gin"

	"virlaw/internal/aiclient"
	"virlaw/internal/api"
	"virlaw/internal/auth"
	"virlaw/internal/client"
	"virlaw/internal/config"
	"virlaw/internal/redis"
	"virlaw/internal/storage"
	"virlaw/internal/store"
)

func main() {
	cfgPath := os.Getenv("VIRLAW_CONFIG")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	dbType := os.Getenv("VIRLAW_DB")
	if dbType == "" {
		dbType = "sqlite3"
	}
	log.Printf("dbType: %s\n", dbType)
	db, err := storage.Open(dbType, cfg)
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	defer db.Close()

	// Create necessary tables: users, user_tokens, query_sessions, messages
	if err := storage.Migrate(db, dbType); err != nil {
		log.Fatalf("migrate database: %v", err)
	}

	// Without redis the service still runs: single-process change
	// notification and SQL-only token validation.
	var (
		rdb      *redis.Client
		notifier store.Notifier
	)
	if cfg.Redis.Host != "" {
		rdb, err = redis.NewClient(cfg)
		if err != nil {
			log.Fatalf("create redis client: %v", err)
		}
		defer rdb.Close()
		redisNotifier := store.NewRedisNotifier(rdb)
		defer redisNotifier.Close()
		notifier = redisNotifier
	} else {
		log.Printf("redis not configured, using in-process change notification")
		notifier = store.NewLocalNotifier()
	}

	sessionStore := store.NewSQLStore(db, notifier)

	timeout := time.Duration(cfg.AI.TimeoutSeconds) * time.Second
	ai := aiclient.New(cfg.AI.BaseURL, timeout)

	clients := client.NewManager(sessionStore, ai)
	defer clients.Shutdown()

	ttl := time.Duration(cfg.BasicConfig.TokenTTLHours) * time.Hour
	authService := auth.NewService(db, rdb, ttl)
	handlers := api.NewHandler(authService, clients)

	router := gin.Default()
	handlers.RegisterRoutes(router)

	addr := cfg.BasicConfig.ServerAddress
	if addr == "" {
		addr = ":8090"
	}
	if err := router.Run(addr); err != nil {
		log.Fatalf("server stopped: %v", err)
	}
}
