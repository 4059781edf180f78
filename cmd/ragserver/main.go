package main

import (
	"context"
	"log"
	"os"

	"github.com/gin-gonic/gin"

	"virlaw/internal/config"
	"virlaw/internal/rag"
)

func main() {
	cfgPath := os.Getenv("VIRLAW_CONFIG")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	server, err := rag.NewServer(context.Background(), cfg)
	if err != nil {
		log.Fatalf("init rag server: %v", err)
	}

	router := gin.Default()
	server.RegisterRoutes(router)

	addr := cfg.RAG.ServerAddress
	if addr == "" {
		addr = ":8091"
	}
	if err := router.Run(addr); err != nil {
		log.Fatalf("rag server stopped: %v", err)
	}
}
