package main

import (
	"context"
	"log"
	"os"
	"time"

	"niraama/internal/api"
	"niraama/internal/auth"
	"niraama/internal/config"
	"niraama/internal/redis"
	"niraama/internal/reply"
	"niraama/internal/session"
	"niraama/internal/storage"
	"niraama/internal/store"

	"github.com/gin-gonic/gin"
)

func main() {
	cfgPath := os.Getenv("NIRAAMA_CONFIG")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	dbType := os.Getenv("NIRAAMA_DB")
	if dbType == "" {
		dbType = "sqlite3"
	}
	log.Printf("dbType: %s\n", dbType)
	db, err := storage.Open(dbType, cfg)
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	defer db.Close()

	// Create necessary tables: users, user_tokens, conversations, uploads
	if err := storage.Migrate(db, dbType); err != nil {
		log.Fatalf("migrate database: %v", err)
	}

	rdb, err := redis.NewClient(cfg)
	if err != nil {
		log.Fatalf("create redis client: %v", err)
	}
	if rdb != nil {
		defer rdb.Close()
	}

	baseStore := store.New(db)
	var conversations interface {
		api.ConversationStore
		session.ConversationStore
	} = baseStore
	var cached *store.Cached
	if rdb != nil {
		cached = store.NewCached(baseStore, rdb)
		conversations = cached
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	generator, err := reply.NewModelGenerator(cfg.Reply)
	if err != nil {
		log.Fatalf("init reply generator: %v", err)
	}
	authService := auth.NewService(db, rdb, 24*time.Hour)
	sessions := session.NewManager(conversations, generator)
	go sessions.WatchAuth(ctx, authService.Subscribe())
	if cached != nil {
		cached.Watch(ctx, sessions.Invalidate)
	}

	cleanInterval := time.Duration(cfg.BasicConfig.CleanIntervalMinutes) * time.Minute
	if cleanInterval <= 0 {
		cleanInterval = store.DefaultUploadSweepInterval
	}
	baseStore.StartUploadJanitor(ctx, cleanInterval)

	fileBase := cfg.BasicConfig.FileBaseDir
	if fileBase == "" {
		fileBase = "./data/uploads"
	}
	uploadTTL := time.Duration(cfg.BasicConfig.UploadTTLMinutes) * time.Minute
	if uploadTTL <= 0 {
		uploadTTL = store.DefaultUploadTTL
	}
	handlers := api.NewHandler(conversations, sessions, authService, fileBase, uploadTTL)

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
