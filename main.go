package main

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/gin-gonic/gin"

	"tonechat/internal/api"
	"tonechat/internal/auth"
	"tonechat/internal/completion"
	"tonechat/internal/config"
	"tonechat/internal/feed"
	"tonechat/internal/redis"
	"tonechat/internal/service/exchange"
	"tonechat/internal/storage"
	"tonechat/internal/store"
)

func main() {
	cfgPath := os.Getenv("TONECHAT_CONFIG")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	dbType := os.Getenv("TONECHAT_DB")
	if dbType == "" {
		dbType = "sqlite3"
	}
	log.Printf("dbType: %s\n", dbType)
	db, err := storage.Open(dbType, cfg)
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	defer db.Close()

	if err := storage.Migrate(db, dbType); err != nil {
		log.Fatalf("migrate database: %v", err)
	}

	// Redis is optional. Without it the token cache is skipped and change
	// notifications stay in-process, which is fine for a single instance.
	var (
		rdb        *redis.Client
		changeFeed feed.Feed
	)
	if cfg.Redis.Host != "" {
		rdb, err = redis.NewClient(cfg)
		if err != nil {
			log.Fatalf("create redis client: %v", err)
		}
		defer rdb.Close()
		changeFeed = feed.NewRedisFeed(rdb)
	} else {
		broadcaster := feed.NewBroadcaster()
		defer broadcaster.Close()
		changeFeed = broadcaster
	}

	conversationStore := store.New(db, changeFeed)

	tokenTTL := time.Duration(cfg.BasicConfig.TokenTTLMinutes) * time.Minute
	if tokenTTL <= 0 {
		tokenTTL = 24 * time.Hour
	}
	authService := auth.NewService(db, rdb, tokenTTL)

	cleanCtx, cleanCancel := context.WithCancel(context.Background())
	defer cleanCancel()
	cleanInterval := time.Duration(cfg.BasicConfig.TokenCleanIntervalMinutes) * time.Minute
	authService.StartTokenCleaner(cleanCtx, cleanInterval)

	client, err := completion.NewClient(context.Background(), cfg.DefaultProvider, cfg)
	if err != nil {
		log.Fatalf("init completion client: %v", err)
	}
	exchangeService := exchange.New(client, conversationStore)

	handlers := api.NewHandler(exchangeService, conversationStore, authService, changeFeed)

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
