package main

import (
	"database/sql"
	"log"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"

	"github.com/ortsverband/newsletter-dispatch/internal/config"
	"github.com/ortsverband/newsletter-dispatch/internal/pkg/logger"
	"github.com/ortsverband/newsletter-dispatch/internal/worker"
)

// The worker binary runs only the stale-send sweeper. Dispatches themselves
// run inside the server process; this exists for deployments that want the
// cleanup decoupled from the API.
func main() {
	configPath := "config/config.yaml"
	if v := os.Getenv("CONFIG_PATH"); v != "" {
		configPath = v
	}
	cfg, err := config.LoadFromEnv(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if cfg.Database.URL == "" {
		log.Fatal("database.url (or DATABASE_URL) is required")
	}

	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()
	if err := db.Ping(); err != nil {
		log.Fatalf("Failed to reach database: %v", err)
	}

	var redisClient *redis.Client
	if cfg.Redis.Enabled {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
	}

	sweeper := worker.NewStaleSweeper(db)
	sweeper.SetRedisClient(redisClient)
	sweeper.SetInterval(cfg.Sweeper.Interval())
	sweeper.SetThreshold(cfg.Sweeper.StaleThreshold())
	if err := sweeper.Start(); err != nil {
		log.Fatalf("Failed to start sweeper: %v", err)
	}
	logger.Info("worker running")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	sweeper.Stop()
}
