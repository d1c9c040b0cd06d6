package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"

	"github.com/ortsverband/newsletter-dispatch/internal/api"
	"github.com/ortsverband/newsletter-dispatch/internal/config"
	"github.com/ortsverband/newsletter-dispatch/internal/content"
	"github.com/ortsverband/newsletter-dispatch/internal/dispatch"
	"github.com/ortsverband/newsletter-dispatch/internal/domain"
	"github.com/ortsverband/newsletter-dispatch/internal/mailer"
	"github.com/ortsverband/newsletter-dispatch/internal/pkg/distlock"
	"github.com/ortsverband/newsletter-dispatch/internal/pkg/logger"
	"github.com/ortsverband/newsletter-dispatch/internal/repository/postgres"
	"github.com/ortsverband/newsletter-dispatch/internal/service/newsletter"
	"github.com/ortsverband/newsletter-dispatch/internal/worker"
)

// checkPortAvailable verifies that the target port is not already in use.
func checkPortAvailable(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("address %s is already in use: %v", addr, err)
	}
	ln.Close()
	return nil
}

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
	if cfg.SMTP.Host == "" {
		log.Fatal("smtp.host (or SMTP_HOST) is required")
	}
	if cfg.Sender.FromEmail == "" {
		log.Fatal("sender.from_email (or SENDER_FROM_EMAIL) is required")
	}

	addr := cfg.Server.Addr()
	if err := checkPortAvailable(addr); err != nil {
		log.Fatalf("Pre-flight check failed: %v", err)
	}

	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	if err := db.Ping(); err != nil {
		log.Fatalf("Failed to reach database: %v", err)
	}
	logger.Info("database connected")

	// Redis is optional; without it the dispatch lock falls back to PG
	// advisory locks and sends are not rate limited.
	var redisClient *redis.Client
	var throttle *dispatch.Throttle
	if cfg.Redis.Enabled {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := redisClient.Ping(context.Background()).Err(); err != nil {
			logger.Warn("redis unreachable, continuing without throttle", "error", err.Error())
			redisClient = nil
		} else {
			throttle = dispatch.NewThrottle(redisClient, cfg.Throttle.PerMinute)
			logger.Info("redis connected", "throttle_per_minute", cfg.Throttle.PerMinute)
		}
	}

	mailerCfg := mailer.Config{
		Host:               cfg.SMTP.Host,
		Port:               cfg.SMTP.Port,
		Username:           cfg.SMTP.Username,
		Password:           cfg.SMTP.Password,
		ImplicitTLS:        cfg.SMTP.ImplicitTLS,
		InsecureSkipVerify: cfg.SMTP.InsecureSkipVerify,
	}

	templates := content.NewTemplateService()
	svc := newsletter.NewService(
		postgres.NewNewsletterRepo(db),
		postgres.NewSettingsRepo(db),
		postgres.NewSubscriberRepo(db),
		templates,
		func(settings domain.DispatchSettings) newsletter.SendCloser {
			return mailer.New(mailerCfg, settings)
		},
		func(key string, ttl time.Duration) distlock.DistLock {
			return distlock.NewLock(redisClient, db, key, ttl)
		},
		throttle,
		newsletter.Sender{
			FromName:  cfg.Sender.FromName,
			FromEmail: cfg.Sender.FromEmail,
			ReplyTo:   cfg.Sender.ReplyTo,
		},
	)

	var generator api.ContentGenerator
	if cfg.AI.AnthropicAPIKey != "" || cfg.AI.OpenAIAPIKey != "" {
		generator = content.NewGenerator(cfg.AI.AnthropicAPIKey, cfg.AI.OpenAIAPIKey)
	}

	var headers api.HeaderPublisher
	if cfg.S3.Enabled {
		awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(),
			awsconfig.WithRegion(cfg.S3.Region))
		if err != nil {
			log.Fatalf("Failed to load AWS config: %v", err)
		}
		headers = content.NewHeaderStore(s3.NewFromConfig(awsCfg), cfg.S3.Bucket, cfg.S3.BaseURL)
	}

	// The sweeper also runs inside the server so single-process deployments
	// recover stuck sends without the separate worker binary.
	sweeper := worker.NewStaleSweeper(db)
	sweeper.SetRedisClient(redisClient)
	sweeper.SetInterval(cfg.Sweeper.Interval())
	sweeper.SetThreshold(cfg.Sweeper.StaleThreshold())
	if err := sweeper.Start(); err != nil {
		log.Fatalf("Failed to start sweeper: %v", err)
	}

	server := api.NewServer(api.NewHandlers(svc, generator, headers))

	go func() {
		logger.Info("server listening", "addr", addr)
		if err := server.ListenAndServe(addr); err != nil {
			log.Fatalf("Server error: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	logger.Info("shutting down")
	sweeper.Stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err.Error())
	}
}
