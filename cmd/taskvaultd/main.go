package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/guyernest/taskvault/internal/config"
	"github.com/guyernest/taskvault/internal/engine"
	"github.com/guyernest/taskvault/internal/logger"
	"github.com/guyernest/taskvault/internal/storage"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "taskvaultd: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.Setup(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "taskvaultd: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	backend, err := openBackend(ctx, cfg)
	if err != nil {
		log.Fatal("Failed to open backend", zap.String("backend", cfg.Backend), zap.Error(err))
	}
	defer backend.Close()

	eng := engine.New(backend, engine.Limits{
		MaxTasksPerOwner: cfg.Security.MaxTasksPerOwner,
		DefaultTTL:       cfg.Security.DefaultTTL,
		MaxTTL:           cfg.Security.MaxTTL,
		MaxVariableBytes: cfg.Security.MaxVariableBytes,
		AllowAnonymous:   cfg.Security.AllowAnonymous,
		AnonymousOwner:   cfg.Security.AnonymousOwner,
	}, log)

	log.Info("taskvaultd started",
		zap.String("backend", cfg.Backend),
		zap.Duration("cleanup_interval", cfg.CleanupInterval))

	go runCleanup(ctx, eng, cfg.CleanupInterval, log)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Info("Shutting down")
	cancel()
}

// openBackend constructs the storage adapter selected by the configuration.
func openBackend(ctx context.Context, cfg *config.Config) (storage.Backend, error) {
	switch cfg.Backend {
	case config.BackendMemory:
		return storage.NewMemoryStore(), nil

	case config.BackendRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.RedisAddr(),
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		return storage.NewRedisStore(client), nil

	case config.BackendDynamoDB:
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
			awsconfig.WithRegion(cfg.DynamoDB.Region))
		if err != nil {
			return nil, fmt.Errorf("failed to load aws config: %w", err)
		}
		client := dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
			if cfg.DynamoDB.Endpoint != "" {
				o.BaseEndpoint = &cfg.DynamoDB.Endpoint
			}
		})
		return storage.NewDynamoStore(client, cfg.DynamoDB.Table), nil

	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}
}

// runCleanup sweeps expired tasks on a fixed interval until ctx is cancelled.
// Backends with native expiry report zero reaped records and that is fine.
func runCleanup(ctx context.Context, eng *engine.Engine, interval time.Duration, log *zap.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			reaped, err := eng.CleanupExpired(ctx)
			if err != nil {
				log.Warn("Cleanup sweep failed", zap.Error(err))
				continue
			}
			if reaped > 0 {
				log.Info("Cleanup sweep finished", zap.Int("reaped", reaped))
			}
		}
	}
}
