package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/trustbridge/escrow-service/internal/config"
	"github.com/trustbridge/escrow-service/internal/escrow"
	"github.com/trustbridge/escrow-service/internal/logger"
	"github.com/trustbridge/escrow-service/internal/repo"
	"github.com/trustbridge/escrow-service/internal/service"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/go-redis/redis/v8"
	"github.com/segmentio/kafka-go"
)

// The watchdog binary runs the timer-driven side of the engine: inactivity
// sweeps and payout retry dispatch. It can run alongside any number of
// replicas of itself; dedup keys make concurrent sweeps safe.
func main() {
	loader, err := config.NewLoader("internal/config/config.yaml")
	if err != nil {
		panic(fmt.Errorf("load config: %w", err))
	}
	stopWatch, err := loader.Watch()
	if err != nil {
		panic(fmt.Errorf("watch config: %w", err))
	}
	defer stopWatch()
	cfg := loader.Config()

	log, err := logger.NewLoggerAt(os.Getenv("LOG_LEVEL"))
	if err != nil {
		panic(fmt.Errorf("init logger: %w", err))
	}
	defer log.Sync()

	gdb, err := gorm.Open(postgres.Open(cfg.Postgres.DSN), &gorm.Config{PrepareStmt: true})
	if err != nil {
		log.Fatalf("open postgres: %v", err)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	kw := &kafka.Writer{
		Addr:     kafka.TCP(cfg.Kafka.Brokers...),
		Topic:    cfg.Kafka.Topic,
		Balancer: &kafka.LeastBytes{},
	}
	pw := &kafka.Writer{
		Addr:     kafka.TCP(cfg.Kafka.Brokers...),
		Topic:    cfg.Kafka.PayoutTopic,
		Balancer: &kafka.LeastBytes{},
	}

	repository := repo.NewRepository(gdb, rdb, kw, log)
	policy := func() escrow.Policy {
		p, err := loader.Config().Policy()
		if err != nil {
			log.Errorf("policy: %v", err)
		}
		return p
	}
	svc := service.NewEscrowService(repository, policy, log)
	orch := service.NewPayoutOrchestrator(repository, service.NewKafkaDisburser(pw), service.PayoutConfig{
		MaxAttempts: cfg.Payout.MaxAttempts,
		BackoffBase: cfg.PayoutBackoffBase(),
		BackoffMax:  cfg.PayoutBackoffMax(),
		SendTimeout: cfg.PayoutSendTimeout(),
	}, log)

	threshold := func() time.Duration { return loader.Config().InactivityThreshold() }
	wd := service.NewWatchdog(repository, svc, threshold, cfg.Escrow.WatchdogBatchSize, log)

	ctx := context.Background()
	go wd.Run(ctx, cfg.WatchdogInterval())

	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	log.Info("escrow-watchdog started")
	for range ticker.C {
		n, err := orch.RunDue(ctx)
		if err != nil {
			log.Errorf("payout dispatch: %v", err)
			continue
		}
		if n > 0 {
			log.Infof("dispatched %d payouts", n)
		}
	}
}
