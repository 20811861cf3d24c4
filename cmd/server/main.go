package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/trustbridge/escrow-service/internal/config"
	"github.com/trustbridge/escrow-service/internal/escrow"
	"github.com/trustbridge/escrow-service/internal/logger"
	"github.com/trustbridge/escrow-service/internal/model"
	"github.com/trustbridge/escrow-service/internal/rates"
	"github.com/trustbridge/escrow-service/internal/repo"
	"github.com/trustbridge/escrow-service/internal/service"
	httptransport "github.com/trustbridge/escrow-service/internal/transport/http"

	"github.com/go-redis/redis/v8"
	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func main() {
	// 1. load config, keep it hot-reloadable for the escrow policy block
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

	// 2. init logger
	log, err := logger.NewLogger()
	if err != nil {
		panic(fmt.Errorf("init logger: %w", err))
	}
	defer log.Sync()

	// 3. postgres
	gdb, err := gorm.Open(postgres.Open(cfg.Postgres.DSN), &gorm.Config{PrepareStmt: true})
	if err != nil {
		log.Fatalf("open postgres: %v", err)
	}
	if err := gdb.AutoMigrate(
		&model.Transaction{}, &model.Wallet{}, &model.User{},
		&model.AuditLog{}, &model.Dispute{}, &model.ProcessedEvent{},
		&model.Payout{}, &model.OutboxEvent{},
	); err != nil {
		log.Fatalf("auto-migrate: %v", err)
	}

	// 4. redis
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		log.Fatalf("redis ping: %v", err)
	}

	// 5. kafka writers: ledger outbox and payout requests
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

	// 6. repo & services
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
	oracle := rates.NewCachedOracle(rdb, configRates(loader), 10*time.Minute)

	// 7. gin router
	router := httptransport.NewRouter(svc, orch, oracle, cfg.RateLimit, log)

	// 8. serve
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	log.Infof("escrow-server listening on %s", addr)
	if err := http.ListenAndServe(addr, router); err != nil {
		log.Fatalf("listen: %v", err)
	}
}

// configRates answers display-rate queries from the config block.
func configRates(loader *config.Loader) rates.Provider {
	return func(ctx context.Context, base, quote string) (decimal.Decimal, error) {
		key := fmt.Sprintf("%s/%s", base, quote)
		if str, ok := loader.Config().Rates[key]; ok {
			return decimal.NewFromString(str)
		}
		if str, ok := loader.Config().Rates[fmt.Sprintf("%s/%s", quote, base)]; ok {
			inv, err := decimal.NewFromString(str)
			if err != nil {
				return decimal.Zero, err
			}
			return decimal.NewFromInt(1).DivRound(inv, 8), nil
		}
		return decimal.Zero, fmt.Errorf("no display rate for %s", key)
	}
}
