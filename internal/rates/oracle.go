// Package rates exposes a read-only exchange-rate oracle used exclusively
// for display conversion. Settlement math never consults it.
package rates

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/shopspring/decimal"
)

// Oracle answers display-rate queries.
type Oracle interface {
	Rate(ctx context.Context, base, quote string) (decimal.Decimal, error)
}

// Provider fetches a fresh rate from the upstream collaborator.
type Provider func(ctx context.Context, base, quote string) (decimal.Decimal, error)

// CachedOracle serves rates from redis with a short TTL, falling back to
// the upstream provider on a miss.
type CachedOracle struct {
	rdb   *redis.Client
	fetch Provider
	ttl   time.Duration
}

func NewCachedOracle(rdb *redis.Client, fetch Provider, ttl time.Duration) *CachedOracle {
	return &CachedOracle{rdb: rdb, fetch: fetch, ttl: ttl}
}

func (o *CachedOracle) Rate(ctx context.Context, base, quote string) (decimal.Decimal, error) {
	if base == quote {
		return decimal.NewFromInt(1), nil
	}
	key := fmt.Sprintf("rate:%s:%s", base, quote)
	if str, err := o.rdb.Get(ctx, key).Result(); err == nil {
		if rate, perr := decimal.NewFromString(str); perr == nil {
			return rate, nil
		}
	}
	rate, err := o.fetch(ctx, base, quote)
	if err != nil {
		return decimal.Zero, fmt.Errorf("fetch rate %s/%s: %w", base, quote, err)
	}
	_ = o.rdb.Set(ctx, key, rate.String(), o.ttl).Err()
	return rate, nil
}

// Convert returns amount expressed in quote currency for display purposes.
func Convert(ctx context.Context, o Oracle, amount decimal.Decimal, base, quote string) (decimal.Decimal, error) {
	rate, err := o.Rate(ctx, base, quote)
	if err != nil {
		return decimal.Zero, err
	}
	return amount.Mul(rate), nil
}
