package cache

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Service wraps Redis for the small pieces of cross-restart state: daily
// correlation sequences and symbol cooldown deadlines. Every operation
// degrades gracefully when Redis is unreachable; trading never depends on
// it.
type Service struct {
	client *redis.Client
	log    zerolog.Logger
}

// Config holds the Redis connection settings
type Config struct {
	Address  string
	Password string
	DB       int
	PoolSize int
}

// New connects to Redis. A failed ping returns the service anyway; callers
// get fallback behavior until the server comes back.
func New(cfg Config, log zerolog.Logger) *Service {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})

	s := &Service{client: client, log: log.With().Str("component", "cache").Logger()}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		s.log.Warn().Err(err).Msg("redis unreachable, running with degraded id sequences and cooldown persistence")
	}
	return s
}

func (s *Service) Close() {
	s.client.Close()
}

// ==================== Correlation ids ====================

// NextID issues a client correlation id: a daily Redis sequence when
// available, a UUID fallback otherwise. Either form is unique, which is
// all idempotency needs.
func (s *Service) NextID(ctx context.Context, symbol string) string {
	date := time.Now().UTC().Format("20060102")
	slug := strings.ReplaceAll(symbol, "/", "")

	key := "zin:corr:" + date
	seq, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		s.log.Debug().Err(err).Msg("redis sequence unavailable, using uuid correlation id")
		return fmt.Sprintf("ZIN-%s-%s-%s", date, slug, uuid.NewString()[:8])
	}
	if seq == 1 {
		// First id of the day sets the key's expiry; 48h covers clock skew
		s.client.Expire(ctx, key, 48*time.Hour)
	}
	return fmt.Sprintf("ZIN-%s-%s-%06d", date, slug, seq)
}

// ==================== Cooldown persistence ====================

const cooldownPrefix = "zin:cooldown:"

// SaveCooldown persists a symbol cooldown so it survives restarts
func (s *Service) SaveCooldown(ctx context.Context, symbol string, until time.Time) {
	ttl := time.Until(until)
	if ttl <= 0 {
		return
	}
	err := s.client.Set(ctx, cooldownPrefix+symbol, until.UTC().Format(time.RFC3339), ttl).Err()
	if err != nil {
		s.log.Debug().Err(err).Str("symbol", symbol).Msg("cooldown not persisted")
	}
}

// LoadCooldowns returns all persisted cooldown deadlines still in the
// future. Empty on any Redis failure.
func (s *Service) LoadCooldowns(ctx context.Context) map[string]time.Time {
	out := make(map[string]time.Time)

	iter := s.client.Scan(ctx, 0, cooldownPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		val, err := s.client.Get(ctx, key).Result()
		if err != nil {
			continue
		}
		until, err := time.Parse(time.RFC3339, val)
		if err != nil || !until.After(time.Now()) {
			continue
		}
		out[strings.TrimPrefix(key, cooldownPrefix)] = until
	}
	if err := iter.Err(); err != nil {
		s.log.Debug().Err(err).Msg("cooldown scan failed")
	}
	return out
}

// UUIDSource is the Redis-free IDSource used when the cache is disabled
type UUIDSource struct{}

func (UUIDSource) NextID(ctx context.Context, symbol string) string {
	date := time.Now().UTC().Format("20060102")
	slug := strings.ReplaceAll(symbol, "/", "")
	return fmt.Sprintf("ZIN-%s-%s-%s", date, slug, uuid.NewString()[:8])
}
