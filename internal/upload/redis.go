package upload

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	ErrFailedToParseRedisConnString = errors.New("failed to parse redis connection string")
	ErrRedisNotReady                = errors.New("redis did not become ready within the given time period")
	ErrRedisHealthcheckFailed       = errors.New("redis healthcheck failed")
)

// RedisConfig configures the Redis staging connection.
type RedisConfig struct {
	ConnectionURL  string        `env:"REDIS_URL" envDefault:"redis://localhost:6379/0"`
	RetryAttempts  int           `env:"REDIS_RETRY_ATTEMPTS" envDefault:"3"`
	RetryInterval  time.Duration `env:"REDIS_RETRY_INTERVAL" envDefault:"5s"`
	ConnectTimeout time.Duration `env:"REDIS_CONNECT_TIMEOUT" envDefault:"30s"`
	KeyPrefix      string        `env:"REDIS_KEY_PREFIX" envDefault:"fm:upload:"`
}

// ConnectRedis dials Redis and retries until a ping succeeds.
func ConnectRedis(ctx context.Context, cfg RedisConfig) (*redis.Client, error) {
	ctx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()

	opts, err := redis.ParseURL(cfg.ConnectionURL)
	if err != nil {
		return nil, errors.Join(ErrFailedToParseRedisConnString, err)
	}

	for range max(cfg.RetryAttempts, 1) {
		client := redis.NewClient(opts)
		if err := client.Ping(ctx).Err(); err == nil {
			return client, nil
		}
		_ = client.Close()

		select {
		case <-ctx.Done():
			return nil, errors.Join(ErrRedisNotReady, ctx.Err())
		case <-time.After(cfg.RetryInterval):
		}
	}
	return nil, ErrRedisNotReady
}

// RedisHealthcheck returns a readiness probe for client.
func RedisHealthcheck(client redis.UniversalClient) func(context.Context) error {
	return func(ctx context.Context) error {
		if err := client.Ping(ctx).Err(); err != nil {
			return errors.Join(ErrRedisHealthcheckFailed, err)
		}
		return nil
	}
}

// RedisStaging stores reservations as JSON with a Redis TTL, so every
// service instance can finalize uploads initiated by another.
type RedisStaging struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time
}

func NewRedisStaging(client redis.UniversalClient, prefix string) *RedisStaging {
	if prefix == "" {
		prefix = "fm:upload:"
	}
	return &RedisStaging{client: client, prefix: prefix, now: time.Now}
}

func (s *RedisStaging) Put(ctx context.Context, res *Reservation) error {
	ttl := res.ExpiresAt.Sub(s.now())
	if ttl <= 0 {
		return fmt.Errorf("reservation %s already expired", res.UID)
	}
	data, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("failed to encode reservation: %w", err)
	}
	if err := s.client.Set(ctx, s.prefix+res.UID, data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to stage reservation: %w", err)
	}
	return nil
}

func (s *RedisStaging) Get(ctx context.Context, uid string) (*Reservation, error) {
	data, err := s.client.Get(ctx, s.prefix+uid).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrReservationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load reservation: %w", err)
	}

	var res Reservation
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, fmt.Errorf("failed to decode reservation: %w", err)
	}
	return &res, nil
}

func (s *RedisStaging) Delete(ctx context.Context, uid string) error {
	if err := s.client.Del(ctx, s.prefix+uid).Err(); err != nil {
		return fmt.Errorf("failed to delete reservation: %w", err)
	}
	return nil
}
