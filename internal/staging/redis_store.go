package staging

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"

	"maillog/pkg/models"
)

// Config configures Redis access for the staging store.
type Config struct {
	Addr     string
	Password string
	DB       int
	// TTL bounds how long an incomplete transaction waits for its next
	// line. It is refreshed on every put; expiry silently discards the
	// record, which is an accepted data-loss boundary, not an error.
	TTL time.Duration
}

// RedisStore holds the latest serialized record per transaction key
// between log lines.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStore constructs a Redis-backed staging store.
func NewRedisStore(cfg Config) (*RedisStore, error) {
	if strings.TrimSpace(cfg.Addr) == "" {
		cfg.Addr = "127.0.0.1:6379"
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 27 * time.Hour
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis staging store: %w", err)
	}

	return &RedisStore{client: client, ttl: cfg.TTL}, nil
}

// Key composes the namespaced cache key for a transaction.
func Key(schema, key string) string {
	return "log-" + schema + "-" + key
}

// Get fetches the staged record for a transaction key, or nil when the
// key is unknown or already expired.
func (s *RedisStore) Get(ctx context.Context, schema, key string) (*models.Record, error) {
	data, err := s.client.Get(ctx, Key(schema, key)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get staged record %s: %w", Key(schema, key), err)
	}
	return Decode(data)
}

// Put stores the record and refreshes its expiry window.
func (s *RedisStore) Put(ctx context.Context, rec *models.Record) error {
	data, err := Encode(rec)
	if err != nil {
		return err
	}
	cacheKey := Key(rec.Schema, rec.Key)
	if err := s.client.Set(ctx, cacheKey, data, s.ttl).Err(); err != nil {
		return fmt.Errorf("put staged record %s: %w", cacheKey, err)
	}
	return nil
}

// Close closes Redis resources.
func (s *RedisStore) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

// Encode serializes a record for the staging store. Saved markers on
// recipient details round-trip so a restarted line replay does not
// rewrite status rows that are already persisted.
func Encode(rec *models.Record) ([]byte, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("encode record %s: %w", rec.Key, err)
	}
	return data, nil
}

// Decode deserializes a staged record.
func Decode(data []byte) (*models.Record, error) {
	var rec models.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode staged record: %w", err)
	}
	if rec.Recipients == nil {
		rec.Recipients = make(map[string]*models.Detail)
	}
	return &rec, nil
}
