package quota

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/selahlabs/selah/internal/domain"
)

var (
	// ErrInvalidBackendType is returned for unknown backend driver names.
	ErrInvalidBackendType = errors.New("invalid quota backend type")
	// ErrInvalidConfig is returned when a driver is missing required options.
	ErrInvalidConfig = errors.New("invalid quota backend config")
)

// BackendType selects the quota state driver.
type BackendType string

const (
	BackendMemory BackendType = "memory"
	BackendRedis  BackendType = "redis"
)

// Backend stores live quota state. The memory driver serves single-node
// deployments; the redis driver lets multiple server instances share one view.
type Backend interface {
	// Load retrieves quota state for a user. Returns nil when absent.
	Load(ctx context.Context, userID string) (*domain.QuotaState, error)

	// Save persists quota state for a user.
	Save(ctx context.Context, userID string, state domain.QuotaState) error

	// Delete removes quota state for a user.
	Delete(ctx context.Context, userID string) error

	// Close releases driver resources.
	Close() error
}

type backendConfig struct {
	redisClient *redis.Client
	redisTTL    time.Duration
}

// BackendOption configures a quota backend.
type BackendOption func(*backendConfig)

// WithRedisClient supplies the redis client for the redis driver.
func WithRedisClient(client *redis.Client) BackendOption {
	return func(c *backendConfig) {
		c.redisClient = client
	}
}

// WithRedisTTL overrides the key TTL for the redis driver.
func WithRedisTTL(ttl time.Duration) BackendOption {
	return func(c *backendConfig) {
		c.redisTTL = ttl
	}
}

// NewBackend creates a quota backend for the given driver type.
func NewBackend(backendType BackendType, opts ...BackendOption) (Backend, error) {
	config := &backendConfig{}
	for _, opt := range opts {
		opt(config)
	}

	switch backendType {
	case BackendMemory:
		return &memoryBackend{
			states: make(map[string]domain.QuotaState),
		}, nil

	case BackendRedis:
		if config.redisClient == nil {
			return nil, ErrInvalidConfig
		}
		ttl := config.redisTTL
		if ttl <= 0 {
			ttl = 48 * time.Hour
		}
		return &redisBackend{
			client: config.redisClient,
			ttl:    ttl,
		}, nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidBackendType, backendType)
	}
}

// memoryBackend implements Backend with an in-process map.
type memoryBackend struct {
	mu     sync.RWMutex
	states map[string]domain.QuotaState
}

func (b *memoryBackend) Load(ctx context.Context, userID string) (*domain.QuotaState, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	state, ok := b.states[userID]
	if !ok {
		return nil, nil
	}
	return &state, nil
}

func (b *memoryBackend) Save(ctx context.Context, userID string, state domain.QuotaState) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.states[userID] = state
	return nil
}

func (b *memoryBackend) Delete(ctx context.Context, userID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.states, userID)
	return nil
}

func (b *memoryBackend) Close() error {
	return nil
}

// redisBackend implements Backend on redis with JSON values.
type redisBackend struct {
	client *redis.Client
	ttl    time.Duration
}

func quotaKey(userID string) string {
	return "selah:quota:" + userID
}

func (b *redisBackend) Load(ctx context.Context, userID string) (*domain.QuotaState, error) {
	data, err := b.client.Get(ctx, quotaKey(userID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get quota: %w", err)
	}

	var state domain.QuotaState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("unmarshal quota state: %w", err)
	}
	return &state, nil
}

func (b *redisBackend) Save(ctx context.Context, userID string, state domain.QuotaState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal quota state: %w", err)
	}
	if err := b.client.Set(ctx, quotaKey(userID), data, b.ttl).Err(); err != nil {
		return fmt.Errorf("redis set quota: %w", err)
	}
	return nil
}

func (b *redisBackend) Delete(ctx context.Context, userID string) error {
	if err := b.client.Del(ctx, quotaKey(userID)).Err(); err != nil {
		return fmt.Errorf("redis delete quota: %w", err)
	}
	return nil
}

func (b *redisBackend) Close() error {
	return b.client.Close()
}
