// Package redis provides Redis caching and pub/sub functionality.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/CanuteTheGreat/horcrux-sub008/internal/config"
	"github.com/CanuteTheGreat/horcrux-sub008/internal/domain"
)

// ErrCacheMiss indicates the key was not found in cache.
var ErrCacheMiss = errors.New("cache miss")

// Cache wraps a Redis client for caching operations.
type Cache struct {
	client *redis.Client
	logger *zap.Logger
}

// NewCache creates a new Redis cache connection.
func NewCache(cfg config.RedisConfig, logger *zap.Logger) (*Cache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address(),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logger.Info("Connected to Redis", zap.String("addr", cfg.Address()))

	return &Cache{client: client, logger: logger}, nil
}

// Close closes the Redis connection.
func (c *Cache) Close() error {
	return c.client.Close()
}

// Health checks if Redis is reachable.
func (c *Cache) Health(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// =============================================================================
// Generic Cache Operations
// =============================================================================

// Get retrieves a value from cache and unmarshals it into dest.
func (c *Cache) Get(ctx context.Context, key string, dest interface{}) error {
	val, err := c.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return ErrCacheMiss
	}
	if err != nil {
		return fmt.Errorf("redis get error: %w", err)
	}

	return json.Unmarshal([]byte(val), dest)
}

// Set stores a value in cache with a TTL.
func (c *Cache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal value: %w", err)
	}

	return c.client.Set(ctx, key, data, ttl).Err()
}

// Delete removes a key from cache.
func (c *Cache) Delete(ctx context.Context, key string) error {
	return c.client.Del(ctx, key).Err()
}

// =============================================================================
// Migration Job Snapshots
// =============================================================================

// Job snapshots back the read-side API; writes always go to the manager.
const jobCacheTTL = 30 * time.Second

// GetJob retrieves a migration job snapshot from cache.
func (c *Cache) GetJob(ctx context.Context, id string) (*domain.MigrationJob, error) {
	var job domain.MigrationJob
	if err := c.Get(ctx, fmt.Sprintf("migration:job:%s", id), &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// SetJob stores a migration job snapshot.
func (c *Cache) SetJob(ctx context.Context, job *domain.MigrationJob) error {
	return c.Set(ctx, fmt.Sprintf("migration:job:%s", job.ID), job, jobCacheTTL)
}

// InvalidateJob removes a job snapshot.
func (c *Cache) InvalidateJob(ctx context.Context, id string) error {
	return c.Delete(ctx, fmt.Sprintf("migration:job:%s", id))
}

// =============================================================================
// Health Summary Snapshots
// =============================================================================

const summaryCacheTTL = 15 * time.Second

// GetHealthSummary retrieves a cached health summary for a job.
func (c *Cache) GetHealthSummary(ctx context.Context, jobID string) (*domain.HealthSummary, error) {
	var summary domain.HealthSummary
	if err := c.Get(ctx, fmt.Sprintf("migration:health:%s", jobID), &summary); err != nil {
		return nil, err
	}
	return &summary, nil
}

// SetHealthSummary caches a health summary for a job.
func (c *Cache) SetHealthSummary(ctx context.Context, summary *domain.HealthSummary) error {
	return c.Set(ctx, fmt.Sprintf("migration:health:%s", summary.JobID), summary, summaryCacheTTL)
}

// =============================================================================
// Pub/Sub Operations for Real-time Updates
// =============================================================================

// Event represents a real-time event.
type Event struct {
	Type       string      `json:"type"` // "migration.state", "migration.progress", etc.
	ResourceID string      `json:"resource_id"`
	Data       interface{} `json:"data,omitempty"`
	Timestamp  time.Time   `json:"timestamp"`
}

// Publish publishes an event to a channel.
func (c *Cache) Publish(ctx context.Context, channel string, event Event) error {
	event.Timestamp = time.Now()
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	return c.client.Publish(ctx, channel, data).Err()
}

// Subscribe subscribes to a channel and returns a message channel.
func (c *Cache) Subscribe(ctx context.Context, channels ...string) <-chan Event {
	pubsub := c.client.Subscribe(ctx, channels...)
	events := make(chan Event, 100)

	go func() {
		defer close(events)
		defer pubsub.Close()

		for {
			select {
			case <-ctx.Done():
				return
			case msg := <-pubsub.Channel():
				var event Event
				if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
					c.logger.Warn("Failed to unmarshal event", zap.Error(err))
					continue
				}
				events <- event
			}
		}
	}()

	return events
}

// PublishMigrationEvent publishes a migration-related event so other
// control-plane instances can refresh their read caches.
func (c *Cache) PublishMigrationEvent(ctx context.Context, eventType string, job *domain.MigrationJob) error {
	return c.Publish(ctx, "events:migration", Event{
		Type:       eventType,
		ResourceID: job.ID,
		Data:       job,
	})
}
