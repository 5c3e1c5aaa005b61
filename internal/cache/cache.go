package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/promoforge/promoforge/pkg/models"
)

// Cache provides caching functionality using Redis
type Cache struct {
	client *redis.Client
}

// NewCache creates a new cache instance
func NewCache(host string, port int, password string, db int) (*Cache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", host, port),
		Password: password,
		DB:       db,
	})

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &Cache{client: client}, nil
}

// Close closes the Redis connection
func (c *Cache) Close() error {
	return c.client.Close()
}

// Ping checks the Redis connection
func (c *Cache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Job Cache Operations

// SetJob caches a job's current state for status polling
func (c *Cache) SetJob(ctx context.Context, job *models.Job, ttl time.Duration) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	key := fmt.Sprintf("job:%s", job.ID)
	return c.client.Set(ctx, key, data, ttl).Err()
}

// GetJob retrieves a cached job state
func (c *Cache) GetJob(ctx context.Context, jobID string) (*models.Job, error) {
	key := fmt.Sprintf("job:%s", jobID)
	data, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, nil // Cache miss
		}
		return nil, fmt.Errorf("failed to get job from cache: %w", err)
	}

	var job models.Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}

	return &job, nil
}

// DeleteJob removes a job from cache; called on every status transition
func (c *Cache) DeleteJob(ctx context.Context, jobID string) error {
	key := fmt.Sprintf("job:%s", jobID)
	return c.client.Del(ctx, key).Err()
}

// Availability Cache Operations

// SetAvailability caches an account's spendable and total credit balance
func (c *Cache) SetAvailability(ctx context.Context, accountID string, available, total int, ttl time.Duration) error {
	key := fmt.Sprintf("credits:%s", accountID)
	return c.client.Set(ctx, key, fmt.Sprintf("%d:%d", available, total), ttl).Err()
}

// GetAvailability retrieves a cached balance; the bool reports a hit
func (c *Cache) GetAvailability(ctx context.Context, accountID string) (available, total int, hit bool, err error) {
	key := fmt.Sprintf("credits:%s", accountID)
	val, err := c.client.Get(ctx, key).Result()
	if err != nil {
		if err == redis.Nil {
			return 0, 0, false, nil // Cache miss
		}
		return 0, 0, false, fmt.Errorf("failed to get availability from cache: %w", err)
	}
	if _, err := fmt.Sscanf(val, "%d:%d", &available, &total); err != nil {
		return 0, 0, false, nil
	}
	return available, total, true, nil
}

// InvalidateAvailability drops the cached balance after a ledger mutation
func (c *Cache) InvalidateAvailability(ctx context.Context, accountID string) error {
	key := fmt.Sprintf("credits:%s", accountID)
	return c.client.Del(ctx, key).Err()
}

// Rate Limiting Operations

// CheckRateLimit checks if a rate limit has been exceeded
func (c *Cache) CheckRateLimit(ctx context.Context, key string, limit int64, window time.Duration) (bool, error) {
	rateLimitKey := fmt.Sprintf("ratelimit:%s", key)

	count, err := c.client.Incr(ctx, rateLimitKey).Result()
	if err != nil {
		return false, fmt.Errorf("failed to increment rate limit: %w", err)
	}

	// Set expiry on first request
	if count == 1 {
		if err := c.client.Expire(ctx, rateLimitKey, window).Err(); err != nil {
			return false, fmt.Errorf("failed to set expiry: %w", err)
		}
	}

	return count <= limit, nil
}

// Locking Operations

// AcquireLock attempts to take a named cross-process lock. The TTL bounds how
// long a crashed holder can block others.
func (c *Cache) AcquireLock(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	key := fmt.Sprintf("lock:%s", name)
	return c.client.SetNX(ctx, key, "locked", ttl).Result()
}

// ReleaseLock releases a named lock
func (c *Cache) ReleaseLock(ctx context.Context, name string) error {
	key := fmt.Sprintf("lock:%s", name)
	return c.client.Del(ctx, key).Err()
}
