package redis

import (
	"context"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"

	"presencetrack/internal/logger"
	"presencetrack/internal/source"
	"presencetrack/pkg/models"
)

// Config configures the Redis consumer.
type Config struct {
	Addr         string
	Password     string
	DB           int
	Key          string
	BlockTimeout time.Duration

	OnRaw       source.RawObserver
	OnMalformed func(err error)
}

// Consumer wraps a Redis list popper that carries sighting payloads.
type Consumer struct {
	client       *redis.Client
	key          string
	blockTimeout time.Duration
	onRaw        source.RawObserver
	onMalformed  func(err error)
}

// NewConsumer creates a Redis consumer for list-based queues.
func NewConsumer(cfg Config) (*Consumer, error) {
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:6379"
	}
	if cfg.Key == "" {
		return nil, fmt.Errorf("redis key is required")
	}
	if cfg.BlockTimeout == 0 {
		cfg.BlockTimeout = 5 * time.Second
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	return &Consumer{
		client:       client,
		key:          cfg.Key,
		blockTimeout: cfg.BlockTimeout,
		onRaw:        cfg.OnRaw,
		onMalformed:  cfg.OnMalformed,
	}, nil
}

// Pop pops one message from the list.
func (c *Consumer) Pop(ctx context.Context) ([]byte, error) {
	res, err := c.client.BLPop(ctx, c.blockTimeout, c.key).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(res) < 2 {
		return nil, nil
	}
	return []byte(res[1]), nil
}

// Run pops and decodes payloads until ctx is done.
func (c *Consumer) Run(ctx context.Context, sightings chan<- models.Sighting, status chan<- source.Status) error {
	healthy := false
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !healthy {
			if err := c.client.Ping(ctx).Err(); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				logger.Errorf("Redis source ping failed: %v", err)
				source.Notify(status, source.Status{Condition: source.TransportError, Reason: err})
				pause(ctx, 500*time.Millisecond)
				continue
			}
			healthy = true
			source.Notify(status, source.Status{Condition: source.Connected})
		}

		payload, err := c.Pop(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logger.Errorf("Failed to pop redis message: %v", err)
			healthy = false
			source.Notify(status, source.Status{Condition: source.TransportError, Reason: err})
			pause(ctx, 500*time.Millisecond)
			continue
		}
		if payload == nil {
			continue
		}
		if c.onRaw != nil {
			c.onRaw(payload, time.Now())
		}

		sighting, err := source.DecodeSighting(payload)
		if err != nil {
			logger.Warnf("Dropping redis payload: %v", err)
			if c.onMalformed != nil {
				c.onMalformed(err)
			}
			continue
		}

		select {
		case sightings <- sighting:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Close closes the consumer.
func (c *Consumer) Close() error {
	return c.client.Close()
}

func pause(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
