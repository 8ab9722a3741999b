package presencestate

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	redis "github.com/redis/go-redis/v9"

	"presencetrack/pkg/models"
)

// RedisConfig configures Redis access for the presence mirror.
type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

// RedisStore mirrors the live presence set into Redis: one hash per entity and a
// sorted set of entity ids scored by last-seen time. Evicted entities are removed.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore constructs a Redis-backed presence mirror.
func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
	if strings.TrimSpace(cfg.Addr) == "" {
		cfg.Addr = "127.0.0.1:6379"
	}
	if strings.TrimSpace(cfg.KeyPrefix) == "" {
		cfg.KeyPrefix = "presencetrack:presence"
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis presence mirror: %w", err)
	}

	return &RedisStore{client: client, prefix: strings.TrimSpace(cfg.KeyPrefix)}, nil
}

// WriteEvents applies a batch of presence transitions in order.
func (s *RedisStore) WriteEvents(events []*models.PresenceEvent) error {
	if len(events) == 0 {
		return nil
	}
	ctx := context.Background()
	pipe := s.client.TxPipeline()

	for _, ev := range events {
		if ev == nil || ev.Entity.ID == "" {
			continue
		}
		id := ev.Entity.ID
		switch ev.Kind {
		case models.PresenceEvicted:
			pipe.Del(ctx, s.entityKey(id))
			pipe.ZRem(ctx, s.lastSetKey(), id)
		default:
			body, err := json.Marshal(ev.Entity)
			if err != nil {
				return fmt.Errorf("marshal entity %s: %w", id, err)
			}
			pipe.HSet(ctx, s.entityKey(id),
				"entity", string(body),
				"appearance_id", ev.Entity.AppearanceID,
				"first_seen", strconv.FormatInt(ev.Entity.FirstSeen.UnixMilli(), 10),
				"last_seen", strconv.FormatInt(ev.Entity.LastSeen.UnixMilli(), 10),
			)
			pipe.ZAdd(ctx, s.lastSetKey(), redis.Z{Score: float64(ev.Entity.LastSeen.UnixMilli()), Member: id})
		}
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("update presence redis keys: %w", err)
	}
	return nil
}

// FetchPresent returns up to limit mirrored entities, most recently seen first.
func (s *RedisStore) FetchPresent(limit int64) ([]models.Entity, error) {
	if limit <= 0 {
		limit = 1000
	}
	ctx := context.Background()
	ids, err := s.client.ZRevRange(ctx, s.lastSetKey(), 0, limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("read present entity ids: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGet(ctx, s.entityKey(id), "entity")
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, fmt.Errorf("read present entities: %w", err)
	}

	out := make([]models.Entity, 0, len(ids))
	for _, cmd := range cmds {
		body, err := cmd.Result()
		if err != nil || body == "" {
			continue
		}
		var e models.Entity
		if err := json.Unmarshal([]byte(body), &e); err != nil {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// Reset removes every mirrored entity. The tracker starts empty, so the mirror is
// reset on startup.
func (s *RedisStore) Reset(ctx context.Context) error {
	ids, err := s.client.ZRange(ctx, s.lastSetKey(), 0, -1).Result()
	if err != nil {
		return fmt.Errorf("read present entity ids: %w", err)
	}
	keys := make([]string, 0, len(ids)+1)
	for _, id := range ids {
		keys = append(keys, s.entityKey(id))
	}
	keys = append(keys, s.lastSetKey())
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("reset presence mirror: %w", err)
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

func (s *RedisStore) entityKey(id string) string {
	return s.prefix + ":entity:" + id
}

func (s *RedisStore) lastSetKey() string {
	return s.prefix + ":last"
}
