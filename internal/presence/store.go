package presence

import (
	"context"
	"errors"
	"strconv"
	"sync"

	"github.com/redis/go-redis/v9"

	"chat-realtime/internal/models"
)

// Store holds the durable status of each user. An absent user is offline.
type Store interface {
	Set(ctx context.Context, userID int64, status models.Status) error
	Get(ctx context.Context, userID int64) (models.Status, error)
	GetMany(ctx context.Context, userIDs []int64) (map[int64]models.Status, error)
	Clear(ctx context.Context, userID int64) error
}

// RedisStore keeps one key per user: chat:presence:<id> -> status.
type RedisStore struct {
	rdb    redis.UniversalClient
	prefix string
}

func NewRedisStore(rdb redis.UniversalClient) *RedisStore {
	return &RedisStore{rdb: rdb, prefix: "chat:presence:"}
}

func (s *RedisStore) key(userID int64) string {
	return s.prefix + strconv.FormatInt(userID, 10)
}

func (s *RedisStore) Set(ctx context.Context, userID int64, status models.Status) error {
	return s.rdb.Set(ctx, s.key(userID), string(status), 0).Err()
}

func (s *RedisStore) Get(ctx context.Context, userID int64) (models.Status, error) {
	val, err := s.rdb.Get(ctx, s.key(userID)).Result()
	if errors.Is(err, redis.Nil) {
		return models.StatusOffline, nil
	}
	if err != nil {
		return "", err
	}
	return models.Status(val), nil
}

func (s *RedisStore) GetMany(ctx context.Context, userIDs []int64) (map[int64]models.Status, error) {
	out := make(map[int64]models.Status, len(userIDs))
	if len(userIDs) == 0 {
		return out, nil
	}
	keys := make([]string, len(userIDs))
	for i, id := range userIDs {
		keys[i] = s.key(id)
	}
	vals, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	for i, id := range userIDs {
		out[id] = models.StatusOffline
		if v, ok := vals[i].(string); ok && v != "" {
			out[id] = models.Status(v)
		}
	}
	return out, nil
}

func (s *RedisStore) Clear(ctx context.Context, userID int64) error {
	return s.rdb.Del(ctx, s.key(userID)).Err()
}

// MemoryStore is used when no redis address is configured, and in tests.
type MemoryStore struct {
	mu       sync.RWMutex
	statuses map[int64]models.Status
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{statuses: make(map[int64]models.Status)}
}

func (s *MemoryStore) Set(_ context.Context, userID int64, status models.Status) error {
	s.mu.Lock()
	s.statuses[userID] = status
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Get(_ context.Context, userID int64) (models.Status, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if st, ok := s.statuses[userID]; ok {
		return st, nil
	}
	return models.StatusOffline, nil
}

func (s *MemoryStore) GetMany(ctx context.Context, userIDs []int64) (map[int64]models.Status, error) {
	out := make(map[int64]models.Status, len(userIDs))
	for _, id := range userIDs {
		out[id], _ = s.Get(ctx, id)
	}
	return out, nil
}

func (s *MemoryStore) Clear(_ context.Context, userID int64) error {
	s.mu.Lock()
	delete(s.statuses, userID)
	s.mu.Unlock()
	return nil
}
