package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/genselfie/api/internal/model"
)

const redisKeyPrefix = "pending:"

// RedisStore keeps pending sessions in Redis so takes stay exclusive
// across instances. GETDEL makes the take a single round trip; the TTL on
// the key replaces a reaper.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, ttl: ttl}
}

func (s *RedisStore) Put(ctx context.Context, sess *model.PendingSession) (string, error) {
	id := uuid.New().String()
	sess.ID = id
	sess.CreatedAt = time.Now()

	data, err := json.Marshal(sess)
	if err != nil {
		return "", fmt.Errorf("failed to marshal session: %w", err)
	}
	if err := s.client.Set(ctx, redisKeyPrefix+id, data, s.ttl).Err(); err != nil {
		return "", fmt.Errorf("failed to store session: %w", err)
	}
	return id, nil
}

func (s *RedisStore) TakeOnce(ctx context.Context, id string) (*model.PendingSession, bool) {
	data, err := s.client.GetDel(ctx, redisKeyPrefix+id).Bytes()
	if err == redis.Nil {
		return nil, false
	}
	if err != nil {
		log.Printf("[Session] Redis take failed: %v", err)
		return nil, false
	}

	var sess model.PendingSession
	if err := json.Unmarshal(data, &sess); err != nil {
		log.Printf("[Session] Corrupt session %s: %v", id, err)
		return nil, false
	}
	return &sess, true
}

// TTL reports how long stashed sessions live.
func (s *RedisStore) TTL() time.Duration {
	return s.ttl
}
