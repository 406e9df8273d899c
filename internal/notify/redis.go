package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// RecordPrefix is the Redis key prefix for notification hashes.
	RecordPrefix = "notification:"

	// ListPrefix is the Redis key prefix for a user's newest-first id list.
	ListPrefix = "notifications:"

	// RecordTTL is how long a notification hash is kept.
	RecordTTL = 30 * 24 * time.Hour
)

// redisRecord is the hash layout of one record.
type redisRecord struct {
	ID             string `redis:"id"`
	Kind           string `redis:"kind"`
	Type           string `redis:"type"`
	Title          string `redis:"title"`
	Message        string `redis:"message"`
	Route          string `redis:"route"`
	ConversationID string `redis:"conversation_id"`
	JobID          string `redis:"job_id"`
	JobPostID      string `redis:"job_post_id"`
	ActorID        string `redis:"actor_id"`
	CreatedAt      int64  `redis:"created_at"` // unix millis
	Read           bool   `redis:"read"`
}

// RedisStore keeps records as hashes with a per-user id list. The badge count
// is derived from the hashes the list still holds, so trimmed and expired
// records never count.
type RedisStore struct {
	client *redis.Client
	max    int
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(addr string, db, max int) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr: addr,
		DB:   db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("notify: redis connection failed: %w", err)
	}

	return NewRedisStoreWithClient(client, max), nil
}

// NewRedisStoreWithClient wraps an existing client.
func NewRedisStoreWithClient(client *redis.Client, max int) *RedisStore {
	if max <= 0 {
		max = DefaultMaxRecords
	}
	return &RedisStore{client: client, max: max}
}

func listKey(userID string) string { return ListPrefix + userID }
func recordKey(id string) string   { return RecordPrefix + id }

// Add stores the record hash and pushes its id. Ids pushed past the cap are
// trimmed from the list and their hashes deleted.
func (s *RedisStore) Add(ctx context.Context, userID string, r Record) error {
	key := recordKey(r.ID)
	read := 0
	if r.Read {
		read = 1
	}

	fields := map[string]interface{}{
		"id":              r.ID,
		"kind":            r.Kind,
		"type":            r.Type,
		"title":           r.Title,
		"message":         r.Message,
		"route":           r.Route,
		"conversation_id": r.ConversationID,
		"job_id":          r.JobID,
		"job_post_id":     r.JobPostID,
		"actor_id":        r.ActorID,
		"created_at":      r.CreatedAt.UnixMilli(),
		"read":            read,
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, fields)
	pipe.Expire(ctx, key, RecordTTL)
	pipe.LPush(ctx, listKey(userID), r.ID)
	evicted := pipe.LRange(ctx, listKey(userID), int64(s.max), -1)
	pipe.LTrim(ctx, listKey(userID), 0, int64(s.max-1))
	if _, err := pipe.Exec(ctx); err != nil {
		return err
	}

	ids := evicted.Val()
	if len(ids) == 0 {
		return nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = recordKey(id)
	}
	return s.client.Del(ctx, keys...).Err()
}

// List returns up to limit records, newest first. Expired hashes are
// skipped.
func (s *RedisStore) List(ctx context.Context, userID string, limit int) ([]Record, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}
	ids, err := s.client.LRange(ctx, listKey(userID), 0, stop).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, recordKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}

	out := make([]Record, 0, len(ids))
	for _, cmd := range cmds {
		var rr redisRecord
		if err := cmd.Scan(&rr); err != nil {
			return nil, err
		}
		if rr.ID == "" {
			continue
		}
		out = append(out, Record{
			ID:             rr.ID,
			Kind:           rr.Kind,
			Type:           rr.Type,
			Title:          rr.Title,
			Message:        rr.Message,
			Route:          rr.Route,
			ConversationID: rr.ConversationID,
			JobID:          rr.JobID,
			JobPostID:      rr.JobPostID,
			ActorID:        rr.ActorID,
			CreatedAt:      time.UnixMilli(rr.CreatedAt).UTC(),
			Read:           rr.Read,
		})
	}
	return out, nil
}

// Unread returns the badge count: records in the user's list whose hash is
// still present and not read.
func (s *RedisStore) Unread(ctx context.Context, userID string) (int, error) {
	ids, err := s.client.LRange(ctx, listKey(userID), 0, -1).Result()
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGet(ctx, recordKey(id), "read")
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return 0, err
	}

	n := 0
	for _, cmd := range cmds {
		read, err := cmd.Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return 0, err
		}
		if read != "1" {
			n++
		}
	}
	return n, nil
}

// MarkRead flags the record. Marking a read record again is a no-op.
func (s *RedisStore) MarkRead(ctx context.Context, userID, id string) error {
	key := recordKey(id)
	n, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return s.client.HSet(ctx, key, "read", 1).Err()
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
