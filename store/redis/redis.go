// Package redis provides a CheckpointStore backed by Redis. Checkpoints are
// stored as JSON strings, indexed per workflow by a sorted set scored with
// the iteration count so Latest is a single ZRANGE.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/smallnest/agentflowgo/log"
	"github.com/smallnest/agentflowgo/store"
)

// RedisCheckpointStore implements store.CheckpointStore using Redis.
type RedisCheckpointStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

var _ store.CheckpointStore = (*RedisCheckpointStore)(nil)

// RedisOptions configures the Redis connection.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Prefix   string        // Key prefix, default "agentflow:"
	TTL      time.Duration // Expiration for checkpoints, default 0 (no expiration)
}

// NewRedisCheckpointStore creates a new Redis checkpoint store.
func NewRedisCheckpointStore(opts RedisOptions) *RedisCheckpointStore {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	return NewRedisCheckpointStoreWithClient(client, opts.Prefix, opts.TTL)
}

// NewRedisCheckpointStoreWithClient wraps an existing client. Useful for
// testing with miniredis.
func NewRedisCheckpointStoreWithClient(client *redis.Client, prefix string, ttl time.Duration) *RedisCheckpointStore {
	if prefix == "" {
		prefix = "agentflow:"
	}
	return &RedisCheckpointStore{client: client, prefix: prefix, ttl: ttl}
}

func (s *RedisCheckpointStore) checkpointKey(id string) string {
	return fmt.Sprintf("%scheckpoint:%s", s.prefix, id)
}

func (s *RedisCheckpointStore) workflowKey(name string) string {
	return fmt.Sprintf("%sworkflow:%s:checkpoints", s.prefix, name)
}

func (s *RedisCheckpointStore) indexKey() string {
	return s.prefix + "checkpoints"
}

// Save stores a checkpoint and indexes it under its workflow name.
func (s *RedisCheckpointStore) Save(ctx context.Context, checkpoint *store.WorkflowCheckpoint) (string, error) {
	data, err := json.Marshal(checkpoint)
	if err != nil {
		return "", &store.CheckpointError{Message: "marshal checkpoint", Err: err}
	}

	member := redis.Z{Score: float64(checkpoint.IterationCount), Member: checkpoint.CheckpointID}

	pipe := s.client.Pipeline()
	pipe.Set(ctx, s.checkpointKey(checkpoint.CheckpointID), data, s.ttl)
	pipe.ZAdd(ctx, s.workflowKey(checkpoint.WorkflowName), member)
	pipe.ZAdd(ctx, s.indexKey(), member)
	if s.ttl > 0 {
		pipe.Expire(ctx, s.workflowKey(checkpoint.WorkflowName), s.ttl)
		pipe.Expire(ctx, s.indexKey(), s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return "", &store.CheckpointError{Message: "save checkpoint to redis", Err: err}
	}
	return checkpoint.CheckpointID, nil
}

// Load retrieves a checkpoint by ID.
func (s *RedisCheckpointStore) Load(ctx context.Context, checkpointID string) (*store.WorkflowCheckpoint, error) {
	data, err := s.client.Get(ctx, s.checkpointKey(checkpointID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, &store.CheckpointError{Message: checkpointID, Err: store.ErrNotFound}
		}
		return nil, &store.CheckpointError{Message: "load checkpoint from redis", Err: err}
	}

	var cp store.WorkflowCheckpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, &store.CheckpointError{Message: "corrupted checkpoint " + checkpointID, Err: err}
	}
	return &cp, nil
}

// Delete removes a checkpoint and its index entries.
func (s *RedisCheckpointStore) Delete(ctx context.Context, checkpointID string) (bool, error) {
	cp, err := s.Load(ctx, checkpointID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return false, nil
		}
		return false, err
	}

	pipe := s.client.Pipeline()
	pipe.Del(ctx, s.checkpointKey(checkpointID))
	pipe.ZRem(ctx, s.workflowKey(cp.WorkflowName), checkpointID)
	pipe.ZRem(ctx, s.indexKey(), checkpointID)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, &store.CheckpointError{Message: "delete checkpoint from redis", Err: err}
	}
	return true, nil
}

// List returns checkpoints ordered by iteration count. Entries that fail to
// decode are logged and skipped.
func (s *RedisCheckpointStore) List(ctx context.Context, workflowName string) ([]*store.WorkflowCheckpoint, error) {
	ids, err := s.ListIDs(ctx, workflowName)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, 0, len(ids))
	for _, id := range ids {
		keys = append(keys, s.checkpointKey(id))
	}
	results, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, &store.CheckpointError{Message: "fetch checkpoints", Err: err}
	}

	var out []*store.WorkflowCheckpoint
	for i, result := range results {
		if result == nil {
			continue // expired
		}
		raw, ok := result.(string)
		if !ok {
			continue
		}
		var cp store.WorkflowCheckpoint
		if err := json.Unmarshal([]byte(raw), &cp); err != nil {
			log.Warn("skipping corrupted checkpoint %s: %v", ids[i], err)
			continue
		}
		out = append(out, &cp)
	}
	return out, nil
}

// ListIDs returns checkpoint IDs ordered by iteration count.
func (s *RedisCheckpointStore) ListIDs(ctx context.Context, workflowName string) ([]string, error) {
	key := s.indexKey()
	if workflowName != "" {
		key = s.workflowKey(workflowName)
	}
	ids, err := s.client.ZRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, &store.CheckpointError{Message: "list checkpoints", Err: err}
	}
	return ids, nil
}

// Latest returns the checkpoint with the highest iteration count, or nil.
func (s *RedisCheckpointStore) Latest(ctx context.Context, workflowName string) (*store.WorkflowCheckpoint, error) {
	ids, err := s.client.ZRevRange(ctx, s.workflowKey(workflowName), 0, 0).Result()
	if err != nil {
		return nil, &store.CheckpointError{Message: "latest checkpoint", Err: err}
	}
	if len(ids) == 0 {
		return nil, nil
	}
	return s.Load(ctx, ids[0])
}

// Close releases the underlying client.
func (s *RedisCheckpointStore) Close() error {
	return s.client.Close()
}
