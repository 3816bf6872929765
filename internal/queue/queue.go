// Package queue mirrors render job records into Redis so they survive restarts.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/bobarin/reelcomposer/internal/models"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

const (
	keyPrefix = "render:job:"
	indexKey  = "render:jobs"
)

// RedisJobStore keeps one JSON record per job under render:job:<id> plus an
// index set of known ids. Records expire on their own after ttl, so a crashed
// process never leaks keys.
type RedisJobStore struct {
	client *redis.Client
	ttl    time.Duration
}

func New(redisURL string, ttl time.Duration) (*RedisJobStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisJobStore{client: client, ttl: ttl}, nil
}

func (s *RedisJobStore) Close() error {
	return s.client.Close()
}

func jobKey(id uuid.UUID) string {
	return keyPrefix + id.String()
}

func (s *RedisJobStore) SaveJob(ctx context.Context, job *models.RenderJob) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, jobKey(job.ID), data, s.ttl)
	pipe.SAdd(ctx, indexKey, job.ID.String())
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save job %s: %w", job.ID, err)
	}
	return nil
}

func (s *RedisJobStore) DeleteJob(ctx context.Context, id uuid.UUID) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, jobKey(id))
	pipe.SRem(ctx, indexKey, id.String())
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to delete job %s: %w", id, err)
	}
	return nil
}

// ListJobs returns every live record. Index entries whose key already expired
// are pruned on the way.
func (s *RedisJobStore) ListJobs(ctx context.Context) ([]models.RenderJob, error) {
	ids, err := s.client.SMembers(ctx, indexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list job ids: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = keyPrefix + id
	}

	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load jobs: %w", err)
	}

	jobs, stale := decodeRecords(ids, values)
	if len(stale) > 0 {
		members := make([]interface{}, len(stale))
		for i, id := range stale {
			members[i] = id
		}
		if err := s.client.SRem(ctx, indexKey, members...).Err(); err != nil {
			return nil, fmt.Errorf("failed to prune job index: %w", err)
		}
	}
	return jobs, nil
}

// decodeRecords pairs MGET results with their ids. Missing or unreadable
// values are reported as stale.
func decodeRecords(ids []string, values []interface{}) ([]models.RenderJob, []string) {
	var jobs []models.RenderJob
	var stale []string
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			stale = append(stale, ids[i])
			continue
		}
		var job models.RenderJob
		if err := json.Unmarshal([]byte(raw), &job); err != nil {
			stale = append(stale, ids[i])
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, stale
}
