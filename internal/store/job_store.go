// Package store persists job records and feedback in Redis. Job updates use
// optimistic concurrency: every write is conditional on the version the
// caller last read, so concurrent orchestrator retries and cancellation
// requests are linearized instead of clobbering each other.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/planscope/api/internal/model"
)

var (
	// ErrNotFound is returned when a job id is unknown or expired.
	ErrNotFound = errors.New("job not found")
	// ErrConflict is returned when a conditional write loses a version race.
	ErrConflict = errors.New("job version conflict")
)

// JobStore is the persistence contract for job records.
type JobStore interface {
	Create(ctx context.Context, job *model.Job) error
	Get(ctx context.Context, jobID string) (*model.Job, error)
	// Update writes the job conditional on job.Version matching the stored
	// version; on success the version is bumped and UpdatedAt refreshed.
	Update(ctx context.Context, job *model.Job) error
	Delete(ctx context.Context, jobID string) error
}

// RedisJobStore stores each job as a JSON blob at job:{id} with the
// configured retention TTL.
type RedisJobStore struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisJobStore(rdb *redis.Client, ttl time.Duration) *RedisJobStore {
	return &RedisJobStore{rdb: rdb, ttl: ttl}
}

func jobKey(jobID string) string {
	return "job:" + jobID
}

// Create persists a new job record. Ids are collision-free by construction,
// so an existing key is a caller bug reported as a conflict.
func (s *RedisJobStore) Create(ctx context.Context, job *model.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}
	ok, err := s.rdb.SetNX(ctx, jobKey(job.ID), data, s.ttl).Result()
	if err != nil {
		return fmt.Errorf("failed to save job: %w", err)
	}
	if !ok {
		return ErrConflict
	}
	return nil
}

func (s *RedisJobStore) Get(ctx context.Context, jobID string) (*model.Job, error) {
	data, err := s.rdb.Get(ctx, jobKey(jobID)).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load job: %w", err)
	}
	var job model.Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}
	return &job, nil
}

// Update performs a compare-and-set on the job record. The stored version
// must equal job.Version; otherwise ErrConflict is returned and the caller
// re-reads before retrying.
func (s *RedisJobStore) Update(ctx context.Context, job *model.Job) error {
	key := jobKey(job.ID)
	expected := job.Version
	next := *job
	next.Version = expected + 1
	next.UpdatedAt = time.Now().UTC()

	err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err == redis.Nil {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		var current model.Job
		if err := json.Unmarshal(data, &current); err != nil {
			return fmt.Errorf("failed to unmarshal job: %w", err)
		}
		if current.Version != expected {
			return ErrConflict
		}
		payload, err := json.Marshal(&next)
		if err != nil {
			return fmt.Errorf("failed to marshal job: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, redis.KeepTTL)
			return nil
		})
		return err
	}, key)

	if err == redis.TxFailedErr {
		return ErrConflict
	}
	if err != nil {
		return err
	}

	job.Version = next.Version
	job.UpdatedAt = next.UpdatedAt
	return nil
}

// Delete removes a job record. Deleting an unknown id is a no-op.
func (s *RedisJobStore) Delete(ctx context.Context, jobID string) error {
	if err := s.rdb.Del(ctx, jobKey(jobID)).Err(); err != nil {
		return fmt.Errorf("failed to delete job: %w", err)
	}
	return nil
}
