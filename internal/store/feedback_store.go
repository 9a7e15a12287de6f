package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/planscope/api/internal/model"
)

// FeedbackStore persists user feedback per job.
type FeedbackStore interface {
	Add(ctx context.Context, fb *model.Feedback) error
	List(ctx context.Context, jobID string) ([]model.Feedback, error)
}

// RedisFeedbackStore keeps feedback as a JSON list at feedback:{jobId},
// expiring on the same retention window as the job itself.
type RedisFeedbackStore struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisFeedbackStore(rdb *redis.Client, ttl time.Duration) *RedisFeedbackStore {
	return &RedisFeedbackStore{rdb: rdb, ttl: ttl}
}

func feedbackKey(jobID string) string {
	return "feedback:" + jobID
}

func (s *RedisFeedbackStore) Add(ctx context.Context, fb *model.Feedback) error {
	data, err := json.Marshal(fb)
	if err != nil {
		return fmt.Errorf("failed to marshal feedback: %w", err)
	}
	key := feedbackKey(fb.JobID)
	if err := s.rdb.RPush(ctx, key, data).Err(); err != nil {
		return fmt.Errorf("failed to save feedback: %w", err)
	}
	s.rdb.Expire(ctx, key, s.ttl)
	return nil
}

func (s *RedisFeedbackStore) List(ctx context.Context, jobID string) ([]model.Feedback, error) {
	items, err := s.rdb.LRange(ctx, feedbackKey(jobID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load feedback: %w", err)
	}
	feedback := make([]model.Feedback, 0, len(items))
	for _, item := range items {
		var fb model.Feedback
		if err := json.Unmarshal([]byte(item), &fb); err != nil {
			return nil, fmt.Errorf("failed to unmarshal feedback: %w", err)
		}
		feedback = append(feedback, fb)
	}
	return feedback, nil
}
