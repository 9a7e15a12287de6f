// Package cache mediates stage-result caching across two tiers: a fast
// Redis tier for preview results and a durable blob tier for the expensive
// intermediate/final artifacts. Caching is an optimization, never a
// correctness dependency: reads that fail are misses, writes are
// fire-and-forget.
package cache

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/planscope/api/internal/metrics"
	"github.com/planscope/api/internal/model"
)

// ErrMiss is returned by KV implementations for an absent or expired key.
var ErrMiss = errors.New("cache miss")

// KV is the fast-tier contract (Redis in production).
type KV interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
}

// BlobStore is the durable-tier contract (S3 in production).
type BlobStore interface {
	Upload(ctx context.Context, key string, body io.Reader, contentType string) (string, error)
	Download(ctx context.Context, key string) ([]byte, error)
}

// Coordinator routes lookups and stores to the tier appropriate for the
// stage. Entries are keyed by (fingerprint, stage, model version), so a
// model upgrade can never serve stale results and stages cannot collide.
type Coordinator struct {
	fast       KV
	durable    BlobStore
	fastTTL    time.Duration
	durableTTL time.Duration
}

func NewCoordinator(fast KV, durable BlobStore, fastTTL, durableTTL time.Duration) *Coordinator {
	return &Coordinator{
		fast:       fast,
		durable:    durable,
		fastTTL:    fastTTL,
		durableTTL: durableTTL,
	}
}

// FastKey builds the fast-tier key for a stage result.
func FastKey(fingerprint string, stage model.Stage, version string) string {
	return fmt.Sprintf("%s:%s:%s", stage, fingerprint, version)
}

// DurableKey builds the durable-tier object key for a stage result.
func DurableKey(fingerprint string, stage model.Stage, version string) string {
	return fmt.Sprintf("cache/%s/%s/%s.json", stage, fingerprint, version)
}

// Lookup returns the cached result for (fingerprint, stage, version), or
// ok=false on a miss. Preview queries the fast tier; all other stages query
// the durable tier only. Any read failure counts as a miss.
func (c *Coordinator) Lookup(ctx context.Context, fingerprint string, stage model.Stage, version string) (*model.StageResult, bool) {
	var (
		data []byte
		tier string
	)

	if stage == model.StagePreview {
		tier = "fast"
		value, err := c.fast.Get(ctx, FastKey(fingerprint, stage, version))
		if err != nil {
			if !errors.Is(err, ErrMiss) {
				log.Printf("[Cache] fast-tier read failed for stage %s: %v (treating as miss)", stage, err)
			}
			metrics.CacheMisses.WithLabelValues(string(stage)).Inc()
			return nil, false
		}
		data = []byte(value)
	} else {
		tier = "durable"
		blob, err := c.durable.Download(ctx, DurableKey(fingerprint, stage, version))
		if err != nil {
			metrics.CacheMisses.WithLabelValues(string(stage)).Inc()
			return nil, false
		}
		data = blob
	}

	var result model.StageResult
	if err := json.Unmarshal(data, &result); err != nil {
		log.Printf("[Cache] corrupt %s-tier entry for stage %s: %v (treating as miss)", tier, stage, err)
		metrics.CacheMisses.WithLabelValues(string(stage)).Inc()
		return nil, false
	}

	// The blob tier has no native expiry; entries past the durable TTL are
	// treated as misses so a lifecycle-rule lag cannot serve stale data.
	if tier == "durable" && time.Since(result.ProducedAt) > c.durableTTL {
		metrics.CacheMisses.WithLabelValues(string(stage)).Inc()
		return nil, false
	}

	result.ServedFromCache = true
	metrics.CacheHits.WithLabelValues(string(stage), tier).Inc()
	return &result, true
}

// Store writes the stage result to its tier asynchronously. The pipeline
// never waits on or observes the outcome; a failed write only forfeits a
// future hit.
func (c *Coordinator) Store(fingerprint string, stage model.Stage, version string, result *model.StageResult) {
	entry := *result
	entry.ServedFromCache = false
	if entry.ProducedAt.IsZero() {
		entry.ProducedAt = time.Now().UTC()
	}

	data, err := json.Marshal(&entry)
	if err != nil {
		log.Printf("[Cache] failed to marshal entry for stage %s: %v", stage, err)
		return
	}

	go c.write(fingerprint, stage, version, data)
}

// write makes a bounded best-effort attempt to persist the entry, detached
// from the pipeline's context so cancellation cannot abort it mid-flight.
func (c *Coordinator) write(fingerprint string, stage model.Stage, version string, data []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var err error
	for attempt := 1; attempt <= 2; attempt++ {
		if stage == model.StagePreview {
			err = c.fast.Set(ctx, FastKey(fingerprint, stage, version), string(data), c.fastTTL)
		} else {
			_, err = c.durable.Upload(ctx, DurableKey(fingerprint, stage, version), bytes.NewReader(data), "application/json")
		}
		if err == nil {
			return
		}
		if attempt == 1 {
			select {
			case <-ctx.Done():
				break
			case <-time.After(500 * time.Millisecond):
			}
		}
	}

	log.Printf("[Cache] dropping %s-stage entry after failed write: %v", stage, err)
	metrics.CacheStoreFailures.WithLabelValues(string(stage)).Inc()
}
