// Package catalog reads model runs published by external tooling into Redis.
// The service never writes to it.
package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const (
	runPrefix   = "model_run_"
	metadataKey = "app_metadata"
)

// ModelRun is a published run document.
type ModelRun struct {
	ID           string         `json:"id"`
	ModelName    string         `json:"model_name"`
	Status       string         `json:"status"`
	CreatedAt    time.Time      `json:"created_at"`
	StartedAt    *time.Time     `json:"started_at,omitempty"`
	CompletedAt  *time.Time     `json:"completed_at,omitempty"`
	Parameters   map[string]any `json:"parameters,omitempty"`
	ResultFiles  []string       `json:"result_files"`
	ErrorMessage *string        `json:"error_message"`
}

// Metadata is the catalog-wide summary document.
type Metadata struct {
	TotalRuns   int       `json:"total_runs"`
	LastUpdated time.Time `json:"last_updated"`
}

// Catalog looks up published runs. Lookups degrade to empty results on Redis
// errors so the API keeps serving.
type Catalog struct {
	client *redis.Client
	log    *logrus.Entry
	now    func() time.Time
}

// New wraps a Redis client. The client is owned by the caller.
func New(client *redis.Client, log *logrus.Entry) *Catalog {
	return &Catalog{client: client, log: log, now: time.Now}
}

// Get returns the run, or nil when it does not exist or cannot be read.
func (c *Catalog) Get(ctx context.Context, id string) *ModelRun {
	raw, err := c.client.Get(ctx, runPrefix+id).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.log.WithError(err).WithField("run_id", id).Warn("catalog lookup failed")
		}
		return nil
	}
	run, err := decodeRun(id, raw)
	if err != nil {
		c.log.WithError(err).WithField("run_id", id).Warn("catalog entry unreadable")
		return nil
	}
	return run
}

// All returns every published run, newest first.
func (c *Catalog) All(ctx context.Context) []ModelRun {
	var keys []string
	iter := c.client.Scan(ctx, 0, runPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		c.log.WithError(err).Warn("catalog scan failed")
		return []ModelRun{}
	}
	if len(keys) == 0 {
		return []ModelRun{}
	}
	sort.Strings(keys)

	vals, err := c.client.MGet(ctx, keys...).Result()
	if err != nil {
		c.log.WithError(err).Warn("catalog fetch failed")
		return []ModelRun{}
	}
	runs := make([]ModelRun, 0, len(vals))
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue
		}
		id := strings.TrimPrefix(keys[i], runPrefix)
		run, err := decodeRun(id, []byte(s))
		if err != nil {
			c.log.WithError(err).WithField("run_id", id).Warn("catalog entry unreadable")
			continue
		}
		runs = append(runs, *run)
	}
	sort.SliceStable(runs, func(a, b int) bool { return runs[a].CreatedAt.After(runs[b].CreatedAt) })
	return runs
}

// Exists reports whether a run has been published.
func (c *Catalog) Exists(ctx context.Context, id string) bool {
	n, err := c.client.Exists(ctx, runPrefix+id).Result()
	if err != nil {
		c.log.WithError(err).WithField("run_id", id).Warn("catalog exists check failed")
		return false
	}
	return n > 0
}

// Metadata returns the summary document, or zero totals stamped now when absent.
func (c *Catalog) Metadata(ctx context.Context) Metadata {
	fallback := Metadata{LastUpdated: c.now().UTC()}
	raw, err := c.client.Get(ctx, metadataKey).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.log.WithError(err).Warn("catalog metadata lookup failed")
		}
		return fallback
	}
	var md Metadata
	if err := json.Unmarshal(raw, &md); err != nil {
		c.log.WithError(err).Warn("catalog metadata unreadable")
		return fallback
	}
	return md
}

func decodeRun(id string, raw []byte) (*ModelRun, error) {
	var run ModelRun
	if err := json.Unmarshal(raw, &run); err != nil {
		return nil, fmt.Errorf("decode model run: %w", err)
	}
	if run.ID == "" {
		run.ID = id
	}
	return &run, nil
}
