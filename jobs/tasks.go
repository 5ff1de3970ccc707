package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/staffhub/staffhub/internal/jobs"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskPermcacheInvalidate drops permission cache entries on every instance
	// sharing the store.
	TaskPermcacheInvalidate = "permcache:invalidate"
	// TaskPermcacheWarmup refreshes the page and role snapshots.
	TaskPermcacheWarmup = "permcache:warmup"
)

// Scope selects what an invalidate task drops.
type Scope string

const (
	ScopeKey    Scope = "key"
	ScopePrefix Scope = "prefix"
	ScopePage   Scope = "page"
	ScopeRole   Scope = "role"
	ScopeUser   Scope = "user"
	ScopeAll    Scope = "all"
)

// ErrInvalidScope is returned for payloads the invalidate job cannot apply.
var ErrInvalidScope = errors.New("jobs: invalid invalidate scope")

// InvalidatePayload describes one invalidation request.
type InvalidatePayload struct {
	Scope Scope  `json:"scope"`
	Value string `json:"value,omitempty"`
}

// Validate checks the scope and that every scope except all carries a value.
func (p InvalidatePayload) Validate() error {
	switch p.Scope {
	case ScopeAll:
		return nil
	case ScopeKey, ScopePrefix, ScopePage, ScopeRole, ScopeUser:
		if strings.TrimSpace(p.Value) == "" {
			return fmt.Errorf("%w: %s needs a value", ErrInvalidScope, p.Scope)
		}
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrInvalidScope, p.Scope)
	}
}

// NewInvalidateTask constructs an Asynq invalidate task.
func NewInvalidateTask(payload InvalidatePayload) (*asynq.Task, error) {
	if err := payload.Validate(); err != nil {
		return nil, err
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskPermcacheInvalidate, data), nil
}

// WarmupPayload lists the roles whose page permissions are refreshed. An
// empty list refreshes only the page snapshot.
type WarmupPayload struct {
	Roles []string `json:"roles,omitempty"`
}

// NewWarmupTask constructs an Asynq warmup task.
func NewWarmupTask(roles []string) (*asynq.Task, error) {
	data, err := json.Marshal(WarmupPayload{Roles: roles})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskPermcacheWarmup, data), nil
}

// Invalidator is the cache surface the invalidate job drives.
type Invalidator interface {
	Invalidate(ctx context.Context, key string) error
	InvalidatePrefix(ctx context.Context, prefix string) error
	InvalidatePage(ctx context.Context, pageKey string) error
	InvalidateRole(ctx context.Context, roleKey string) error
	InvalidateUser(ctx context.Context, userID string) error
	Clear(ctx context.Context) error
}

// InvalidateJob applies invalidate tasks to the permission cache.
type InvalidateJob struct {
	Cache   Invalidator
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewInvalidateJob wires dependencies for the invalidate handler.
func NewInvalidateJob(cache Invalidator, logger *slog.Logger, metrics *jobmetrics.Metrics) *InvalidateJob {
	return &InvalidateJob{Cache: cache, Logger: logger, Metrics: metrics}
}

// Handle processes TaskPermcacheInvalidate tasks.
func (j *InvalidateJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Cache == nil {
		return errors.New("permcache invalidate: handler not configured")
	}
	var payload InvalidatePayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
	}
	if err := payload.Validate(); err != nil {
		return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
	}

	tracker := j.metrics().Track(TaskPermcacheInvalidate)
	err := tracker.End(j.apply(ctx, payload))
	logger := j.logger().With(slog.String("scope", string(payload.Scope)), slog.String("value", payload.Value))
	if err != nil {
		logger.Error("invalidate permission cache", slog.Any("error", err))
		return err
	}
	logger.Info("permission cache invalidated")
	return nil
}

func (j *InvalidateJob) apply(ctx context.Context, p InvalidatePayload) error {
	switch p.Scope {
	case ScopeKey:
		return j.Cache.Invalidate(ctx, p.Value)
	case ScopePrefix:
		return j.Cache.InvalidatePrefix(ctx, p.Value)
	case ScopePage:
		return j.Cache.InvalidatePage(ctx, p.Value)
	case ScopeRole:
		return j.Cache.InvalidateRole(ctx, p.Value)
	case ScopeUser:
		return j.Cache.InvalidateUser(ctx, p.Value)
	default:
		return j.Cache.Clear(ctx)
	}
}

func (j *InvalidateJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskPermcacheInvalidate))
	}
	return slog.Default().With(slog.String("job", TaskPermcacheInvalidate))
}

func (j *InvalidateJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}
