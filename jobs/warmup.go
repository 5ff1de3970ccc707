package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/staffhub/staffhub/internal/jobs"
)

var defaultJobMetrics = jobmetrics.NewMetrics(nil)

// Warmer refreshes cached snapshots from the backend API.
type Warmer interface {
	Warm(ctx context.Context, roles []string) error
}

// WarmupJob pre-populates the permission cache so the first page loads after
// expiry do not hit the backend.
type WarmupJob struct {
	Warmer  Warmer
	Roles   []string
	Timeout time.Duration
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
	clock   func() time.Time
}

// NewWarmupJob wires dependencies for the warmup handler. roles is used when a
// task carries no roles of its own.
func NewWarmupJob(warmer Warmer, roles []string, logger *slog.Logger, metrics *jobmetrics.Metrics) *WarmupJob {
	return &WarmupJob{
		Warmer:  warmer,
		Roles:   roles,
		Timeout: 30 * time.Second,
		Logger:  logger,
		Metrics: metrics,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Handle processes TaskPermcacheWarmup tasks.
func (j *WarmupJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Warmer == nil {
		return errors.New("permcache warmup: handler not configured")
	}
	var payload WarmupPayload
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
		}
	}
	roles := normaliseRoles(payload.Roles)
	if len(roles) == 0 {
		roles = normaliseRoles(j.Roles)
	}

	tracker := j.metrics().Track(TaskPermcacheWarmup)
	var resultErr error
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	logger := j.logger().With(slog.Int("roles", len(roles)))
	logger.Info("starting permission cache warmup")

	start := j.now()
	warmCtx := ctx
	if j.Timeout > 0 {
		var cancel context.CancelFunc
		warmCtx, cancel = context.WithTimeout(ctx, j.Timeout)
		defer cancel()
	}
	if err := j.Warmer.Warm(warmCtx, roles); err != nil {
		resultErr = err
		logger.Error("warm permission cache", slog.Any("error", err))
		return resultErr
	}
	// One snapshot for all pages plus one per role.
	j.metrics().AddWarmed(TaskPermcacheWarmup, len(roles)+1)

	logger.Info("completed permission cache warmup", slog.Duration("duration", j.now().Sub(start)))
	return resultErr
}

func (j *WarmupJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskPermcacheWarmup))
	}
	return slog.Default().With(slog.String("job", TaskPermcacheWarmup))
}

func (j *WarmupJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

func (j *WarmupJob) now() time.Time {
	if j.clock != nil {
		return j.clock()
	}
	return time.Now().UTC()
}

func normaliseRoles(roles []string) []string {
	out := make([]string, 0, len(roles))
	seen := make(map[string]struct{}, len(roles))
	for _, r := range roles {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		if _, ok := seen[r]; ok {
			continue
		}
		seen[r] = struct{}{}
		out = append(out, r)
	}
	return out
}
