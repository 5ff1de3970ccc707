package jobs

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	jobmetrics "github.com/staffhub/staffhub/internal/jobs"
)

type stubWarmer struct {
	roles    []string
	calls    int
	deadline bool
	err      error
}

func (s *stubWarmer) Warm(ctx context.Context, roles []string) error {
	s.calls++
	s.roles = roles
	_, s.deadline = ctx.Deadline()
	return s.err
}

func TestWarmupJobUsesPayloadRoles(t *testing.T) {
	warmer := &stubWarmer{}
	job := NewWarmupJob(warmer, []string{"fallback"}, nil, jobmetrics.NewMetrics(prometheus.NewRegistry()))

	task, err := NewWarmupTask([]string{" admin ", "hr", "admin", ""})
	require.NoError(t, err)
	require.Equal(t, TaskPermcacheWarmup, task.Type())

	require.NoError(t, job.Handle(context.Background(), task))
	require.Equal(t, 1, warmer.calls)
	require.Equal(t, []string{"admin", "hr"}, warmer.roles)
	require.True(t, warmer.deadline)
}

func TestWarmupJobFallsBackToConfiguredRoles(t *testing.T) {
	warmer := &stubWarmer{}
	job := NewWarmupJob(warmer, []string{"manager"}, nil, nil)
	job.clock = func() time.Time { return time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC) }

	require.NoError(t, job.Handle(context.Background(), asynq.NewTask(TaskPermcacheWarmup, nil)))
	require.Equal(t, []string{"manager"}, warmer.roles)
}

func TestWarmupJobPropagatesWarmError(t *testing.T) {
	boom := errors.New("backend unavailable")
	job := NewWarmupJob(&stubWarmer{err: boom}, nil, nil, nil)
	task, err := NewWarmupTask(nil)
	require.NoError(t, err)

	require.ErrorIs(t, job.Handle(context.Background(), task), boom)
}

func TestWarmupJobBadPayload(t *testing.T) {
	job := NewWarmupJob(&stubWarmer{}, nil, nil, nil)
	err := job.Handle(context.Background(), asynq.NewTask(TaskPermcacheWarmup, []byte("not json")))
	require.ErrorIs(t, err, asynq.SkipRetry)
}
