package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var quietLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

type testJob struct {
	name  string
	runs  atomic.Int32
	run   func(ctx context.Context) error
	block chan struct{}
}

func (j *testJob) Name() string        { return j.name }
func (j *testJob) Description() string { return "test job " + j.name }

func (j *testJob) Run(ctx context.Context) error {
	j.runs.Add(1)
	if j.block != nil {
		select {
		case <-j.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if j.run != nil {
		return j.run(ctx)
	}
	return nil
}

func newTestScheduler() *Scheduler {
	return NewScheduler(SchedulerConfig{Logger: quietLogger, TickInterval: 5 * time.Millisecond})
}

// ─────────────────────────────────────────────────────────────────────────────
// Schedules
// ─────────────────────────────────────────────────────────────────────────────

func TestCronExpression_Next(t *testing.T) {
	base := time.Date(2026, 3, 14, 10, 7, 30, 0, time.UTC) // Saturday

	tests := []struct {
		expr string
		want time.Time
	}{
		{"*/5 * * * *", time.Date(2026, 3, 14, 10, 10, 0, 0, time.UTC)},
		{"0 3 * * *", time.Date(2026, 3, 15, 3, 0, 0, 0, time.UTC)},
		{"0 0 * * 0", time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC)},
		{"15,45 9-11 * * *", time.Date(2026, 3, 14, 10, 15, 0, 0, time.UTC)},
		{"0 12 1 4 *", time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			ce, err := ParseCronExpression(tt.expr)
			require.NoError(t, err)
			assert.Equal(t, tt.want, ce.Next(base))
			assert.Equal(t, tt.expr, ce.String())
		})
	}
}

func TestCronExpression_NextIsStrictlyAfter(t *testing.T) {
	ce := MustParseCronExpression("0 * * * *")
	at := time.Date(2026, 1, 1, 5, 0, 0, 0, time.UTC)
	assert.Equal(t, at.Add(time.Hour), ce.Next(at))
}

func TestCronExpression_Invalid(t *testing.T) {
	for _, expr := range []string{"", "* * * *", "60 * * * *", "*/0 * * * *", "5-1 * * * *", "a * * * *", "* * 0 * *"} {
		_, err := ParseCronExpression(expr)
		assert.ErrorIs(t, err, ErrInvalidSchedule, expr)
	}
}

func TestParseSchedule(t *testing.T) {
	s, err := ParseSchedule("@every 90s")
	require.NoError(t, err)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, base.Add(90*time.Second), s.Next(base))
	assert.Equal(t, "@every 1m30s", s.String())

	s, err = ParseSchedule("@daily")
	require.NoError(t, err)
	assert.Equal(t, base.Add(24*time.Hour), s.Next(base))

	_, err = ParseSchedule("@every nope")
	assert.ErrorIs(t, err, ErrInvalidSchedule)
	_, err = ParseSchedule("@weekly")
	assert.ErrorIs(t, err, ErrInvalidSchedule)
}

// ─────────────────────────────────────────────────────────────────────────────
// Scheduler
// ─────────────────────────────────────────────────────────────────────────────

func TestScheduler_Register(t *testing.T) {
	s := newTestScheduler()
	job := &testJob{name: "a"}

	require.NoError(t, s.Register(job, NewIntervalSchedule(time.Hour)))
	assert.ErrorIs(t, s.Register(job, NewIntervalSchedule(time.Hour)), ErrJobAlreadyExists)
	assert.ErrorIs(t, s.Register(nil, NewIntervalSchedule(time.Hour)), ErrNilJob)
	assert.ErrorIs(t, s.Register(&testJob{name: "b"}, nil), ErrNilSchedule)
	assert.ErrorIs(t, s.RegisterSpec(&testJob{name: "c"}, "@sometimes"), ErrInvalidSchedule)

	jobs := s.ListJobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, "a", jobs[0].Name)
	assert.Equal(t, "@every 1h0m0s", jobs[0].Schedule)
}

func TestScheduler_RunsDueJobs(t *testing.T) {
	s := newTestScheduler()
	job := &testJob{name: "tick"}
	require.NoError(t, s.Register(job, NewIntervalSchedule(10*time.Millisecond)))

	require.NoError(t, s.Start(context.Background()))
	assert.ErrorIs(t, s.Start(context.Background()), ErrSchedulerAlreadyRunning)

	assert.Eventually(t, func() bool { return job.runs.Load() >= 2 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, s.Stop())
	assert.ErrorIs(t, s.Stop(), ErrSchedulerNotRunning)
	assert.False(t, s.IsRunning())

	info, err := s.GetJobInfo("tick")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, info.RunCount, int64(2))
	assert.Zero(t, info.FailCount)
}

func TestScheduler_NoOverlap(t *testing.T) {
	s := newTestScheduler()
	job := &testJob{name: "slow", block: make(chan struct{})}
	require.NoError(t, s.Register(job, NewIntervalSchedule(time.Millisecond)))
	require.NoError(t, s.Start(context.Background()))

	assert.Eventually(t, func() bool {
		info, _ := s.GetJobInfo("slow")
		return info.Skipped >= 3
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), job.runs.Load())

	_, err := s.RunNow(context.Background(), "slow")
	assert.ErrorIs(t, err, ErrJobBusy)

	close(job.block)
	require.NoError(t, s.Stop())
}

func TestScheduler_DisabledJobDoesNotRun(t *testing.T) {
	s := newTestScheduler()
	job := &testJob{name: "off"}
	require.NoError(t, s.Register(job, NewIntervalSchedule(time.Millisecond)))
	require.NoError(t, s.DisableJob("off"))
	assert.ErrorIs(t, s.DisableJob("missing"), ErrJobNotFound)

	require.NoError(t, s.Start(context.Background()))
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, s.Stop())

	assert.Zero(t, job.runs.Load())
}

func TestScheduler_RunNowRecordsFailuresAndPanics(t *testing.T) {
	s := newTestScheduler()
	boom := errors.New("boom")

	require.NoError(t, s.Register(&testJob{name: "fails", run: func(context.Context) error { return boom }}, NewIntervalSchedule(time.Hour)))
	require.NoError(t, s.Register(&testJob{name: "panics", run: func(context.Context) error { panic("bad") }}, NewIntervalSchedule(time.Hour)))

	var mu sync.Mutex
	var completed []string
	s.OnJobComplete(func(r JobResult) {
		mu.Lock()
		completed = append(completed, r.JobName)
		mu.Unlock()
	})

	res, err := s.RunNow(context.Background(), "fails")
	assert.ErrorIs(t, err, boom)
	require.NotNil(t, res)
	assert.True(t, res.Manual)
	assert.False(t, res.Success)

	_, err = s.RunNow(context.Background(), "panics")
	assert.ErrorIs(t, err, ErrJobPanicked)

	_, err = s.RunNow(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrJobNotFound)

	snap := s.GetMetrics().Snapshot()
	assert.Equal(t, int64(2), snap.TotalExecutions)
	assert.Equal(t, int64(2), snap.TotalFailures)
	assert.Equal(t, int64(1), snap.FailuresByJob["panics"])

	assert.Len(t, s.GetHistory(0), 2)
	assert.Len(t, s.GetHistory(1), 1)
	assert.Equal(t, []string{"fails", "panics"}, completed)
}

func TestScheduler_HistoryIsCapped(t *testing.T) {
	s := NewScheduler(SchedulerConfig{Logger: quietLogger, MaxHistorySize: 3})
	require.NoError(t, s.Register(&testJob{name: "j"}, NewIntervalSchedule(time.Hour)))
	for i := 0; i < 5; i++ {
		_, err := s.RunNow(context.Background(), "j")
		require.NoError(t, err)
	}
	assert.Len(t, s.GetHistory(0), 3)
}
