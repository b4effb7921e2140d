package schedule

import (
	"context"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRegisterValidation(t *testing.T) {
	t.Parallel()

	s := New(discardLogger())

	assert.Error(t, s.Register(Task{Every: time.Second, Run: func(ctx context.Context) {}}))
	assert.Error(t, s.Register(Task{Name: "t", Run: func(ctx context.Context) {}}))
	assert.Error(t, s.Register(Task{Name: "t", Every: -time.Second, Run: func(ctx context.Context) {}}))
	assert.Error(t, s.Register(Task{Name: "t", Every: time.Second}))
	assert.NoError(t, s.Register(Task{Name: "t", Every: time.Second, Run: func(ctx context.Context) {}}))
}

func TestRegisterSameNameReplaces(t *testing.T) {
	t.Parallel()

	s := New(discardLogger())

	var first, second atomic.Int64
	require.NoError(t, s.Register(Task{
		Name:  "sweep",
		Every: 10 * time.Millisecond,
		Run:   func(ctx context.Context) { first.Add(1) },
	}))
	require.NoError(t, s.Register(Task{
		Name:  "sweep",
		Every: 10 * time.Millisecond,
		Run:   func(ctx context.Context) { second.Add(1) },
	}))

	require.NoError(t, s.Start())
	defer s.Stop()

	assert.Eventually(t, func() bool {
		return second.Load() >= 2
	}, time.Second, 5*time.Millisecond)
	assert.Zero(t, first.Load(), "replaced task must never run")
}

func TestTasksRunOnInterval(t *testing.T) {
	t.Parallel()

	s := New(discardLogger())

	var runs atomic.Int64
	require.NoError(t, s.Register(Task{
		Name:  "tick",
		Every: 10 * time.Millisecond,
		Run:   func(ctx context.Context) { runs.Add(1) },
	}))

	require.NoError(t, s.Start())
	assert.Eventually(t, func() bool {
		return runs.Load() >= 3
	}, time.Second, 5*time.Millisecond)
	s.Stop()

	after := runs.Load()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, after, runs.Load(), "no runs after Stop")
}

func TestStartTwiceFails(t *testing.T) {
	t.Parallel()

	s := New(discardLogger())
	require.NoError(t, s.Start())
	defer s.Stop()

	assert.Error(t, s.Start())
	assert.Error(t, s.Register(Task{Name: "late", Every: time.Second, Run: func(ctx context.Context) {}}))
}

func TestPanickingTaskKeepsTicking(t *testing.T) {
	t.Parallel()

	s := New(discardLogger())

	var runs atomic.Int64
	require.NoError(t, s.Register(Task{
		Name:  "explosive",
		Every: 10 * time.Millisecond,
		Run: func(ctx context.Context) {
			runs.Add(1)
			panic("boom")
		},
	}))

	require.NoError(t, s.Start())
	defer s.Stop()

	assert.Eventually(t, func() bool {
		return runs.Load() >= 3
	}, time.Second, 5*time.Millisecond)
}

func TestStopCancelsTaskContext(t *testing.T) {
	t.Parallel()

	s := New(discardLogger())

	cancelled := make(chan struct{})
	require.NoError(t, s.Register(Task{
		Name:  "long",
		Every: 10 * time.Millisecond,
		Run: func(ctx context.Context) {
			<-ctx.Done()
			close(cancelled)
		},
	}))

	require.NoError(t, s.Start())
	time.Sleep(30 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		s.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop did not return; task context was not cancelled")
	}

	select {
	case <-cancelled:
	default:
		t.Fatal("task never observed cancellation")
	}
}

func TestStopBeforeStartIsNoOp(t *testing.T) {
	t.Parallel()

	s := New(discardLogger())
	s.Stop()
}
