package job

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSchedulerExecutesTasks(t *testing.T) {
	s := NewBackgroundScheduler(context.Background(), SchedulerConfig{
		Workers:    2,
		QueueDepth: 8,
	}, testLogger())
	s.Start()
	defer s.Stop()

	var wg sync.WaitGroup
	var mu sync.Mutex
	seen := 0

	for i := 0; i < 5; i++ {
		wg.Add(1)
		err := s.Schedule(context.Background(), func() {
			defer wg.Done()
			mu.Lock()
			seen++
			mu.Unlock()
		})
		require.NoError(t, err)
	}

	wg.Wait()
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 5, seen)
}

func TestSchedulerSurvivesTaskPanic(t *testing.T) {
	s := NewBackgroundScheduler(context.Background(), SchedulerConfig{
		Workers:    1,
		QueueDepth: 4,
	}, testLogger())
	s.Start()
	defer s.Stop()

	require.NoError(t, s.Schedule(context.Background(), func() {
		panic("task bug")
	}))

	// The same worker must still process subsequent tasks.
	done := make(chan struct{})
	require.NoError(t, s.Schedule(context.Background(), func() {
		close(done)
	}))

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not survive the panic")
	}
}

func TestSchedulerRejectsAfterCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := NewBackgroundScheduler(ctx, SchedulerConfig{
		Workers:    1,
		QueueDepth: 1,
	}, testLogger())
	s.Start()

	cancel()
	s.Stop()

	err := s.Schedule(context.Background(), func() {})
	assert.Error(t, err)
}

func TestSchedulerScheduleHonorsCallerContext(t *testing.T) {
	s := NewBackgroundScheduler(context.Background(), SchedulerConfig{
		Workers:    1,
		QueueDepth: 1,
	}, testLogger())
	// Not started: nothing drains the channel.

	require.NoError(t, s.Schedule(context.Background(), func() {}))

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	err := s.Schedule(ctx, func() {})
	assert.Error(t, err)
}

func TestSchedulerStopDrainsQueuedTasks(t *testing.T) {
	s := NewBackgroundScheduler(context.Background(), SchedulerConfig{
		Workers:    1,
		QueueDepth: 8,
	}, testLogger())
	s.Start()

	// Park the single worker on a gate so the remaining tasks are still
	// queued when Stop begins.
	gate := make(chan struct{})
	require.NoError(t, s.Schedule(context.Background(), func() {
		<-gate
	}))

	var mu sync.Mutex
	ran := 0
	for i := 0; i < 3; i++ {
		require.NoError(t, s.Schedule(context.Background(), func() {
			mu.Lock()
			ran++
			mu.Unlock()
		}))
	}

	go func() {
		time.Sleep(50 * time.Millisecond)
		close(gate)
	}()

	// Stop must run every accepted task before returning.
	s.Stop()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 3, ran)

	err := s.Schedule(context.Background(), func() {})
	assert.Error(t, err)
}

func TestSchedulerRestartsAfterStop(t *testing.T) {
	s := NewBackgroundScheduler(context.Background(), SchedulerConfig{
		Workers:    1,
		QueueDepth: 4,
	}, testLogger())
	s.Start()
	s.Stop()

	s.Start()
	defer s.Stop()

	done := make(chan struct{})
	require.NoError(t, s.Schedule(context.Background(), func() {
		close(done)
	}))

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("restarted scheduler did not run the task")
	}
}

func TestSchedulerRateLimitsAdmission(t *testing.T) {
	s := NewBackgroundScheduler(context.Background(), SchedulerConfig{
		Workers:          1,
		QueueDepth:       16,
		MaxJobsPerMinute: 60,
	}, testLogger())
	s.Start()
	defer s.Stop()

	// Burst capacity covers the first tasks; the limiter only delays
	// admission beyond it, so a small batch schedules without error.
	for i := 0; i < 3; i++ {
		require.NoError(t, s.Schedule(context.Background(), func() {}))
	}
}

func TestSafeWorkerCount(t *testing.T) {
	assert.Equal(t, 1, safeWorkerCount(0.5))
	assert.Equal(t, 1, safeWorkerCount(2.0))
	assert.Equal(t, 4, safeWorkerCount(9.0))
	assert.Equal(t, maxSafeWorkers, safeWorkerCount(1000))
}
