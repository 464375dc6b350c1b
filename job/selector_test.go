package job

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type capturingScheduler struct {
	tasks []func()
}

func (c *capturingScheduler) Schedule(ctx context.Context, task func()) error {
	c.tasks = append(c.tasks, task)
	return nil
}

type stubTool struct {
	typ string
	run Entrypoint
}

func (s *stubTool) Type() string { return s.typ }
func (s *stubTool) Run(ctx context.Context, ec ExecContext) (Result, error) {
	return s.run(ctx, ec)
}

func TestDispatchSynchronous(t *testing.T) {
	f := newExecFixture(t)
	runner := newTestRunner(f)
	sel := NewModeSelector(false, nil, testLogger())

	tool := &stubTool{typ: "sync_tool", run: func(ctx context.Context, ec ExecContext) (Result, error) {
		return FinishedResult("done inline"), nil
	}}

	res, err := sel.Dispatch(context.Background(), f.ec, runner, tool)
	require.NoError(t, err)
	assert.Equal(t, StatusFinished, res.Status)
	assert.Equal(t, "done inline", res.Msg)

	j, err := f.store.Get(f.job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFinished, j.StatusSimple)
}

func TestDispatchBackground(t *testing.T) {
	f := newExecFixture(t)
	runner := newTestRunner(f)
	sched := &capturingScheduler{}
	sel := NewModeSelector(true, sched, testLogger())

	tool := &stubTool{typ: "bg_tool", run: func(ctx context.Context, ec ExecContext) (Result, error) {
		return FinishedResult("done in background"), nil
	}}

	res, err := sel.Dispatch(context.Background(), f.ec, runner, tool)
	require.NoError(t, err)

	// Caller gets only the handle; the job has not run yet.
	assert.Equal(t, StatusPending, res.Status)
	assert.Equal(t, f.job.ID, res.JobID)
	require.Len(t, sched.tasks, 1)

	j, err := f.store.Get(f.job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, j.StatusSimple)

	// Once the scheduler runs the task, the store shows the outcome.
	sched.tasks[0]()
	j, err = f.store.Get(f.job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFinished, j.StatusSimple)
	assert.Equal(t, "done in background", j.MsgSimple)
}

func TestDispatchBackgroundWithoutScheduler(t *testing.T) {
	f := newExecFixture(t)
	runner := newTestRunner(f)
	sel := NewModeSelector(true, nil, testLogger())

	tool := &stubTool{typ: "tool", run: func(ctx context.Context, ec ExecContext) (Result, error) {
		return FinishedResult("x"), nil
	}}

	_, err := sel.Dispatch(context.Background(), f.ec, runner, tool)
	assert.Error(t, err)
}

func TestSetRunInBackground(t *testing.T) {
	sel := NewModeSelector(false, nil, testLogger())
	assert.False(t, sel.RunInBackground())

	sel.SetRunInBackground(true)
	assert.True(t, sel.RunInBackground())
}

func TestDispatchBackgroundEndToEnd(t *testing.T) {
	f := newExecFixture(t)
	runner := newTestRunner(f)

	sched := NewBackgroundScheduler(context.Background(), SchedulerConfig{
		Workers:    1,
		QueueDepth: 4,
	}, testLogger())
	sched.Start()
	defer sched.Stop()

	sel := NewModeSelector(true, sched, testLogger())

	done := make(chan struct{})
	tool := &stubTool{typ: "e2e_tool", run: func(ctx context.Context, ec ExecContext) (Result, error) {
		defer close(done)
		return FinishedResult("finished async"), nil
	}}

	res, err := sel.Dispatch(context.Background(), f.ec, runner, tool)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, res.Status)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("background job did not run")
	}

	// Poll the store until the runner's final write lands.
	deadline := time.Now().Add(5 * time.Second)
	for {
		j, err := f.store.Get(f.job.ID)
		require.NoError(t, err)
		if j.StatusSimple == StatusFinished {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("job never finished, status: %s", j.StatusSimple)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
