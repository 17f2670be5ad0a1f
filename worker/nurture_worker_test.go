package worker

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"leadnurture/nurture"
)

type fakeRunner struct {
	mu    sync.Mutex
	calls []nurture.RunOptions
	err   error
	block chan struct{}
	runs  atomic.Int32
}

func (f *fakeRunner) Run(ctx context.Context, opts nurture.RunOptions) (*nurture.RunResult, error) {
	f.runs.Add(1)
	f.mu.Lock()
	f.calls = append(f.calls, opts)
	f.mu.Unlock()
	if f.block != nil {
		<-f.block
	}
	if f.err != nil {
		return nil, f.err
	}
	return &nurture.RunResult{Processed: 1, Sent: 1}, nil
}

func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func TestRunOnceUsesBatchSize(t *testing.T) {
	runner := &fakeRunner{}
	w := NewNurtureWorker(runner, "@every 1m", 25, quietLogger())

	w.RunOnce(context.Background())

	require.Len(t, runner.calls, 1)
	assert.Equal(t, 25, runner.calls[0].Limit)
	assert.False(t, runner.calls[0].DryRun)
	assert.Zero(t, runner.calls[0].CreatorID)
}

func TestRunOnceSurvivesRunnerError(t *testing.T) {
	runner := &fakeRunner{err: errors.New("db down")}
	w := NewNurtureWorker(runner, "@every 1m", 10, quietLogger())

	assert.NotPanics(t, func() { w.RunOnce(context.Background()) })
	assert.EqualValues(t, 1, runner.runs.Load())
}

func TestRunOnceSkipsWhenCancelled(t *testing.T) {
	runner := &fakeRunner{}
	w := NewNurtureWorker(runner, "@every 1m", 10, quietLogger())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	w.RunOnce(ctx)

	assert.Zero(t, runner.runs.Load())
}

func TestStartRejectsBadSchedule(t *testing.T) {
	w := NewNurtureWorker(&fakeRunner{}, "every minute", 10, quietLogger())
	err := w.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid runner schedule")
}

func TestStartRunsOnScheduleAndStops(t *testing.T) {
	runner := &fakeRunner{}
	w := NewNurtureWorker(runner, "@every 1s", 10, quietLogger())

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, w.Start(ctx))

	require.Eventually(t, func() bool { return runner.runs.Load() >= 1 }, 5*time.Second, 50*time.Millisecond)
	cancel()
}

func TestOverlappingTicksAreSkipped(t *testing.T) {
	runner := &fakeRunner{block: make(chan struct{})}
	w := NewNurtureWorker(runner, "@every 1s", 10, quietLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))

	require.Eventually(t, func() bool { return runner.runs.Load() == 1 }, 5*time.Second, 50*time.Millisecond)
	// a second tick fires while the first run is blocked
	time.Sleep(1500 * time.Millisecond)
	assert.EqualValues(t, 1, runner.runs.Load())

	close(runner.block)
}
