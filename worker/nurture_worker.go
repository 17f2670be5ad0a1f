package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"leadnurture/nurture"
	"leadnurture/utils"
)

// BatchRunner is the part of nurture.Runner the worker drives
type BatchRunner interface {
	Run(ctx context.Context, opts nurture.RunOptions) (*nurture.RunResult, error)
}

// NurtureWorker runs due steps for every creator on a cron schedule. A tick
// that fires while the previous run is still going is skipped.
type NurtureWorker struct {
	Runner    BatchRunner
	Schedule  string
	BatchSize int
	Logger    logrus.FieldLogger

	cron *cron.Cron
	mu   sync.Mutex
}

func NewNurtureWorker(runner BatchRunner, schedule string, batchSize int, logger logrus.FieldLogger) *NurtureWorker {
	logger = logger.WithField("component", "nurture_worker")
	return &NurtureWorker{
		Runner:    runner,
		Schedule:  schedule,
		BatchSize: batchSize,
		Logger:    logger,
		cron: cron.New(cron.WithChain(
			cron.Recover(cronLogger{logger}),
			cron.SkipIfStillRunning(cronLogger{logger}),
		)),
	}
}

// Start schedules the job and returns once the scheduler is running. The
// scheduler stops when ctx is cancelled.
func (w *NurtureWorker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := w.cron.AddFunc(w.Schedule, func() { w.RunOnce(ctx) }); err != nil {
		return fmt.Errorf("invalid runner schedule %q: %w", w.Schedule, err)
	}
	w.cron.Start()
	w.Logger.WithField("schedule", w.Schedule).Info("Nurture worker started")

	go func() {
		<-ctx.Done()
		w.Stop()
	}()
	return nil
}

// Stop halts the scheduler and waits for a run in progress
func (w *NurtureWorker) Stop() {
	<-w.cron.Stop().Done()
	w.Logger.Info("Nurture worker stopped")
}

// RunOnce processes one batch of due steps across all creators
func (w *NurtureWorker) RunOnce(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}

	start := time.Now()
	result, err := w.Runner.Run(ctx, nurture.RunOptions{Limit: w.BatchSize})
	if err != nil {
		utils.LogError("nurture_run", err, map[string]interface{}{
			"schedule": w.Schedule,
		})
		return
	}

	if result.Processed == 0 && result.Skipped == 0 {
		w.Logger.Debug("No due steps")
		return
	}
	w.Logger.WithFields(logrus.Fields{
		"processed": result.Processed,
		"sent":      result.Sent,
		"failed":    result.Failed,
		"skipped":   result.Skipped,
		"duration":  time.Since(start).String(),
	}).Info("Nurture run finished")
}

// cronLogger adapts logrus to cron.Logger
type cronLogger struct {
	logrus.FieldLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.WithFields(fields(keysAndValues)).Debug(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.WithFields(fields(keysAndValues)).WithError(err).Error(msg)
}

func fields(keysAndValues []interface{}) logrus.Fields {
	f := logrus.Fields{}
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		f[fmt.Sprint(keysAndValues[i])] = keysAndValues[i+1]
	}
	return f
}
