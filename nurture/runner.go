package nurture

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"leadnurture/metrics"
	"leadnurture/models"
)

// RunnerConfig tunes delivery and retries
type RunnerConfig struct {
	SendTimeout     time.Duration
	MaxAttempts     int // consecutive failures on one step before the enrollment fails
	RetryBackoff    time.Duration
	MaxRetryBackoff time.Duration
	ClaimTTL        time.Duration // claims older than this are assumed abandoned
	Concurrency     int
	DefaultLimit    int
}

func DefaultRunnerConfig() RunnerConfig {
	return RunnerConfig{
		SendTimeout:     30 * time.Second,
		MaxAttempts:     5,
		RetryBackoff:    5 * time.Minute,
		MaxRetryBackoff: 6 * time.Hour,
		ClaimTTL:        5 * time.Minute,
		Concurrency:     4,
		DefaultLimit:    100,
	}
}

// RunOptions select what a single pass does
type RunOptions struct {
	DryRun    bool `json:"dry_run"`
	ForceDue  bool `json:"force_due"`
	Limit     int  `json:"limit" validate:"gte=0,lte=1000"`
	CreatorID uint `json:"-"`
}

// Preview is a rendered step produced by a dry run
type Preview struct {
	EnrollmentID string              `json:"enrollment_id"`
	FollowerID   string              `json:"follower_id"`
	SequenceType models.SequenceType `json:"sequence_type"`
	StepIndex    int                 `json:"step_index"`
	ScheduledAt  *time.Time          `json:"scheduled_at"`
	Message      string              `json:"message"`
}

// RunResult counts what a pass did. Skipped enrollments were taken by another
// runner and are not part of Processed.
type RunResult struct {
	Processed int       `json:"processed"`
	Sent      int       `json:"sent"`
	Failed    int       `json:"failed"`
	Skipped   int       `json:"skipped"`
	Previews  []Preview `json:"previews,omitempty"`
}

type outcome int

const (
	outcomeSent outcome = iota
	outcomeFailed
	outcomeSkipped
	outcomeFinished // completed without sending
)

// Runner is the scheduling loop body. Periodic and on-demand runs share Run
// and may overlap; the store's compare-and-set keeps them apart.
type Runner struct {
	catalog DefinitionSource
	store   EnrollmentStore
	sender  Sender
	cfg     RunnerConfig
	metrics *metrics.Metrics
	logger  logrus.FieldLogger
	now     Clock
}

type RunnerOption func(*Runner)

func WithRunnerClock(c Clock) RunnerOption {
	return func(r *Runner) { r.now = c }
}

func WithRunnerMetrics(m *metrics.Metrics) RunnerOption {
	return func(r *Runner) { r.metrics = m }
}

func NewRunner(catalog DefinitionSource, store EnrollmentStore, sender Sender, cfg RunnerConfig, logger logrus.FieldLogger, opts ...RunnerOption) *Runner {
	def := DefaultRunnerConfig()
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = def.SendTimeout
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = def.RetryBackoff
	}
	if cfg.MaxRetryBackoff < cfg.RetryBackoff {
		cfg.MaxRetryBackoff = cfg.RetryBackoff
	}
	if cfg.ClaimTTL <= cfg.SendTimeout {
		cfg.ClaimTTL = 2 * cfg.SendTimeout
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.DefaultLimit <= 0 {
		cfg.DefaultLimit = def.DefaultLimit
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	r := &Runner{
		catalog: catalog,
		store:   store,
		sender:  sender,
		cfg:     cfg,
		logger:  logger.WithField("component", "runner"),
		now:     utcNow,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run processes one batch of due enrollments. Only a failure to list the batch
// is returned as an error; per-enrollment problems end up in the counters.
func (r *Runner) Run(ctx context.Context, opts RunOptions) (*RunResult, error) {
	start := time.Now()
	defer func() { r.metrics.RunFinished(opts.DryRun, time.Since(start).Seconds()) }()

	now := r.now()
	limit := opts.Limit
	if limit <= 0 {
		limit = r.cfg.DefaultLimit
	}

	if !opts.DryRun {
		recovered, err := r.store.RecoverStaleClaims(ctx, now.Add(-r.cfg.ClaimTTL), now)
		if err != nil {
			r.logger.WithError(err).Error("Failed to recover stale claims")
		} else if recovered > 0 {
			r.metrics.StaleClaimsRecovered(recovered)
			r.logger.WithField("count", recovered).Warn("Recovered stale claims")
		}
	}

	due, err := r.store.ListDue(ctx, DueQuery{
		Now:       now,
		ForceDue:  opts.ForceDue,
		Limit:     limit,
		CreatorID: opts.CreatorID,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list due enrollments: %w", err)
	}

	if opts.DryRun {
		return r.preview(ctx, due), nil
	}

	var (
		mu     sync.Mutex
		result RunResult
	)
	g := new(errgroup.Group)
	g.SetLimit(r.cfg.Concurrency)
	for i := range due {
		e := due[i]
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			out := r.process(ctx, e, opts.ForceDue)

			mu.Lock()
			defer mu.Unlock()
			switch out {
			case outcomeSkipped:
				result.Skipped++
				return nil
			case outcomeSent:
				result.Sent++
			case outcomeFailed:
				result.Failed++
			}
			result.Processed++
			return nil
		})
	}
	_ = g.Wait()

	r.logger.WithFields(logrus.Fields{
		"due":       len(due),
		"processed": result.Processed,
		"sent":      result.Sent,
		"failed":    result.Failed,
		"skipped":   result.Skipped,
		"force_due": opts.ForceDue,
	}).Info("Run finished")
	return &result, nil
}

func (r *Runner) preview(ctx context.Context, due []models.Enrollment) *RunResult {
	result := &RunResult{Previews: make([]Preview, 0, len(due))}
	for _, e := range due {
		def, err := r.catalog.Get(ctx, e.CreatorID, e.SequenceType)
		if err != nil {
			r.logger.WithError(err).WithField("enrollment_id", e.ID).Warn("Preview skipped, definition unavailable")
			continue
		}
		if e.CurrentStepIndex >= len(def.Steps) {
			continue
		}
		result.Previews = append(result.Previews, Preview{
			EnrollmentID: e.ID,
			FollowerID:   e.FollowerID,
			SequenceType: e.SequenceType,
			StepIndex:    e.CurrentStepIndex,
			ScheduledAt:  e.NextScheduledAt,
			Message:      Render(def.Steps[e.CurrentStepIndex].Message, e.Vars),
		})
	}
	result.Processed = len(result.Previews)
	return result
}

func (r *Runner) process(ctx context.Context, e models.Enrollment, forceDue bool) outcome {
	log := r.logger.WithFields(logrus.Fields{
		"enrollment_id": e.ID,
		"follower_id":   e.FollowerID,
		"sequence_type": e.SequenceType,
		"step_index":    e.CurrentStepIndex,
	})
	step := e.CurrentStepIndex

	def, err := r.catalog.Get(ctx, e.CreatorID, e.SequenceType)
	if err != nil {
		log.WithError(err).Error("Failed to resolve sequence definition")
		return outcomeFailed
	}

	attempts, err := r.store.Claim(ctx, e.ID, ClaimRequest{StepIndex: step, Now: r.now(), ForceDue: forceDue})
	if err != nil {
		if errors.Is(err, ErrClaimConflict) {
			r.metrics.ClaimConflict()
			log.Debug("Enrollment claimed elsewhere, skipping")
			return outcomeSkipped
		}
		log.WithError(err).Error("Failed to claim enrollment")
		return outcomeFailed
	}

	// Writes after the claim must land even if the run is being shut down,
	// otherwise the enrollment waits for stale-claim recovery.
	storeCtx := context.WithoutCancel(ctx)

	if step >= len(def.Steps) {
		// the override was shortened below this enrollment's position
		status, err := r.store.Advance(storeCtx, e.ID, step, Advancement{
			Status:    models.EnrollmentCompleted,
			StepIndex: step,
			Now:       r.now(),
		})
		if err != nil {
			log.WithError(err).Error("Failed to complete enrollment past its last step")
			return outcomeFailed
		}
		r.finished(status, e)
		return outcomeFinished
	}

	msg := Message{
		EnrollmentID: e.ID,
		CreatorID:    e.CreatorID,
		FollowerID:   e.FollowerID,
		Platform:     e.Platform,
		SequenceType: e.SequenceType,
		StepIndex:    step,
		Text:         Render(def.Steps[step].Message, e.Vars),
	}

	started := time.Now()
	receipt, sendErr := r.send(ctx, msg)
	elapsed := time.Since(started).Seconds()

	if sendErr != nil {
		r.metrics.DeliveryFailed(string(e.SequenceType), elapsed)
		retryAt := r.now().Add(r.backoff(attempts))
		status, err := r.store.Release(storeCtx, e.ID, step, Release{
			RetryAt:     retryAt,
			Error:       sendErr.Error(),
			MaxAttempts: r.cfg.MaxAttempts,
			Now:         r.now(),
		})
		if err != nil {
			log.WithError(err).Error("Failed to release enrollment after delivery failure")
			return outcomeFailed
		}

		entry := log.WithError(sendErr).WithField("attempts", attempts)
		switch status {
		case models.EnrollmentFailed:
			r.metrics.EnrollmentFailed(string(e.SequenceType))
			entry.Error("Delivery failed, retries exhausted")
		case models.EnrollmentCancelled:
			r.metrics.EnrollmentCancelled("in_flight")
			entry.Info("Delivery failed on a cancelled enrollment")
		default:
			entry.WithField("retry_at", retryAt).Warn("Delivery failed, will retry")
		}
		return outcomeFailed
	}

	r.metrics.StepSent(string(e.SequenceType), receipt.PlatformUsed, elapsed)
	sentAt := r.now()
	platform := receipt.PlatformUsed
	if platform == "" {
		platform = e.Platform
	}

	adv := Advancement{
		Status:    models.EnrollmentPending,
		StepIndex: step + 1,
		Now:       sentAt,
		Sent: &models.EnrollmentSend{
			EnrollmentID: e.ID,
			CreatorID:    e.CreatorID,
			SequenceType: e.SequenceType,
			StepIndex:    step,
			SentAt:       sentAt,
			PlatformUsed: platform,
		},
	}
	if next, ok := def.ScheduleAt(e.EnrolledAt, step+1); ok {
		adv.NextScheduledAt = &next
	} else {
		adv.Status = models.EnrollmentCompleted
	}

	status, err := r.store.Advance(storeCtx, e.ID, step, adv)
	if errors.Is(err, ErrClaimConflict) {
		log.Warn("Step delivered but the claim expired before it was recorded")
		return outcomeSent
	}
	if err != nil {
		log.WithError(err).Error("Step delivered but the enrollment could not be advanced")
		return outcomeSent
	}
	r.finished(status, e)
	log.WithFields(logrus.Fields{
		"platform": platform,
		"status":   status,
	}).Info("Step sent")
	return outcomeSent
}

func (r *Runner) finished(status models.EnrollmentStatus, e models.Enrollment) {
	switch status {
	case models.EnrollmentCompleted:
		r.metrics.EnrollmentCompleted(string(e.SequenceType))
	case models.EnrollmentCancelled:
		r.metrics.EnrollmentCancelled("in_flight")
	}
}

// send calls the sender under the send timeout. A panicking sender is turned
// into a delivery error so one bad adapter cannot take the scheduler down.
func (r *Runner) send(ctx context.Context, msg Message) (receipt Receipt, err error) {
	sendCtx, cancel := context.WithTimeout(ctx, r.cfg.SendTimeout)
	defer cancel()
	defer func() {
		if p := recover(); p != nil {
			err = &DeliveryError{Platform: msg.Platform, Err: fmt.Errorf("sender panic: %v", p)}
		}
	}()

	receipt, err = r.sender.Send(sendCtx, msg)
	if err != nil {
		var de *DeliveryError
		if !errors.As(err, &de) {
			err = &DeliveryError{Platform: msg.Platform, Err: err}
		}
		return receipt, err
	}
	if !receipt.Delivered {
		return receipt, &DeliveryError{Platform: msg.Platform, Err: errors.New("message not delivered")}
	}
	return receipt, nil
}

// backoff returns RetryBackoff * 2^(attempts-1), capped at MaxRetryBackoff
func (r *Runner) backoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	d := r.cfg.RetryBackoff
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= r.cfg.MaxRetryBackoff {
			return r.cfg.MaxRetryBackoff
		}
	}
	return d
}
