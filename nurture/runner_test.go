package nurture

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"leadnurture/models"
)

func TestRunnerAbandonedScenario(t *testing.T) {
	h := newHarness(t, DefaultRunnerConfig())
	ctx := context.Background()

	res, err := h.trigger.OnEvent(ctx, Event{
		CreatorID:    h.creatorID,
		FollowerID:   "u1",
		SequenceType: models.SequenceAbandoned,
		Platform:     "instagram",
		Name:         "Ana",
		Vars:         map[string]string{VarProduct: "el curso", VarPrice: "$49"},
	})
	require.NoError(t, err)

	e, err := h.store.Get(ctx, res.EnrollmentID)
	require.NoError(t, err)
	assert.Equal(t, models.EnrollmentPending, e.Status)
	assert.Equal(t, 0, e.CurrentStepIndex)
	assert.True(t, t0.Add(time.Hour).Equal(*e.NextScheduledAt))

	// T0+2h: step 0 goes out, step 1 is scheduled from the enrollment time
	h.clock.Set(t0.Add(2 * time.Hour))
	out, err := h.runner.Run(ctx, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, RunResult{Processed: 1, Sent: 1}, *out)

	msgs := h.sender.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "Ey! Vi que te interesó el curso, Ana. ¿Te quedó alguna duda? Estoy aquí para ayudarte.", msgs[0].Text)
	assert.Equal(t, "u1", msgs[0].FollowerID)
	assert.Equal(t, 0, msgs[0].StepIndex)

	e, err = h.store.Get(ctx, res.EnrollmentID)
	require.NoError(t, err)
	assert.Equal(t, models.EnrollmentPending, e.Status)
	assert.Equal(t, 1, e.CurrentStepIndex)
	assert.True(t, t0.Add(24*time.Hour).Equal(*e.NextScheduledAt))
	require.Len(t, e.Sends, 1)
	assert.Equal(t, "instagram", e.Sends[0].PlatformUsed)

	// T0+3h: the creator cancels
	h.clock.Set(t0.Add(3 * time.Hour))
	_, err = h.policy.CancelManually(ctx, h.creatorID, res.EnrollmentID)
	require.NoError(t, err)

	// T0+30h: nothing goes out even when forcing
	h.clock.Set(t0.Add(30 * time.Hour))
	out, err = h.runner.Run(ctx, RunOptions{ForceDue: true})
	require.NoError(t, err)
	assert.Equal(t, RunResult{}, *out)
	assert.Len(t, h.sender.Messages(), 1)

	assert.Equal(t, 1.0, promtest.ToFloat64(h.metrics.StepsSent.WithLabelValues(string(models.SequenceAbandoned), "instagram")))
}

func TestRunnerIdempotentRun(t *testing.T) {
	h := newHarness(t, DefaultRunnerConfig())
	ctx := context.Background()

	enroll(t, h, "u1", models.SequenceAbandoned)
	enroll(t, h, "u2", models.SequenceAbandoned)
	h.clock.Set(t0.Add(2 * time.Hour))

	first, err := h.runner.Run(ctx, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, 2, first.Sent)

	second, err := h.runner.Run(ctx, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, RunResult{}, *second)
	assert.Len(t, h.sender.Messages(), 2)
}

func TestRunnerNotDueYet(t *testing.T) {
	h := newHarness(t, DefaultRunnerConfig())
	ctx := context.Background()

	enroll(t, h, "u1", models.SequenceAbandoned)
	h.clock.Set(t0.Add(59 * time.Minute))

	out, err := h.runner.Run(ctx, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, 0, out.Processed)

	out, err = h.runner.Run(ctx, RunOptions{ForceDue: true})
	require.NoError(t, err)
	assert.Equal(t, 1, out.Sent, "force_due treats pending steps as due")
}

func TestRunnerDryRun(t *testing.T) {
	h := newHarness(t, DefaultRunnerConfig())
	ctx := context.Background()

	a := enroll(t, h, "u1", models.SequenceAbandoned)
	b := enroll(t, h, "u2", models.SequenceReEngagement)

	out, err := h.runner.Run(ctx, RunOptions{DryRun: true, ForceDue: true})
	require.NoError(t, err)
	assert.Equal(t, 2, out.Processed)
	assert.Zero(t, out.Sent)
	require.Len(t, out.Previews, 2)
	assert.Empty(t, h.sender.Messages())

	// due order: re_engagement (0h) before abandoned (1h)
	assert.Equal(t, b, out.Previews[0].EnrollmentID)
	assert.Equal(t, a, out.Previews[1].EnrollmentID)
	assert.Contains(t, out.Previews[1].Message, "Ey!")

	for _, id := range []string{a, b} {
		e, err := h.store.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, models.EnrollmentPending, e.Status)
		assert.Equal(t, 0, e.CurrentStepIndex)
		assert.Equal(t, 0, e.Attempts)
		assert.Empty(t, e.Sends)
	}
}

func TestRunnerCompletesAfterLastStep(t *testing.T) {
	h := newHarness(t, DefaultRunnerConfig())
	ctx := context.Background()

	_, err := h.catalog.UpsertOverride(ctx, h.creatorID, models.SequencePostPurchase, []models.SequenceStepOverride{{DelayHours: 0, Message: "Gracias {nombre}"}})
	require.NoError(t, err)
	id := enroll(t, h, "u1", models.SequencePostPurchase)

	out, err := h.runner.Run(ctx, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, out.Sent)

	e, err := h.store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.EnrollmentCompleted, e.Status)
	assert.Equal(t, 1, e.CurrentStepIndex)
	assert.Nil(t, e.NextScheduledAt)
	assert.NotNil(t, e.CompletedAt)
	assert.Equal(t, 1.0, promtest.ToFloat64(h.metrics.EnrollmentsCompleted.WithLabelValues(string(models.SequencePostPurchase))))

	_, err = h.policy.CancelManually(ctx, h.creatorID, id)
	assert.ErrorIs(t, err, ErrNotActive)
}

func TestRunnerSendsStepsInOrder(t *testing.T) {
	h := newHarness(t, DefaultRunnerConfig())
	ctx := context.Background()

	_, err := h.catalog.UpsertOverride(ctx, h.creatorID, models.SequenceInterestCold, []models.SequenceStepOverride{
		{DelayHours: 1, Message: "uno"},
		{DelayHours: 24, Message: "dos"},
		{DelayHours: 72, Message: "tres"},
	})
	require.NoError(t, err)
	id := enroll(t, h, "u1", models.SequenceInterestCold)

	run := func() *RunResult {
		out, err := h.runner.Run(ctx, RunOptions{})
		require.NoError(t, err)
		return out
	}
	nextAt := func() *time.Time {
		e, err := h.store.Get(ctx, id)
		require.NoError(t, err)
		return e.NextScheduledAt
	}

	require.True(t, t0.Add(time.Hour).Equal(*nextAt()))

	h.clock.Set(t0.Add(59 * time.Minute))
	assert.Equal(t, 0, run().Processed)

	h.clock.Set(t0.Add(time.Hour))
	assert.Equal(t, 1, run().Sent)
	require.True(t, t0.Add(24*time.Hour).Equal(*nextAt()))

	// step two fails and is only retried after the third step is already due
	h.sender.SetHook(func(ctx context.Context, msg Message) (Receipt, error) {
		return Receipt{}, errors.New("channel unreachable")
	})
	h.clock.Set(t0.Add(24 * time.Hour))
	assert.Equal(t, 1, run().Failed)
	h.sender.SetHook(nil)

	h.clock.Set(t0.Add(72 * time.Hour))
	assert.Equal(t, 1, run().Sent)
	require.True(t, t0.Add(72*time.Hour).Equal(*nextAt()))
	assert.Equal(t, 1, run().Sent)

	var sent []string
	for _, m := range h.sender.Messages() {
		sent = append(sent, fmt.Sprintf("%d:%s", m.StepIndex, m.Text))
	}
	assert.Equal(t, []string{"0:uno", "1:dos", "1:dos", "2:tres"}, sent)

	e, err := h.store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.EnrollmentCompleted, e.Status)
	require.Len(t, e.Sends, 3)
	for i := 1; i < len(e.Sends); i++ {
		assert.Equal(t, i, e.Sends[i].StepIndex)
		assert.False(t, e.Sends[i].SentAt.Before(e.Sends[i-1].SentAt))
	}
}

func TestRunnerShortenedOverrideCompletesWithoutSending(t *testing.T) {
	h := newHarness(t, DefaultRunnerConfig())
	ctx := context.Background()

	due := t0
	e := &models.Enrollment{
		CreatorID:        h.creatorID,
		FollowerID:       "u1",
		SequenceType:     models.SequenceInterestCold,
		EnrolledAt:       t0.Add(-72 * time.Hour),
		CurrentStepIndex: 2,
		NextScheduledAt:  &due,
		Status:           models.EnrollmentPending,
	}
	require.NoError(t, h.store.Create(ctx, e))

	_, err := h.catalog.UpsertOverride(ctx, h.creatorID, models.SequenceInterestCold, []models.SequenceStepOverride{{DelayHours: 24, Message: "único"}})
	require.NoError(t, err)

	out, err := h.runner.Run(ctx, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, RunResult{Processed: 1}, *out)
	assert.Empty(t, h.sender.Messages())

	got, err := h.store.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, models.EnrollmentCompleted, got.Status)
}

func TestRunnerDeactivationOnlyBlocksNewEnrollments(t *testing.T) {
	h := newHarness(t, DefaultRunnerConfig())
	ctx := context.Background()

	enroll(t, h, "u1", models.SequenceReEngagement)
	_, err := h.catalog.SetActive(ctx, h.creatorID, models.SequenceReEngagement, false)
	require.NoError(t, err)

	out, err := h.runner.Run(ctx, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, out.Sent)
}

func TestRunnerRetriesWithBackoffThenFails(t *testing.T) {
	cfg := DefaultRunnerConfig()
	cfg.MaxAttempts = 3
	cfg.RetryBackoff = time.Minute
	cfg.MaxRetryBackoff = 3 * time.Minute
	h := newHarness(t, cfg)
	ctx := context.Background()

	h.sender.SetHook(func(ctx context.Context, msg Message) (Receipt, error) {
		return Receipt{}, errors.New("channel unreachable")
	})
	id := enroll(t, h, "u1", models.SequenceReEngagement)

	out, err := h.runner.Run(ctx, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, RunResult{Processed: 1, Failed: 1}, *out)

	e, err := h.store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.EnrollmentPending, e.Status)
	assert.Equal(t, 0, e.CurrentStepIndex)
	assert.Equal(t, 1, e.Attempts)
	assert.Contains(t, e.LastError, "channel unreachable")
	assert.True(t, t0.Add(time.Minute).Equal(*e.NextScheduledAt))

	out, err = h.runner.Run(ctx, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, 0, out.Processed, "not retried before the backoff elapses")

	h.clock.Advance(time.Minute)
	_, err = h.runner.Run(ctx, RunOptions{})
	require.NoError(t, err)
	e, err = h.store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 2, e.Attempts)
	assert.True(t, t0.Add(3*time.Minute).Equal(*e.NextScheduledAt))

	h.clock.Set(t0.Add(3 * time.Minute))
	out, err = h.runner.Run(ctx, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, out.Failed)

	e, err = h.store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.EnrollmentFailed, e.Status)
	assert.Equal(t, 1.0, promtest.ToFloat64(h.metrics.EnrollmentsFailed.WithLabelValues(string(models.SequenceReEngagement))))

	out, err = h.runner.Run(ctx, RunOptions{ForceDue: true})
	require.NoError(t, err)
	assert.Equal(t, 0, out.Processed, "failed enrollments are never picked up again")

	h.sender.SetHook(nil)
	enroll(t, h, "u1", models.SequenceReEngagement)
}

func TestRunnerOutdatedDueListKeepsBackoff(t *testing.T) {
	h := newHarness(t, DefaultRunnerConfig())
	ctx := context.Background()

	id := enroll(t, h, "u1", models.SequenceReEngagement)

	// a second runner listed the enrollment before the first one failed it
	snapshot, err := h.store.ListDue(ctx, DueQuery{Now: h.clock.Now()})
	require.NoError(t, err)
	require.Len(t, snapshot, 1)

	failing := func(ctx context.Context, msg Message) (Receipt, error) {
		return Receipt{}, errors.New("channel unreachable")
	}
	h.sender.SetHook(failing)
	out, err := h.runner.Run(ctx, RunOptions{})
	require.NoError(t, err)
	require.Equal(t, 1, out.Failed)

	e, err := h.store.Get(ctx, id)
	require.NoError(t, err)
	require.True(t, t0.Add(5*time.Minute).Equal(*e.NextScheduledAt))

	h.sender.SetHook(nil)
	assert.Equal(t, outcomeSkipped, h.runner.process(ctx, snapshot[0], false))
	assert.Len(t, h.sender.Messages(), 1, "retry must wait for its backoff")

	// forcing still works, and the backoff follows the stored attempt count
	h.sender.SetHook(failing)
	assert.Equal(t, outcomeFailed, h.runner.process(ctx, snapshot[0], true))

	e, err = h.store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 2, e.Attempts)
	assert.True(t, t0.Add(10*time.Minute).Equal(*e.NextScheduledAt))
}

func TestRunnerBackoff(t *testing.T) {
	r := NewRunner(nil, nil, nil, RunnerConfig{RetryBackoff: time.Minute, MaxRetryBackoff: 10 * time.Minute}, quietLogger())

	assert.Equal(t, time.Minute, r.backoff(0))
	assert.Equal(t, time.Minute, r.backoff(1))
	assert.Equal(t, 2*time.Minute, r.backoff(2))
	assert.Equal(t, 8*time.Minute, r.backoff(4))
	assert.Equal(t, 10*time.Minute, r.backoff(5))
	assert.Equal(t, 10*time.Minute, r.backoff(60))
}

func TestRunnerSurvivesSenderFailures(t *testing.T) {
	cfg := DefaultRunnerConfig()
	cfg.SendTimeout = 50 * time.Millisecond
	h := newHarness(t, cfg)
	ctx := context.Background()

	ids := map[string]string{
		"panics":  enroll(t, h, "panics", models.SequenceReEngagement),
		"refuses": enroll(t, h, "refuses", models.SequenceReEngagement),
		"hangs":   enroll(t, h, "hangs", models.SequenceReEngagement),
		"works":   enroll(t, h, "works", models.SequenceReEngagement),
	}

	h.sender.SetHook(func(ctx context.Context, msg Message) (Receipt, error) {
		switch msg.FollowerID {
		case "panics":
			panic("adapter bug")
		case "refuses":
			return Receipt{Delivered: false}, nil
		case "hangs":
			<-ctx.Done()
			return Receipt{}, ctx.Err()
		}
		return Receipt{Delivered: true, PlatformUsed: "whatsapp"}, nil
	})

	out, err := h.runner.Run(ctx, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, RunResult{Processed: 4, Sent: 1, Failed: 3}, *out)

	for follower, id := range ids {
		e, err := h.store.Get(ctx, id)
		require.NoError(t, err)
		if follower == "works" {
			assert.Equal(t, 1, e.CurrentStepIndex)
			assert.Equal(t, "whatsapp", e.Sends[0].PlatformUsed)
			continue
		}
		assert.Equal(t, models.EnrollmentPending, e.Status, follower)
		assert.Equal(t, 0, e.CurrentStepIndex, follower)
		assert.Equal(t, 1, e.Attempts, follower)
	}
}

func TestRunnerCancelDuringSend(t *testing.T) {
	h := newHarness(t, DefaultRunnerConfig())
	ctx := context.Background()

	id := enroll(t, h, "u1", models.SequenceReEngagement)

	var deferred *CancelOutcome
	h.sender.SetHook(func(_ context.Context, msg Message) (Receipt, error) {
		out, err := h.policy.CancelManually(context.Background(), h.creatorID, msg.EnrollmentID)
		if err != nil {
			return Receipt{}, err
		}
		deferred = out
		return Receipt{Delivered: true, PlatformUsed: msg.Platform}, nil
	})

	out, err := h.runner.Run(ctx, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, out.Sent)

	require.NotNil(t, deferred)
	assert.True(t, deferred.Deferred)

	e, err := h.store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.EnrollmentCancelled, e.Status)
	assert.Len(t, e.Sends, 1, "the in-flight message is kept in the log")

	h.sender.SetHook(nil)
	out, err = h.runner.Run(ctx, RunOptions{ForceDue: true})
	require.NoError(t, err)
	assert.Equal(t, 0, out.Processed)
	assert.Len(t, h.sender.Messages(), 1)
}

func TestRunnerCancelDuringLastStepCompletes(t *testing.T) {
	h := newHarness(t, DefaultRunnerConfig())
	ctx := context.Background()

	id := enroll(t, h, "u1", models.SequenceReEngagement)
	_, err := h.runner.Run(ctx, RunOptions{})
	require.NoError(t, err)

	h.sender.SetHook(func(_ context.Context, msg Message) (Receipt, error) {
		if _, err := h.policy.CancelManually(context.Background(), h.creatorID, msg.EnrollmentID); err != nil {
			return Receipt{}, err
		}
		return Receipt{Delivered: true, PlatformUsed: msg.Platform}, nil
	})

	h.clock.Advance(72 * time.Hour)
	out, err := h.runner.Run(ctx, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, out.Sent)

	e, err := h.store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.EnrollmentCompleted, e.Status)
	assert.Equal(t, 2, e.CurrentStepIndex)
	assert.Len(t, e.Sends, 2)
}

func TestRunnerRecoversStaleClaims(t *testing.T) {
	h := newHarness(t, DefaultRunnerConfig())
	ctx := context.Background()

	id := enroll(t, h, "u1", models.SequenceReEngagement)
	require.NoError(t, claim(h.store, id, 0, t0))

	out, err := h.runner.Run(ctx, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, 0, out.Processed, "a live claim is left alone")

	h.clock.Advance(10 * time.Minute)
	out, err = h.runner.Run(ctx, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, out.Sent)
}

func TestRunnerConcurrentRunsNeverDoubleSend(t *testing.T) {
	cfg := DefaultRunnerConfig()
	cfg.Concurrency = 4
	h := newHarness(t, cfg)
	ctx := context.Background()

	const followers = 20
	for i := 0; i < followers; i++ {
		enroll(t, h, fmt.Sprintf("f%02d", i), models.SequenceReEngagement)
	}

	second := NewRunner(h.catalog, h.store, h.sender, cfg, quietLogger(), WithRunnerClock(h.clock.Now))

	var (
		wg      sync.WaitGroup
		results [2]*RunResult
		errs    [2]error
	)
	for i, r := range []*Runner{h.runner, second} {
		wg.Add(1)
		go func(i int, r *Runner) {
			defer wg.Done()
			results[i], errs[i] = r.Run(ctx, RunOptions{})
		}(i, r)
	}
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.Equal(t, followers, results[0].Sent+results[1].Sent)
	assert.Zero(t, results[0].Failed+results[1].Failed)

	perEnrollment := map[string]int{}
	for _, m := range h.sender.Messages() {
		perEnrollment[m.EnrollmentID]++
	}
	assert.Len(t, perEnrollment, followers)
	for id, n := range perEnrollment {
		assert.Equal(t, 1, n, "enrollment %s", id)
	}
}
