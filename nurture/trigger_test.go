package nurture

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"leadnurture/models"
)

func TestResolveSequence(t *testing.T) {
	cases := []struct {
		signal string
		want   models.SequenceType
	}{
		{SignalPriceQuestionUnanswered, models.SequenceAbandoned},
		{SignalProductInterest, models.SequenceInterestCold},
		{SignalInactive, models.SequenceReEngagement},
		{SignalPurchaseConfirmed, models.SequencePostPurchase},
	}
	for _, tc := range cases {
		got, err := ResolveSequence("", tc.signal)
		require.NoError(t, err)
		assert.Equal(t, tc.want, got)
	}

	got, err := ResolveSequence(models.SequenceReEngagement, SignalProductInterest)
	require.NoError(t, err)
	assert.Equal(t, models.SequenceReEngagement, got, "explicit type wins over signal")

	_, err = ResolveSequence("", "liked_a_post")
	assert.True(t, IsNotFound(err))
	_, err = ResolveSequence("vip", "")
	assert.True(t, IsNotFound(err))
}

func TestTriggerOnEvent(t *testing.T) {
	h := newHarness(t, DefaultRunnerConfig())
	ctx := context.Background()

	t.Run("Success - Enrolls at step zero", func(t *testing.T) {
		res, err := h.trigger.OnEvent(ctx, Event{
			CreatorID:  h.creatorID,
			FollowerID: "u1",
			Signal:     SignalPriceQuestionUnanswered,
			Platform:   "instagram",
			Vars:       map[string]string{VarProduct: "el curso"},
		})
		require.NoError(t, err)
		assert.False(t, res.Skipped)
		require.NotEmpty(t, res.EnrollmentID)
		assert.Equal(t, models.SequenceAbandoned, res.SequenceType)
		require.NotNil(t, res.NextScheduledAt)
		assert.True(t, t0.Add(time.Hour).Equal(*res.NextScheduledAt))

		e, err := h.store.Get(ctx, res.EnrollmentID)
		require.NoError(t, err)
		assert.Equal(t, models.EnrollmentPending, e.Status)
		assert.Equal(t, 0, e.CurrentStepIndex)
		assert.True(t, t0.Equal(e.EnrolledAt))
		assert.Equal(t, "el curso", e.Vars[VarProduct])
	})

	t.Run("Skip - Already enrolled", func(t *testing.T) {
		res, err := h.trigger.OnEvent(ctx, Event{CreatorID: h.creatorID, FollowerID: "u1", SequenceType: models.SequenceAbandoned})
		require.NoError(t, err)
		assert.True(t, res.Skipped)
		assert.Equal(t, SkipAlreadyEnrolled, res.Reason)
		assert.Equal(t, 1.0, promtest.ToFloat64(h.metrics.TriggersSkipped.WithLabelValues(SkipAlreadyEnrolled)))
	})

	t.Run("Skip - Inactive sequence", func(t *testing.T) {
		_, err := h.catalog.SetActive(ctx, h.creatorID, models.SequenceInterestCold, false)
		require.NoError(t, err)

		res, err := h.trigger.OnEvent(ctx, Event{CreatorID: h.creatorID, FollowerID: "u2", Signal: SignalProductInterest})
		require.NoError(t, err)
		assert.True(t, res.Skipped)
		assert.Equal(t, SkipInactive, res.Reason)

		_, err = h.store.FindActive(ctx, h.creatorID, "u2", models.SequenceInterestCold)
		assert.True(t, IsNotFound(err))
	})

	t.Run("Error - Missing follower", func(t *testing.T) {
		_, err := h.trigger.OnEvent(ctx, Event{CreatorID: h.creatorID, FollowerID: "   ", Signal: SignalInactive})
		assert.True(t, IsValidation(err))
	})

	t.Run("Error - Unknown signal", func(t *testing.T) {
		_, err := h.trigger.OnEvent(ctx, Event{CreatorID: h.creatorID, FollowerID: "u3", Signal: "liked_a_post"})
		assert.True(t, IsNotFound(err))
	})
}

func TestTriggerFillsNameFromLead(t *testing.T) {
	h := newHarness(t, DefaultRunnerConfig())
	ctx := context.Background()

	_, err := h.trigger.OnEvent(ctx, Event{
		CreatorID:  h.creatorID,
		FollowerID: "u9",
		Signal:     SignalProductInterest,
		Name:       "Lucía",
		Email:      "Lucia@Example.com",
		Platform:   "telegram",
	})
	require.NoError(t, err)

	lead, err := h.leads.Lookup(ctx, h.creatorID, "u9")
	require.NoError(t, err)
	assert.Equal(t, "Lucía", lead.Name)
	assert.Equal(t, "lucia@example.com", lead.Email)

	res, err := h.trigger.OnEvent(ctx, Event{CreatorID: h.creatorID, FollowerID: "u9", Signal: SignalInactive})
	require.NoError(t, err)

	e, err := h.store.Get(ctx, res.EnrollmentID)
	require.NoError(t, err)
	assert.Equal(t, "Lucía", e.Vars[VarName])

	lead, err = h.leads.Lookup(ctx, h.creatorID, "u9")
	require.NoError(t, err)
	assert.Equal(t, "telegram", lead.Platform, "empty fields do not overwrite the profile")
}

func TestTriggerConcurrentEventsEnrollOnce(t *testing.T) {
	h := newHarness(t, DefaultRunnerConfig())
	ctx := context.Background()

	const workers = 8
	results := make([]*TriggerResult, workers)
	errs := make([]error, workers)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = h.trigger.OnEvent(ctx, Event{
				CreatorID:  h.creatorID,
				FollowerID: "race",
				Signal:     SignalPriceQuestionUnanswered,
			})
		}(i)
	}
	wg.Wait()

	enrolled := 0
	for i := 0; i < workers; i++ {
		require.NoError(t, errs[i], fmt.Sprintf("worker %d", i))
		if !results[i].Skipped {
			enrolled++
		} else {
			assert.Equal(t, SkipAlreadyEnrolled, results[i].Reason)
		}
	}
	assert.Equal(t, 1, enrolled)

	list, err := h.store.ListBySequence(ctx, h.creatorID, models.SequenceAbandoned)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}
