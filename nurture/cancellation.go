package nurture

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"leadnurture/metrics"
	"leadnurture/models"
)

// Cancel reasons recorded on the enrollment
const (
	ReasonReplied   = "replied"
	ReasonPurchased = "purchased"
	ReasonManual    = "manual"
)

// CancelOutcome is what happened to one enrollment. Deferred means the
// enrollment was mid-send and ends cancelled when the runner releases it.
type CancelOutcome struct {
	EnrollmentID string              `json:"enrollment_id"`
	SequenceType models.SequenceType `json:"sequence_type"`
	Status       string              `json:"status"`
	Deferred     bool                `json:"deferred,omitempty"`
}

// CancellationPolicy stops drips when the lead engages or converts, or when
// the creator asks for it.
type CancellationPolicy struct {
	store   EnrollmentStore
	metrics *metrics.Metrics
	logger  logrus.FieldLogger
	now     Clock
}

type CancelOption func(*CancellationPolicy)

func WithCancelClock(c Clock) CancelOption {
	return func(p *CancellationPolicy) { p.now = c }
}

func WithCancelMetrics(m *metrics.Metrics) CancelOption {
	return func(p *CancellationPolicy) { p.metrics = m }
}

func NewCancellationPolicy(store EnrollmentStore, logger logrus.FieldLogger, opts ...CancelOption) *CancellationPolicy {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	p := &CancellationPolicy{
		store:  store,
		logger: logger.WithField("component", "cancellation"),
		now:    utcNow,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// OnLeadReplied cancels every active enrollment of the follower
func (p *CancellationPolicy) OnLeadReplied(ctx context.Context, creatorID uint, followerID string) ([]CancelOutcome, error) {
	return p.cancelFollower(ctx, creatorID, followerID, ReasonReplied)
}

// OnLeadPurchased cancels every active enrollment of the follower. The
// product is only logged; enrolling post_purchase is the caller's decision.
func (p *CancellationPolicy) OnLeadPurchased(ctx context.Context, creatorID uint, followerID, product string) ([]CancelOutcome, error) {
	p.logger.WithFields(logrus.Fields{
		"creator_id":  creatorID,
		"follower_id": followerID,
		"product":     product,
	}).Info("Purchase confirmed, stopping drips")
	return p.cancelFollower(ctx, creatorID, followerID, ReasonPurchased)
}

// CancelFollowerSequence cancels the follower's active enrollment in one sequence
func (p *CancellationPolicy) CancelFollowerSequence(ctx context.Context, creatorID uint, followerID string, sequenceType models.SequenceType) (*CancelOutcome, error) {
	if !sequenceType.Valid() {
		return nil, &NotFoundError{Kind: "sequence", ID: string(sequenceType)}
	}
	e, err := p.store.FindActive(ctx, creatorID, strings.TrimSpace(followerID), sequenceType)
	if err != nil {
		return nil, err
	}
	return p.cancelOne(ctx, e, ReasonManual)
}

// CancelManually cancels an enrollment by id, checking it belongs to the creator
func (p *CancellationPolicy) CancelManually(ctx context.Context, creatorID uint, enrollmentID string) (*CancelOutcome, error) {
	e, err := p.store.Get(ctx, enrollmentID)
	if err != nil {
		return nil, err
	}
	if e.CreatorID != creatorID {
		return nil, &NotFoundError{Kind: "enrollment", ID: enrollmentID}
	}
	return p.cancelOne(ctx, e, ReasonManual)
}

func (p *CancellationPolicy) cancelFollower(ctx context.Context, creatorID uint, followerID, reason string) ([]CancelOutcome, error) {
	followerID = strings.TrimSpace(followerID)
	if followerID == "" {
		return nil, &ValidationError{StepIndex: -1, Message: "follower_id is required"}
	}

	active, err := p.store.ListActiveByFollower(ctx, creatorID, followerID)
	if err != nil {
		return nil, err
	}

	outcomes := make([]CancelOutcome, 0, len(active))
	for i := range active {
		out, err := p.cancelOne(ctx, &active[i], reason)
		if errors.Is(err, ErrNotActive) {
			// finished between listing and cancelling
			continue
		}
		if err != nil {
			return outcomes, fmt.Errorf("cancel enrollment %s: %w", active[i].ID, err)
		}
		outcomes = append(outcomes, *out)
	}
	return outcomes, nil
}

func (p *CancellationPolicy) cancelOne(ctx context.Context, e *models.Enrollment, reason string) (*CancelOutcome, error) {
	status, err := p.store.Cancel(ctx, e.ID, reason, p.now())
	if errors.Is(err, ErrClaimConflict) {
		// a claim landed between the two updates; one retry sees the new status
		status, err = p.store.Cancel(ctx, e.ID, reason, p.now())
	}
	if err != nil {
		return nil, err
	}

	out := &CancelOutcome{
		EnrollmentID: e.ID,
		SequenceType: e.SequenceType,
		Status:       string(status),
		Deferred:     status == models.EnrollmentSending,
	}
	if status == models.EnrollmentCancelled {
		p.metrics.EnrollmentCancelled(reason)
	}
	p.logger.WithFields(logrus.Fields{
		"enrollment_id": e.ID,
		"follower_id":   e.FollowerID,
		"sequence_type": e.SequenceType,
		"reason":        reason,
		"deferred":      out.Deferred,
	}).Info("Enrollment cancelled")
	return out, nil
}
