package nurture

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"

	"leadnurture/metrics"
	"leadnurture/models"
)

// Upstream signals understood by the trigger engine
const (
	SignalPriceQuestionUnanswered = "price_question_unanswered"
	SignalProductInterest         = "product_interest"
	SignalInactive                = "inactive"
	SignalPurchaseConfirmed       = "purchase_confirmed"
)

var signalSequences = map[string]models.SequenceType{
	SignalPriceQuestionUnanswered: models.SequenceAbandoned,
	SignalProductInterest:         models.SequenceInterestCold,
	SignalInactive:                models.SequenceReEngagement,
	SignalPurchaseConfirmed:       models.SequencePostPurchase,
}

// Skip reasons reported in TriggerResult
const (
	SkipInactive        = "inactive"
	SkipAlreadyEnrolled = "already_enrolled"
)

// Event is a behavioural signal about one follower. Either SequenceType or
// Signal selects the sequence.
type Event struct {
	CreatorID    uint                `json:"-" validate:"required"`
	FollowerID   string              `json:"follower_id" validate:"required,max=191"`
	SequenceType models.SequenceType `json:"sequence_type"`
	Signal       string              `json:"signal"`
	Platform     string              `json:"platform" validate:"omitempty,max=32"`
	Name         string              `json:"name"`
	Email        string              `json:"email" validate:"omitempty,email"`
	Vars         map[string]string   `json:"vars"`
	OccurredAt   time.Time           `json:"occurred_at"`
}

// TriggerResult is either a new enrollment or a skip with its reason
type TriggerResult struct {
	EnrollmentID    string              `json:"enrollment_id,omitempty"`
	SequenceType    models.SequenceType `json:"sequence_type"`
	Skipped         bool                `json:"skipped"`
	Reason          string              `json:"reason,omitempty"`
	NextScheduledAt *time.Time          `json:"next_scheduled_at,omitempty"`
}

type TriggerEngine struct {
	catalog  DefinitionSource
	store    EnrollmentStore
	leads    LeadDirectory
	metrics  *metrics.Metrics
	logger   logrus.FieldLogger
	validate *validator.Validate
	now      Clock
}

type TriggerOption func(*TriggerEngine)

// WithTriggerClock overrides the time source
func WithTriggerClock(c Clock) TriggerOption {
	return func(t *TriggerEngine) { t.now = c }
}

// WithTriggerMetrics attaches prometheus collectors
func WithTriggerMetrics(m *metrics.Metrics) TriggerOption {
	return func(t *TriggerEngine) { t.metrics = m }
}

// NewTriggerEngine wires the engine. leads may be nil, in which case no lead
// profile is kept and templates only see the event's vars.
func NewTriggerEngine(catalog DefinitionSource, store EnrollmentStore, leads LeadDirectory, logger logrus.FieldLogger, opts ...TriggerOption) *TriggerEngine {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	t := &TriggerEngine{
		catalog:  catalog,
		store:    store,
		leads:    leads,
		logger:   logger.WithField("component", "trigger"),
		validate: validator.New(),
		now:      utcNow,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// ResolveSequence maps an explicit type or an upstream signal to a sequence
func ResolveSequence(sequenceType models.SequenceType, signal string) (models.SequenceType, error) {
	if sequenceType != "" {
		if !sequenceType.Valid() {
			return "", &NotFoundError{Kind: "sequence", ID: string(sequenceType)}
		}
		return sequenceType, nil
	}
	t, ok := signalSequences[strings.TrimSpace(signal)]
	if !ok {
		return "", &NotFoundError{Kind: "signal", ID: signal}
	}
	return t, nil
}

// OnEvent enrolls the follower in the sequence the event points at, unless the
// sequence is inactive or the follower is already in it.
func (t *TriggerEngine) OnEvent(ctx context.Context, ev Event) (*TriggerResult, error) {
	ev.FollowerID = strings.TrimSpace(ev.FollowerID)
	if err := t.validate.Struct(ev); err != nil {
		return nil, &ValidationError{StepIndex: -1, Message: fmt.Sprintf("invalid event: %v", err)}
	}

	seqType, err := ResolveSequence(ev.SequenceType, ev.Signal)
	if err != nil {
		return nil, err
	}
	result := &TriggerResult{SequenceType: seqType}

	now := t.now()
	t.touchLead(ctx, ev, now)

	def, err := t.catalog.Get(ctx, ev.CreatorID, seqType)
	if err != nil {
		return nil, err
	}
	log := t.logger.WithFields(logrus.Fields{
		"creator_id":    ev.CreatorID,
		"follower_id":   ev.FollowerID,
		"sequence_type": seqType,
	})

	if !def.IsActive {
		log.Debug("Sequence inactive, trigger skipped")
		t.metrics.TriggerSkipped(SkipInactive)
		result.Skipped, result.Reason = true, SkipInactive
		return result, nil
	}

	// Fast path; the unique active key still decides races below.
	if _, err := t.store.FindActive(ctx, ev.CreatorID, ev.FollowerID, seqType); err == nil {
		t.metrics.TriggerSkipped(SkipAlreadyEnrolled)
		result.Skipped, result.Reason = true, SkipAlreadyEnrolled
		return result, nil
	} else if !IsNotFound(err) {
		return nil, err
	}

	first, _ := def.ScheduleAt(now, 0)
	enrollment := &models.Enrollment{
		CreatorID:        ev.CreatorID,
		FollowerID:       ev.FollowerID,
		SequenceType:     seqType,
		Platform:         ev.Platform,
		Vars:             t.vars(ctx, ev),
		EnrolledAt:       now,
		CurrentStepIndex: 0,
		NextScheduledAt:  &first,
		Status:           models.EnrollmentPending,
	}
	if err := t.store.Create(ctx, enrollment); err != nil {
		if errors.Is(err, ErrAlreadyEnrolled) {
			t.metrics.TriggerSkipped(SkipAlreadyEnrolled)
			result.Skipped, result.Reason = true, SkipAlreadyEnrolled
			return result, nil
		}
		return nil, err
	}

	t.metrics.EnrollmentCreated(string(seqType))
	log.WithFields(logrus.Fields{
		"enrollment_id":     enrollment.ID,
		"next_scheduled_at": first,
	}).Info("Follower enrolled")

	result.EnrollmentID = enrollment.ID
	result.NextScheduledAt = &first
	return result, nil
}

func (t *TriggerEngine) touchLead(ctx context.Context, ev Event, now time.Time) {
	if t.leads == nil {
		return
	}
	seen := now
	if !ev.OccurredAt.IsZero() {
		seen = ev.OccurredAt.UTC()
	}
	err := t.leads.Touch(ctx, models.Lead{
		CreatorID:   ev.CreatorID,
		FollowerID:  ev.FollowerID,
		Name:        ev.Name,
		Email:       ev.Email,
		Platform:    ev.Platform,
		LastEventAt: &seen,
	})
	if err != nil {
		t.logger.WithError(err).WithField("follower_id", ev.FollowerID).Warn("Failed to update lead profile")
	}
}

// vars copies the event's template values and fills the name from the event or
// the lead directory when missing.
func (t *TriggerEngine) vars(ctx context.Context, ev Event) map[string]string {
	vars := make(map[string]string, len(ev.Vars)+1)
	for k, v := range ev.Vars {
		vars[k] = v
	}
	if strings.TrimSpace(vars[VarName]) != "" {
		return vars
	}
	if ev.Name != "" {
		vars[VarName] = ev.Name
		return vars
	}
	if t.leads != nil {
		if lead, err := t.leads.Lookup(ctx, ev.CreatorID, ev.FollowerID); err == nil && lead.Name != "" {
			vars[VarName] = lead.Name
		}
	}
	return vars
}
