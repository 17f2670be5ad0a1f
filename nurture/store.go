package nurture

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"leadnurture/models"
)

// DueQuery selects the enrollments a runner pass works on
type DueQuery struct {
	Now       time.Time
	ForceDue  bool // ignore next_scheduled_at
	Limit     int
	CreatorID uint // 0 means every creator
}

// Advancement is applied after a step was delivered (or skipped because the
// definition no longer has it).
type Advancement struct {
	Status          models.EnrollmentStatus // pending or completed
	StepIndex       int
	NextScheduledAt *time.Time
	Sent            *models.EnrollmentSend
	Now             time.Time
}

// Release returns a claimed enrollment after a failed delivery
type Release struct {
	RetryAt     time.Time
	Error       string
	MaxAttempts int
	Now         time.Time
}

// ClaimRequest names the step a runner wants to take. Unless ForceDue is set
// the step must also be due at Now, so a runner working from an old due list
// cannot jump a retry backoff.
type ClaimRequest struct {
	StepIndex int
	Now       time.Time
	ForceDue  bool
}

// SequenceStats backs the counters shown next to each sequence
type SequenceStats struct {
	Enrolled int64 `json:"enrolled_count"`
	Pending  int64 `json:"pending_count"`
	Sent     int64 `json:"sent_count"`
}

// EnrollmentStore is the single shared mutable resource of the engine. Every
// transition is a compare-and-set on (status, current_step_index).
type EnrollmentStore interface {
	Create(ctx context.Context, e *models.Enrollment) error
	Get(ctx context.Context, id string) (*models.Enrollment, error)
	FindActive(ctx context.Context, creatorID uint, followerID string, sequenceType models.SequenceType) (*models.Enrollment, error)
	ListBySequence(ctx context.Context, creatorID uint, sequenceType models.SequenceType, statuses ...models.EnrollmentStatus) ([]models.Enrollment, error)
	ListActiveByFollower(ctx context.Context, creatorID uint, followerID string) ([]models.Enrollment, error)
	ListDue(ctx context.Context, q DueQuery) ([]models.Enrollment, error)
	Claim(ctx context.Context, id string, req ClaimRequest) (int, error)
	Advance(ctx context.Context, id string, fromStep int, adv Advancement) (models.EnrollmentStatus, error)
	Release(ctx context.Context, id string, fromStep int, rel Release) (models.EnrollmentStatus, error)
	Cancel(ctx context.Context, id string, reason string, now time.Time) (models.EnrollmentStatus, error)
	RecoverStaleClaims(ctx context.Context, claimedBefore, now time.Time) (int64, error)
	Stats(ctx context.Context, creatorID uint) (map[models.SequenceType]SequenceStats, error)
}

// GormStore implements EnrollmentStore with gorm. Tested on sqlite, run on
// postgres.
type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func activeKey(creatorID uint, followerID string, sequenceType models.SequenceType) string {
	return fmt.Sprintf("%d:%s:%s", creatorID, sequenceType, followerID)
}

// Create inserts a new pending enrollment. The unique active_key turns a lost
// race between two triggers into ErrAlreadyEnrolled.
func (s *GormStore) Create(ctx context.Context, e *models.Enrollment) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Status == "" {
		e.Status = models.EnrollmentPending
	}
	key := activeKey(e.CreatorID, e.FollowerID, e.SequenceType)
	e.ActiveKey = &key

	if err := s.db.WithContext(ctx).Create(e).Error; err != nil {
		if isDuplicateKey(err) {
			return ErrAlreadyEnrolled
		}
		return fmt.Errorf("failed to create enrollment: %w", err)
	}
	return nil
}

func (s *GormStore) Get(ctx context.Context, id string) (*models.Enrollment, error) {
	var e models.Enrollment
	err := s.db.WithContext(ctx).
		Preload("Sends", func(db *gorm.DB) *gorm.DB { return db.Order("step_index ASC, id ASC") }).
		First(&e, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, &NotFoundError{Kind: "enrollment", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load enrollment: %w", err)
	}
	return &e, nil
}

func (s *GormStore) FindActive(ctx context.Context, creatorID uint, followerID string, sequenceType models.SequenceType) (*models.Enrollment, error) {
	var e models.Enrollment
	err := s.db.WithContext(ctx).
		Where("active_key = ?", activeKey(creatorID, followerID, sequenceType)).
		First(&e).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, &NotFoundError{Kind: "active enrollment", ID: followerID + "/" + string(sequenceType)}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find active enrollment: %w", err)
	}
	return &e, nil
}

func (s *GormStore) ListBySequence(ctx context.Context, creatorID uint, sequenceType models.SequenceType, statuses ...models.EnrollmentStatus) ([]models.Enrollment, error) {
	q := s.db.WithContext(ctx).
		Where("creator_id = ? AND sequence_type = ?", creatorID, sequenceType)
	if len(statuses) > 0 {
		q = q.Where("status IN ?", statuses)
	}

	var out []models.Enrollment
	if err := q.Order("enrolled_at ASC").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("failed to list enrollments: %w", err)
	}
	return out, nil
}

func (s *GormStore) ListActiveByFollower(ctx context.Context, creatorID uint, followerID string) ([]models.Enrollment, error) {
	var out []models.Enrollment
	err := s.db.WithContext(ctx).
		Where("creator_id = ? AND follower_id = ? AND status IN ?", creatorID, followerID,
			[]models.EnrollmentStatus{models.EnrollmentPending, models.EnrollmentSending}).
		Order("enrolled_at ASC").
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list follower enrollments: %w", err)
	}
	return out, nil
}

// ListDue returns pending enrollments whose next step is due, oldest first
func (s *GormStore) ListDue(ctx context.Context, q DueQuery) ([]models.Enrollment, error) {
	tx := s.db.WithContext(ctx).Where("status = ?", models.EnrollmentPending)
	if !q.ForceDue {
		tx = tx.Where("next_scheduled_at <= ?", q.Now)
	}
	if q.CreatorID != 0 {
		tx = tx.Where("creator_id = ?", q.CreatorID)
	}
	if q.Limit > 0 {
		tx = tx.Limit(q.Limit)
	}

	var out []models.Enrollment
	if err := tx.Order("next_scheduled_at ASC").Order("id ASC").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("failed to list due enrollments: %w", err)
	}
	return out, nil
}

// Claim moves pending -> sending for the given step and returns the attempt
// count stored on the claimed row.
func (s *GormStore) Claim(ctx context.Context, id string, req ClaimRequest) (int, error) {
	var attempts int
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		q := tx.Model(&models.Enrollment{}).
			Where("id = ? AND status = ? AND current_step_index = ?", id, models.EnrollmentPending, req.StepIndex)
		if !req.ForceDue {
			q = q.Where("next_scheduled_at <= ?", req.Now)
		}
		res := q.Updates(map[string]interface{}{
			"status":     models.EnrollmentSending,
			"claimed_at": req.Now,
			"attempts":   gorm.Expr("attempts + 1"),
		})
		if res.Error != nil {
			return fmt.Errorf("failed to claim enrollment: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return ErrClaimConflict
		}

		var claimed models.Enrollment
		if err := tx.Select("id", "attempts").First(&claimed, "id = ?", id).Error; err != nil {
			return fmt.Errorf("failed to read claimed enrollment: %w", err)
		}
		attempts = claimed.Attempts
		return nil
	})
	if err != nil {
		return 0, err
	}
	return attempts, nil
}

// Advance finishes a successful claim. The sent log entry is written even when
// the CAS loses, because the message was delivered either way. A cancel that
// arrived while sending turns the result into cancelled, unless the step was
// the last one and the enrollment completes.
func (s *GormStore) Advance(ctx context.Context, id string, fromStep int, adv Advancement) (models.EnrollmentStatus, error) {
	var final models.EnrollmentStatus
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if adv.Sent != nil {
			if err := tx.Create(adv.Sent).Error; err != nil {
				return fmt.Errorf("failed to append sent log: %w", err)
			}
		}

		next := map[string]interface{}{
			"status":             adv.Status,
			"current_step_index": adv.StepIndex,
			"next_scheduled_at":  adv.NextScheduledAt,
			"attempts":           0,
			"last_error":         "",
			"claimed_at":         nil,
		}
		if adv.Status.Terminal() {
			next["active_key"] = nil
			next["next_scheduled_at"] = nil
		}

		// the last step went out, so the sequence is done even if a cancel
		// arrived meanwhile
		if adv.Status == models.EnrollmentCompleted {
			next["completed_at"] = adv.Now
			next["cancel_requested"] = false
			n, err := casSending(tx, id, fromStep, "", nil, next)
			if err != nil {
				return err
			}
			if n == 0 {
				return ErrClaimConflict
			}
			final = models.EnrollmentCompleted
			return nil
		}

		// cancel_requested only flips false -> true while sending, so two
		// rounds cover a cancel landing between the statements.
		for round := 0; round < 2; round++ {
			n, err := casSending(tx, id, fromStep, "cancel_requested = ?", []interface{}{true}, cancelledUpdates(adv.StepIndex, adv.Now))
			if err != nil {
				return err
			}
			if n > 0 {
				final = models.EnrollmentCancelled
				return nil
			}
			n, err = casSending(tx, id, fromStep, "cancel_requested = ?", []interface{}{false}, next)
			if err != nil {
				return err
			}
			if n > 0 {
				final = adv.Status
				return nil
			}
		}
		return ErrClaimConflict
	})
	if errors.Is(err, ErrClaimConflict) {
		// keep the sent log even though the transition was lost
		if adv.Sent != nil {
			adv.Sent.ID = 0
			if logErr := s.db.WithContext(ctx).Create(adv.Sent).Error; logErr != nil {
				return "", fmt.Errorf("failed to append sent log after lost claim: %w", logErr)
			}
		}
		return "", ErrClaimConflict
	}
	if err != nil {
		return "", err
	}
	return final, nil
}

// Release returns the enrollment to pending at the same step, or ends it as
// failed once the step used up MaxAttempts, or as cancelled if a cancel is
// waiting.
func (s *GormStore) Release(ctx context.Context, id string, fromStep int, rel Release) (models.EnrollmentStatus, error) {
	maxAttempts := rel.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = int(^uint32(0) >> 1)
	}
	lastError := truncate(rel.Error, 1000)

	var final models.EnrollmentStatus
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		cancelled := cancelledUpdates(fromStep, rel.Now)
		cancelled["last_error"] = lastError

		for round := 0; round < 2; round++ {
			n, err := casSending(tx, id, fromStep, "cancel_requested = ?", []interface{}{true}, cancelled)
			if err != nil {
				return err
			}
			if n > 0 {
				final = models.EnrollmentCancelled
				return nil
			}

			n, err = casSending(tx, id, fromStep, "cancel_requested = ? AND attempts >= ?", []interface{}{false, maxAttempts},
				map[string]interface{}{
					"status":            models.EnrollmentFailed,
					"next_scheduled_at": nil,
					"active_key":        nil,
					"claimed_at":        nil,
					"last_error":        lastError,
				})
			if err != nil {
				return err
			}
			if n > 0 {
				final = models.EnrollmentFailed
				return nil
			}

			n, err = casSending(tx, id, fromStep, "cancel_requested = ? AND attempts < ?", []interface{}{false, maxAttempts},
				map[string]interface{}{
					"status":            models.EnrollmentPending,
					"next_scheduled_at": rel.RetryAt,
					"claimed_at":        nil,
					"last_error":        lastError,
				})
			if err != nil {
				return err
			}
			if n > 0 {
				final = models.EnrollmentPending
				return nil
			}
		}
		return ErrClaimConflict
	})
	if err != nil {
		return "", err
	}
	return final, nil
}

// casSending updates the row only if it is still claimed at fromStep and the
// extra condition holds.
func casSending(tx *gorm.DB, id string, fromStep int, cond string, args []interface{}, updates map[string]interface{}) (int64, error) {
	q := tx.Model(&models.Enrollment{}).
		Where("id = ? AND status = ? AND current_step_index = ?", id, models.EnrollmentSending, fromStep)
	if cond != "" {
		q = q.Where(cond, args...)
	}
	res := q.Updates(updates)
	if res.Error != nil {
		return 0, fmt.Errorf("failed to update claimed enrollment: %w", res.Error)
	}
	return res.RowsAffected, nil
}

func cancelledUpdates(stepIndex int, now time.Time) map[string]interface{} {
	return map[string]interface{}{
		"status":             models.EnrollmentCancelled,
		"current_step_index": stepIndex,
		"next_scheduled_at":  nil,
		"active_key":         nil,
		"claimed_at":         nil,
		"attempts":           0,
		"cancelled_at":       now,
	}
}

// Cancel terminates a pending enrollment immediately. A sending enrollment is
// flagged instead and the runner completes the transition when it releases
// its claim. Cancelling an already cancelled enrollment is a no-op.
func (s *GormStore) Cancel(ctx context.Context, id string, reason string, now time.Time) (models.EnrollmentStatus, error) {
	db := s.db.WithContext(ctx)

	res := db.Model(&models.Enrollment{}).
		Where("id = ? AND status = ?", id, models.EnrollmentPending).
		Updates(map[string]interface{}{
			"status":            models.EnrollmentCancelled,
			"cancel_reason":     reason,
			"cancelled_at":      now,
			"next_scheduled_at": nil,
			"active_key":        nil,
		})
	if res.Error != nil {
		return "", fmt.Errorf("failed to cancel enrollment: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		return models.EnrollmentCancelled, nil
	}

	res = db.Model(&models.Enrollment{}).
		Where("id = ? AND status = ?", id, models.EnrollmentSending).
		Updates(map[string]interface{}{
			"cancel_requested": true,
			"cancel_reason":    reason,
		})
	if res.Error != nil {
		return "", fmt.Errorf("failed to flag enrollment for cancellation: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		return models.EnrollmentSending, nil
	}

	var current models.Enrollment
	err := db.Select("id", "status").First(&current, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", &NotFoundError{Kind: "enrollment", ID: id}
	}
	if err != nil {
		return "", fmt.Errorf("failed to load enrollment: %w", err)
	}
	if current.Status == models.EnrollmentCancelled {
		return models.EnrollmentCancelled, nil
	}
	if current.Status.Active() {
		// status moved between the two updates; the caller may retry
		return "", ErrClaimConflict
	}
	return current.Status, ErrNotActive
}

// RecoverStaleClaims returns claims older than claimedBefore to pending (or
// cancelled when a cancel is waiting). A runner that died mid-send may
// therefore deliver that step again.
func (s *GormStore) RecoverStaleClaims(ctx context.Context, claimedBefore, now time.Time) (int64, error) {
	var total int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		stale := tx.Model(&models.Enrollment{}).
			Where("status = ? AND claimed_at < ?", models.EnrollmentSending, claimedBefore).
			Session(&gorm.Session{})

		res := stale.Where("cancel_requested = ?", true).
			Updates(map[string]interface{}{
				"status":            models.EnrollmentCancelled,
				"next_scheduled_at": nil,
				"active_key":        nil,
				"claimed_at":        nil,
				"cancelled_at":      now,
			})
		if res.Error != nil {
			return res.Error
		}
		total += res.RowsAffected

		res = stale.Where("cancel_requested = ?", false).
			Updates(map[string]interface{}{
				"status":     models.EnrollmentPending,
				"claimed_at": nil,
				"last_error": "claim expired",
			})
		if res.Error != nil {
			return res.Error
		}
		total += res.RowsAffected
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to recover stale claims: %w", err)
	}
	return total, nil
}

type statsRow struct {
	SequenceType models.SequenceType
	Total        int64
	Active       int64
}

type sentRow struct {
	SequenceType models.SequenceType
	Total        int64
}

func (s *GormStore) Stats(ctx context.Context, creatorID uint) (map[models.SequenceType]SequenceStats, error) {
	db := s.db.WithContext(ctx)

	var enrolled []statsRow
	err := db.Model(&models.Enrollment{}).
		Select("sequence_type, COUNT(*) AS total, SUM(CASE WHEN status IN (?, ?) THEN 1 ELSE 0 END) AS active",
			models.EnrollmentPending, models.EnrollmentSending).
		Where("creator_id = ?", creatorID).
		Group("sequence_type").
		Scan(&enrolled).Error
	if err != nil {
		return nil, fmt.Errorf("failed to count enrollments: %w", err)
	}

	var sent []sentRow
	err = db.Model(&models.EnrollmentSend{}).
		Select("sequence_type, COUNT(*) AS total").
		Where("creator_id = ?", creatorID).
		Group("sequence_type").
		Scan(&sent).Error
	if err != nil {
		return nil, fmt.Errorf("failed to count sends: %w", err)
	}

	stats := make(map[models.SequenceType]SequenceStats)
	for _, r := range enrolled {
		st := stats[r.SequenceType]
		st.Enrolled, st.Pending = r.Total, r.Active
		stats[r.SequenceType] = st
	}
	for _, r := range sent {
		st := stats[r.SequenceType]
		st.Sent = r.Total
		stats[r.SequenceType] = st
	}
	return stats, nil
}

func isDuplicateKey(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") || strings.Contains(msg, "duplicate key")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
