package models

import "time"

// EnrollmentStatus is the lifecycle state of an Enrollment
type EnrollmentStatus string

const (
	EnrollmentPending   EnrollmentStatus = "pending"
	EnrollmentSending   EnrollmentStatus = "sending" // claimed by a runner
	EnrollmentCompleted EnrollmentStatus = "completed"
	EnrollmentCancelled EnrollmentStatus = "cancelled"
	EnrollmentFailed    EnrollmentStatus = "failed" // retries exhausted
)

// Active reports whether the enrollment can still deliver steps
func (s EnrollmentStatus) Active() bool {
	return s == EnrollmentPending || s == EnrollmentSending
}

// Terminal reports whether no further transitions are possible
func (s EnrollmentStatus) Terminal() bool {
	return !s.Active()
}

// Enrollment tracks one lead progressing through one sequence
type Enrollment struct {
	ID           string            `gorm:"primaryKey;size:36" json:"id"`
	CreatorID    uint              `gorm:"not null;index:idx_enrollment_follower" json:"creator_id"`
	FollowerID   string            `gorm:"not null;size:191;index:idx_enrollment_follower" json:"follower_id"`
	SequenceType SequenceType      `gorm:"not null;size:32;index:idx_enrollment_follower" json:"sequence_type"`
	Platform     string            `gorm:"size:32" json:"platform"`
	Vars         map[string]string `gorm:"type:text;serializer:json" json:"vars,omitempty"`

	EnrolledAt       time.Time        `gorm:"not null" json:"enrolled_at"`
	CurrentStepIndex int              `gorm:"not null;default:0" json:"current_step_index"`
	NextScheduledAt  *time.Time       `gorm:"index" json:"next_scheduled_at"`
	Status           EnrollmentStatus `gorm:"not null;size:16;index" json:"status"`

	// ActiveKey is set only while the enrollment is pending or sending; the
	// unique index keeps one active enrollment per follower and sequence.
	ActiveKey *string `gorm:"uniqueIndex;size:255" json:"-"`

	Attempts        int        `gorm:"not null;default:0" json:"attempts"`
	LastError       string     `gorm:"type:text" json:"last_error,omitempty"`
	ClaimedAt       *time.Time `json:"claimed_at,omitempty"`
	CancelRequested bool       `gorm:"not null;default:false" json:"cancel_requested"`
	CancelReason    string     `gorm:"size:64" json:"cancel_reason,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	CancelledAt     *time.Time `json:"cancelled_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// Relations
	Sends []EnrollmentSend `gorm:"foreignKey:EnrollmentID" json:"sent_log,omitempty"`
}

// EnrollmentSend is one entry of an enrollment's append-only sent log
type EnrollmentSend struct {
	ID           uint         `gorm:"primarykey" json:"-"`
	EnrollmentID string       `gorm:"not null;size:36;index" json:"-"`
	CreatorID    uint         `gorm:"not null;index" json:"-"`
	SequenceType SequenceType `gorm:"not null;size:32;index" json:"-"`
	StepIndex    int          `gorm:"not null" json:"step_index"`
	SentAt       time.Time    `gorm:"not null" json:"sent_at"`
	PlatformUsed string       `gorm:"size:32" json:"platform_used"`
}
