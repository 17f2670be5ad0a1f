package nurture

import (
	"context"
	"time"

	"leadnurture/models"
)

// Step is one message in a sequence. DelayHours counts from enrollment time.
type Step struct {
	Index      int    `json:"index"`
	DelayHours int    `json:"delay_hours"`
	Message    string `json:"message"`
}

// Definition is the effective sequence for one creator: built-in metadata,
// the creator's toggle, and either the default or the overridden steps.
type Definition struct {
	Type         models.SequenceType `json:"type"`
	DisplayName  string              `json:"name"`
	Description  string              `json:"description"`
	Steps        []Step              `json:"steps"`
	IsActive     bool                `json:"is_active"`
	IsCustomized bool                `json:"is_customized"`
}

// ScheduleAt returns when step index is due for an enrollment made at enrolledAt
func (d *Definition) ScheduleAt(enrolledAt time.Time, index int) (time.Time, bool) {
	if index < 0 || index >= len(d.Steps) {
		return time.Time{}, false
	}
	return enrolledAt.Add(time.Duration(d.Steps[index].DelayHours) * time.Hour), true
}

// IsLast reports whether index is the final step
func (d *Definition) IsLast(index int) bool {
	return index >= len(d.Steps)-1
}

// DefinitionSource is the read side of the catalog used by the trigger engine
// and the runner.
type DefinitionSource interface {
	Get(ctx context.Context, creatorID uint, sequenceType models.SequenceType) (*Definition, error)
}

// Message is what the runner hands to a Sender
type Message struct {
	EnrollmentID string
	CreatorID    uint
	FollowerID   string
	Platform     string
	SequenceType models.SequenceType
	StepIndex    int
	Text         string
}

// Receipt is the sender's answer. Delivered=false counts as a failure.
type Receipt struct {
	Delivered    bool   `json:"delivered"`
	PlatformUsed string `json:"platform_used"`
}

// Sender delivers a rendered step through some channel
type Sender interface {
	Send(ctx context.Context, msg Message) (Receipt, error)
}

// SenderFunc adapts a function to Sender
type SenderFunc func(ctx context.Context, msg Message) (Receipt, error)

func (f SenderFunc) Send(ctx context.Context, msg Message) (Receipt, error) {
	return f(ctx, msg)
}

// Clock returns the current time; tests replace it
type Clock func() time.Time

func utcNow() time.Time {
	return time.Now().UTC()
}
