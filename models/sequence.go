package models

import "time"

// SequenceType identifies one of the built-in nurturing sequences
type SequenceType string

const (
	SequenceAbandoned    SequenceType = "abandoned"
	SequenceInterestCold SequenceType = "interest_cold"
	SequenceReEngagement SequenceType = "re_engagement"
	SequencePostPurchase SequenceType = "post_purchase"
)

// SequenceTypes returns every known type in catalog order
func SequenceTypes() []SequenceType {
	return []SequenceType{
		SequenceAbandoned,
		SequenceInterestCold,
		SequenceReEngagement,
		SequencePostPurchase,
	}
}

// Valid reports whether t is one of the known sequence types
func (t SequenceType) Valid() bool {
	for _, known := range SequenceTypes() {
		if t == known {
			return true
		}
	}
	return false
}

// SequenceSetting stores a creator's toggle state and optional step override
// for one sequence type. A nil Steps slice means the built-in steps apply.
type SequenceSetting struct {
	ID           uint                   `gorm:"primarykey" json:"id"`
	CreatorID    uint                   `gorm:"not null;uniqueIndex:idx_setting_creator_type" json:"creator_id"`
	SequenceType SequenceType           `gorm:"not null;size:32;uniqueIndex:idx_setting_creator_type" json:"sequence_type"`
	IsActive     bool                   `gorm:"not null" json:"is_active"`
	Steps        []SequenceStepOverride `gorm:"type:text;serializer:json" json:"steps,omitempty"`
	CreatedAt    time.Time              `json:"created_at"`
	UpdatedAt    time.Time              `json:"updated_at"`
}

// SequenceStepOverride is one creator-supplied step
type SequenceStepOverride struct {
	DelayHours int    `json:"delay_hours"`
	Message    string `json:"message"`
}
