package models

import "gorm.io/gorm"

// Creator is the account that owns sequences, leads and enrollments
type Creator struct {
	gorm.Model

	Email string  `gorm:"uniqueIndex;not null" json:"email"`
	Name  *string `json:"name,omitempty"`

	// Account status
	IsActive     bool `gorm:"default:true" json:"is_active"`
	TokenVersion int  `gorm:"default:0" json:"-"`

	// Relations
	Leads    []Lead            `gorm:"foreignKey:CreatorID" json:"leads,omitempty"`
	Settings []SequenceSetting `gorm:"foreignKey:CreatorID" json:"settings,omitempty"`
}
