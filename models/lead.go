package models

import "time"

// Lead is a contact tracked for a creator, identified by its follower id
type Lead struct {
	ID         uint   `gorm:"primarykey" json:"id"`
	CreatorID  uint   `gorm:"not null;uniqueIndex:idx_lead_creator_follower" json:"creator_id"`
	FollowerID string `gorm:"not null;size:191;uniqueIndex:idx_lead_creator_follower" json:"follower_id"`

	Name     string `json:"name"`
	Email    string `gorm:"index" json:"email"`
	Platform string `gorm:"size:32" json:"platform"` // instagram, telegram, whatsapp, email

	// Metadata
	LastEventAt *time.Time `json:"last_event_at"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}
