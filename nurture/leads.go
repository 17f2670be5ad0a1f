package nurture

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"leadnurture/models"
)

// LeadDirectory stores what the engine knows about a follower: display name,
// email and the platform they last wrote from.
type LeadDirectory interface {
	Lookup(ctx context.Context, creatorID uint, followerID string) (*models.Lead, error)
	Touch(ctx context.Context, lead models.Lead) error
}

type GormLeads struct {
	db *gorm.DB
}

func NewGormLeads(db *gorm.DB) *GormLeads {
	return &GormLeads{db: db}
}

func (l *GormLeads) Lookup(ctx context.Context, creatorID uint, followerID string) (*models.Lead, error) {
	var lead models.Lead
	err := l.db.WithContext(ctx).
		Where("creator_id = ? AND follower_id = ?", creatorID, followerID).
		First(&lead).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, &NotFoundError{Kind: "lead", ID: followerID}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load lead: %w", err)
	}
	return &lead, nil
}

// Touch upserts a lead. Empty profile fields never overwrite stored ones.
func (l *GormLeads) Touch(ctx context.Context, lead models.Lead) error {
	lead.Name = strings.TrimSpace(lead.Name)
	lead.Email = strings.TrimSpace(strings.ToLower(lead.Email))
	if lead.LastEventAt == nil {
		now := time.Now().UTC()
		lead.LastEventAt = &now
	}

	assignments := map[string]interface{}{
		"last_event_at": lead.LastEventAt,
		"updated_at":    time.Now().UTC(),
	}
	if lead.Name != "" {
		assignments["name"] = lead.Name
	}
	if lead.Email != "" {
		assignments["email"] = lead.Email
	}
	if lead.Platform != "" {
		assignments["platform"] = lead.Platform
	}

	err := l.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "creator_id"}, {Name: "follower_id"}},
		DoUpdates: clause.Assignments(assignments),
	}).Create(&lead).Error
	if err != nil {
		return fmt.Errorf("failed to upsert lead: %w", err)
	}
	return nil
}
