package nurture

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"leadnurture/models"
)

// Catalog resolves sequence definitions: built-in defaults merged with each
// creator's stored toggle and step override.
type Catalog struct {
	db       *gorm.DB
	builtins map[models.SequenceType]builtinSequence
	logger   logrus.FieldLogger
}

// NewCatalog validates the built-in table and returns a catalog backed by db
func NewCatalog(db *gorm.DB, logger logrus.FieldLogger) (*Catalog, error) {
	if err := validateBuiltins(builtinSequences); err != nil {
		return nil, fmt.Errorf("invalid built-in catalog: %w", err)
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Catalog{
		db:       db,
		builtins: builtinSequences,
		logger:   logger.WithField("component", "catalog"),
	}, nil
}

// Get returns the effective definition of one sequence for a creator
func (c *Catalog) Get(ctx context.Context, creatorID uint, sequenceType models.SequenceType) (*Definition, error) {
	if !sequenceType.Valid() {
		return nil, &NotFoundError{Kind: "sequence", ID: string(sequenceType)}
	}

	var setting models.SequenceSetting
	err := c.db.WithContext(ctx).
		Where("creator_id = ? AND sequence_type = ?", creatorID, sequenceType).
		First(&setting).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return c.definition(sequenceType, nil), nil
	case err != nil:
		return nil, fmt.Errorf("failed to load sequence setting: %w", err)
	}
	return c.definition(sequenceType, &setting), nil
}

// List returns every sequence for a creator in catalog order
func (c *Catalog) List(ctx context.Context, creatorID uint) ([]Definition, error) {
	var settings []models.SequenceSetting
	if err := c.db.WithContext(ctx).Where("creator_id = ?", creatorID).Find(&settings).Error; err != nil {
		return nil, fmt.Errorf("failed to list sequence settings: %w", err)
	}

	byType := make(map[models.SequenceType]*models.SequenceSetting, len(settings))
	for i := range settings {
		byType[settings[i].SequenceType] = &settings[i]
	}

	defs := make([]Definition, 0, len(c.builtins))
	for _, t := range models.SequenceTypes() {
		defs = append(defs, *c.definition(t, byType[t]))
	}
	return defs, nil
}

// ListActive returns only the sequences accepting new enrollments
func (c *Catalog) ListActive(ctx context.Context, creatorID uint) ([]Definition, error) {
	all, err := c.List(ctx, creatorID)
	if err != nil {
		return nil, err
	}
	active := all[:0]
	for _, d := range all {
		if d.IsActive {
			active = append(active, d)
		}
	}
	return active, nil
}

// UpsertOverride replaces the creator's steps for a sequence after validating them
func (c *Catalog) UpsertOverride(ctx context.Context, creatorID uint, sequenceType models.SequenceType, steps []models.SequenceStepOverride) (*Definition, error) {
	if !sequenceType.Valid() {
		return nil, &NotFoundError{Kind: "sequence", ID: string(sequenceType)}
	}

	cleaned := make([]models.SequenceStepOverride, len(steps))
	for i, s := range steps {
		cleaned[i] = models.SequenceStepOverride{DelayHours: s.DelayHours, Message: strings.TrimSpace(s.Message)}
	}
	if err := ValidateSteps(cleaned); err != nil {
		return nil, err
	}

	setting := models.SequenceSetting{
		CreatorID:    creatorID,
		SequenceType: sequenceType,
		IsActive:     true,
		Steps:        cleaned,
	}
	err := c.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "creator_id"}, {Name: "sequence_type"}},
		DoUpdates: clause.AssignmentColumns([]string{"steps", "updated_at"}),
	}).Create(&setting).Error
	if err != nil {
		return nil, fmt.Errorf("failed to store sequence override: %w", err)
	}

	c.logger.WithFields(logrus.Fields{
		"creator_id":    creatorID,
		"sequence_type": sequenceType,
		"steps":         len(cleaned),
	}).Info("sequence override stored")

	return c.Get(ctx, creatorID, sequenceType)
}

// RestoreDefaults drops the creator's override; the toggle state is kept
func (c *Catalog) RestoreDefaults(ctx context.Context, creatorID uint, sequenceType models.SequenceType) (*Definition, error) {
	if !sequenceType.Valid() {
		return nil, &NotFoundError{Kind: "sequence", ID: string(sequenceType)}
	}

	err := c.db.WithContext(ctx).Model(&models.SequenceSetting{}).
		Where("creator_id = ? AND sequence_type = ?", creatorID, sequenceType).
		Update("steps", gorm.Expr("NULL")).Error
	if err != nil {
		return nil, fmt.Errorf("failed to restore default steps: %w", err)
	}

	c.logger.WithFields(logrus.Fields{
		"creator_id":    creatorID,
		"sequence_type": sequenceType,
	}).Info("sequence defaults restored")

	return c.Get(ctx, creatorID, sequenceType)
}

// Toggle flips is_active in a single statement so concurrent toggles and
// reads never observe a half-applied change.
func (c *Catalog) Toggle(ctx context.Context, creatorID uint, sequenceType models.SequenceType) (*Definition, error) {
	if err := c.ensureSetting(ctx, creatorID, sequenceType); err != nil {
		return nil, err
	}

	err := c.db.WithContext(ctx).Model(&models.SequenceSetting{}).
		Where("creator_id = ? AND sequence_type = ?", creatorID, sequenceType).
		Update("is_active", gorm.Expr("NOT is_active")).Error
	if err != nil {
		return nil, fmt.Errorf("failed to toggle sequence: %w", err)
	}
	return c.Get(ctx, creatorID, sequenceType)
}

// SetActive sets is_active explicitly
func (c *Catalog) SetActive(ctx context.Context, creatorID uint, sequenceType models.SequenceType, active bool) (*Definition, error) {
	if err := c.ensureSetting(ctx, creatorID, sequenceType); err != nil {
		return nil, err
	}

	err := c.db.WithContext(ctx).Model(&models.SequenceSetting{}).
		Where("creator_id = ? AND sequence_type = ?", creatorID, sequenceType).
		Update("is_active", active).Error
	if err != nil {
		return nil, fmt.Errorf("failed to update sequence state: %w", err)
	}
	return c.Get(ctx, creatorID, sequenceType)
}

// ensureSetting inserts the default row (active, no override) if missing
func (c *Catalog) ensureSetting(ctx context.Context, creatorID uint, sequenceType models.SequenceType) error {
	if !sequenceType.Valid() {
		return &NotFoundError{Kind: "sequence", ID: string(sequenceType)}
	}
	setting := models.SequenceSetting{CreatorID: creatorID, SequenceType: sequenceType, IsActive: true}
	err := c.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&setting).Error
	if err != nil {
		return fmt.Errorf("failed to initialise sequence setting: %w", err)
	}
	return nil
}

func (c *Catalog) definition(t models.SequenceType, setting *models.SequenceSetting) *Definition {
	b := c.builtins[t]
	def := &Definition{
		Type:        t,
		DisplayName: b.DisplayName,
		Description: b.Description,
		Steps:       toSteps(b.Steps),
		IsActive:    true,
	}
	if setting != nil {
		def.IsActive = setting.IsActive
		if len(setting.Steps) > 0 {
			def.Steps = toSteps(setting.Steps)
			def.IsCustomized = true
		}
	}
	return def
}
