package models

import "gorm.io/gorm"

// Migrate creates or updates every table the engine needs
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&Creator{},
		&Lead{},
		&SequenceSetting{},
		&Enrollment{},
		&EnrollmentSend{},
	)
}

// EnsureCreator finds or creates a creator by email
func EnsureCreator(db *gorm.DB, email string) (*Creator, error) {
	creator := Creator{Email: email, IsActive: true}
	if err := db.FirstOrCreate(&creator, "email = ?", email).Error; err != nil {
		return nil, err
	}
	return &creator, nil
}
