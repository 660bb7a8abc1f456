package database

import (
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationNormalizeUnassignedCountKeys = "2026-07-15_normalize_unassigned_count_keys"

type migrationRecord struct {
	Name        string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtMS int64  `gorm:"column:applied_at_ms;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationNormalizeUnassignedCountKeys, apply: normalizeUnassignedCountKeys},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().UnixMilli()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtMS: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// Older deployments stored NULL for the unassigned count key; the composite
// primary key requires the empty-string sentinel instead.
func normalizeUnassignedCountKeys(db *gorm.DB) error {
	return db.Exec("UPDATE count_entries SET location_id = '' WHERE location_id IS NULL;").Error
}
