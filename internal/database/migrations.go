package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/watchlist-sync/internal/store"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationBackfillEntityMediaType = "2026-06-02_backfill_entity_media_type"

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
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
		{name: migrationBackfillEntityMediaType, apply: backfillEntityMediaType},
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
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// Rows cached before media types were tracked are all movies.
func backfillEntityMediaType(db *gorm.DB) error {
	return db.Model(&store.EntityRecord{}).
		Where("media_type = ''").
		Update("media_type", "movie").Error
}

// resetInterruptedSends returns mutations left in sending by a process that died mid-request to
// the queue. No request is in flight while the database is being opened.
func resetInterruptedSends(db *gorm.DB, logger *zap.Logger) error {
	result := db.Model(&store.MutationRecord{}).
		Where("state = ?", string(store.MutationSending)).
		Update("state", string(store.MutationPending))
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected > 0 && logger != nil {
		logger.Warn("interrupted mutations returned to the queue", zap.Int64("count", result.RowsAffected))
	}
	return nil
}
