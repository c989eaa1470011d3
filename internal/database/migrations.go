package database

import (
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationRebuildUnreadCounters = "2026-07-14_rebuild_unread_counters"

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
		{name: migrationRebuildUnreadCounters, apply: rebuildUnreadCounters},
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

// rebuildUnreadCounters is the reconciliation pass for the maintained unread
// counters: it recomputes every counter from the notification ledger.
func rebuildUnreadCounters(db *gorm.DB) error {
	if err := db.Exec("DELETE FROM notification_counters;").Error; err != nil {
		return err
	}
	return db.Exec(
		"INSERT INTO notification_counters (user_id, unread) " +
			"SELECT user_id, COUNT(*) FROM notifications WHERE is_read = 0 GROUP BY user_id;",
	).Error
}
