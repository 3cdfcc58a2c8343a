package database

import (
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/ordersync/internal/orders"
	"github.com/MarcoPoloResearchLab/ordersync/internal/transform"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationBackfillSourceSyncedAt = "2024-06-20_backfill_source_synced_at"
	migrationNormalizeStatusCodes   = "2024-06-27_normalize_source_status_codes"
)

// migrationRecord marks a data migration as applied. Schema changes go
// through AutoMigrate; this table only tracks one-off data repairs.
type migrationRecord struct {
	Name      string    `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAt time.Time `gorm:"column:applied_at;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type dataMigration struct {
	name  string
	apply func(tx *gorm.DB) error
}

func dataMigrations() []dataMigration {
	return []dataMigration{
		{name: migrationBackfillSourceSyncedAt, apply: backfillSourceSyncedAt},
		{name: migrationNormalizeStatusCodes, apply: normalizeStatusCodes},
	}
}

// applyMigrations runs each pending data migration in its own transaction
// together with its db_migrations row.
func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	for _, migration := range dataMigrations() {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		switch {
		case err == nil:
			continue
		case !errors.Is(err, gorm.ErrRecordNotFound):
			return fmt.Errorf("check migration %s: %w", migration.name, err)
		}

		startedAt := time.Now()
		err = db.Transaction(func(tx *gorm.DB) error {
			if err := migration.apply(tx); err != nil {
				return err
			}
			return tx.Create(&migrationRecord{Name: migration.name, AppliedAt: time.Now().UTC()}).Error
		})
		if err != nil {
			return fmt.Errorf("apply migration %s: %w", migration.name, err)
		}
		logger.Info("database migration applied",
			zap.String("migration", migration.name),
			zap.Duration("duration", time.Since(startedAt)),
		)
	}
	return nil
}

// Orders mirrored before source_synced_at existed are treated as already in
// agreement with the Source so the first reverse cycle does not echo them.
func backfillSourceSyncedAt(tx *gorm.DB) error {
	return tx.Model(&orders.Order{}).
		Where("source_order_id IS NOT NULL AND source_synced_at IS NULL").
		UpdateColumn("source_synced_at", gorm.Expr("updated_at")).Error
}

// Early imports stored raw Source codes ("N", "PD") in the status column.
func normalizeStatusCodes(tx *gorm.DB) error {
	var statuses []string
	if err := tx.Model(&orders.Order{}).Distinct("status").Pluck("status", &statuses).Error; err != nil {
		return err
	}
	for _, status := range statuses {
		if transform.KnownTargetStatus(status) {
			continue
		}
		mapped, ok := transform.TargetStatus(status)
		if !ok {
			continue
		}
		if err := tx.Model(&orders.Order{}).Where("status = ?", status).UpdateColumn("status", mapped).Error; err != nil {
			return err
		}
	}
	return nil
}
