package database

import (
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/ordersync/internal/audit"
	"github.com/MarcoPoloResearchLab/ordersync/internal/orders"
	"github.com/MarcoPoloResearchLab/ordersync/internal/reverse"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Models lists every table owned by the Target store.
func Models() []any {
	models := []any{&orders.Order{}, &orders.OrderItem{}, &reverse.Checkpoint{}, &migrationRecord{}}
	return append(models, audit.Models()...)
}

// OpenTarget connects to the Target store and performs schema migrations.
func OpenTarget(driver, dsn string, logger *zap.Logger) (*gorm.DB, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("database dsn is required")
	}

	var dialector gorm.Dialector
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case DriverSQLite, "":
		dialector = sqlite.Open(dsn)
	case DriverPostgres:
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	if dialector.Name() == DriverSQLite {
		sqlDB.SetMaxOpenConns(1)
	}

	if err := db.AutoMigrate(Models()...); err != nil {
		return nil, err
	}

	if err := applyMigrations(db, logger); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("database initialized", zap.String("driver", dialector.Name()))
	}

	return db, nil
}
