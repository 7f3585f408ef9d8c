package app

import (
	"fmt"
	"path/filepath"

	"github.com/pkg/errors"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/vehiclelink/telemetryd/config"
)

// getDatabase opens the configured database. The vehicle role runs on an
// embedded sqlite file with WAL journaling so the uplink and read paths can
// read while the bus ingest writes; remote deployments use postgres.
func getDatabase(cfg config.DatabaseConfig, workdir string) (*gorm.DB, error) {
	level := gormlogger.Silent
	if cfg.Debug {
		level = gormlogger.Info
	}
	gormCfg := &gorm.Config{
		Logger: gormlogger.Default.LogMode(level),
	}

	switch cfg.Type {
	case "postgres":
		dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
			cfg.Host, cfg.Port, cfg.User, cfg.Passwd, cfg.Name)
		db, err := gorm.Open(postgres.Open(dsn), gormCfg)
		return db, errors.Wrap(err, "open postgres")
	case "sqlite", "":
		path := filepath.Join(workdir, cfg.Name+".db")
		dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000", path)
		db, err := gorm.Open(sqlite.Open(dsn), gormCfg)
		return db, errors.Wrap(err, "open sqlite")
	default:
		return nil, errors.Errorf("unsupported database type %q", cfg.Type)
	}
}
