// Package app wires the collector together: logger, database, store, uplink
// manager, ping broadcaster and the process-level maintenance jobs.
package app

import (
	"context"
	"os"
	"time"
	_ "time/tzdata"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
	"gorm.io/gorm"

	"github.com/vehiclelink/telemetryd/config"
	"github.com/vehiclelink/telemetryd/internal/bus"
	"github.com/vehiclelink/telemetryd/internal/catalog"
	"github.com/vehiclelink/telemetryd/internal/domain"
	"github.com/vehiclelink/telemetryd/internal/store"
	"github.com/vehiclelink/telemetryd/internal/timesync"
	"github.com/vehiclelink/telemetryd/internal/uplink"
)

type Application struct {
	appConfig *config.AppConfig
	gormDB    *gorm.DB
	sched     *cron.Cron

	protocol    catalog.Catalog
	busAdapter  bus.Adapter
	telemetry   *store.GormStore
	recorder    *store.Recorder
	uplinkMgr   *uplink.Manager
	broadcaster *timesync.Broadcaster
}

func NewApplication(appConfig *config.AppConfig) *Application {
	return &Application{appConfig: appConfig}
}

func (a *Application) Config() *config.AppConfig {
	return a.appConfig
}

func (a *Application) DB() *gorm.DB {
	return a.gormDB
}

func (a *Application) Store() store.TelemetryStore {
	return a.telemetry
}

func (a *Application) Uplink() *uplink.Manager {
	return a.uplinkMgr
}

func (a *Application) Broadcaster() *timesync.Broadcaster {
	return a.broadcaster
}

func (a *Application) Catalog() catalog.Catalog {
	return a.protocol
}

// Init builds every component off the explicit config and bus adapter; no
// package-level singletons beyond the global logger.
func (a *Application) Init(adapter bus.Adapter) error {
	cfg := a.appConfig

	loc, err := time.LoadLocation(cfg.System.Location)
	if err != nil {
		zap.S().Error("timezone config error")
	} else {
		time.Local = loc
	}

	a.initLogger()

	a.gormDB, err = getDatabase(cfg.Database, cfg.System.Workdir)
	if err != nil {
		return err
	}
	zap.S().Infof("database connection successful, type: %s", cfg.Database.Type)

	if err := a.MigrateDB(); err != nil {
		zap.S().Errorf("database migration failed: %v", err)
		return err
	}

	a.protocol = catalog.NewStaticCatalog()
	a.busAdapter = adapter

	storeOpts := []store.Option{}
	if cfg.IsVehicle() {
		storeOpts = append(storeOpts,
			store.WithVehicleRole(time.Duration(cfg.System.HistoryWindowSec)*time.Second))
	}
	a.telemetry = store.NewGormStore(a.gormDB, storeOpts...)
	a.recorder = store.NewRecorder(a.telemetry)

	a.uplinkMgr = uplink.NewManager(a.telemetry, uplink.Config{
		Server:         cfg.Uplink.Server,
		BatchSize:      cfg.Uplink.BatchSize,
		ReconnectDelay: time.Duration(cfg.Uplink.ReconnectDelaySec) * time.Second,
		ConnectTimeout: time.Duration(cfg.Uplink.ConnectTimeoutSec) * time.Second,
		Retention:      time.Duration(cfg.Uplink.RetentionSec) * time.Second,
		PruneInterval:  time.Duration(cfg.Uplink.PruneIntervalSec) * time.Second,
		StatusInterval: time.Duration(cfg.Uplink.StatusIntervalSec) * time.Second,
	})

	a.broadcaster = timesync.NewBroadcaster(adapter, timesync.Config{
		Interval:   time.Duration(cfg.Timesync.PingIntervalSec) * time.Second,
		MaxPingAge: time.Duration(cfg.Timesync.PingMaxAgeSec) * time.Second,
		WindowSize: cfg.Timesync.RttWindow,
	})

	a.initJobs()
	return nil
}

func (a *Application) initLogger() {
	cfg := a.appConfig

	var zapConfig zap.Config
	if cfg.Logger.Mode == "production" {
		zapConfig = zap.NewProductionConfig()
	} else {
		zapConfig = zap.NewDevelopmentConfig()
	}
	zapConfig.OutputPaths = []string{"stdout"}

	var logger *zap.Logger
	if cfg.Logger.FileEnable {
		lumberJackLogger := &lumberjack.Logger{
			Filename:   cfg.Logger.Filename,
			MaxSize:    64,
			MaxBackups: 7,
			MaxAge:     7,
			Compress:   false,
		}
		core := zapcore.NewTee(
			zapcore.NewCore(
				zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()),
				zapcore.AddSync(lumberJackLogger),
				zapConfig.Level,
			),
			zapcore.NewCore(
				zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig()),
				zapcore.AddSync(os.Stdout),
				zapConfig.Level,
			),
		)
		logger = zap.New(core, zap.AddCaller())
	} else {
		var err error
		logger, err = zapConfig.Build(zap.AddCaller())
		if err != nil {
			panic(err)
		}
	}

	zap.ReplaceGlobals(logger)
}

func (a *Application) MigrateDB() error {
	return a.gormDB.Migrator().AutoMigrate(domain.Tables...)
}

// AttachRecorder subscribes the telemetry recorder to the given inbound
// frame selectors. The selector set comes from the external protocol layer.
func (a *Application) AttachRecorder(sels []bus.Selector) {
	a.recorder.Attach(a.busAdapter, sels)
}

// Start launches the bus pump, uplink manager and ping broadcaster under
// one cancellation scope.
func (a *Application) Start(ctx context.Context) {
	go func() {
		if err := a.busAdapter.Process(ctx); err != nil && ctx.Err() == nil {
			zap.L().Error("bus pump exited", zap.Error(err))
		}
	}()
	go a.uplinkMgr.Run(ctx)
	go a.broadcaster.Run(ctx)
}

// Release stops the maintenance scheduler and closes the database.
func (a *Application) Release() {
	if a.sched != nil {
		a.sched.Stop()
	}
	if a.gormDB != nil {
		if sqlDB, err := a.gormDB.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}
	_ = zap.L().Sync()
}
