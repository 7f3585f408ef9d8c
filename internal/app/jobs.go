package app

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// initJobs registers the process-level maintenance jobs: the record-cap
// safety valve and a retention prune fallback for long uplink outages (the
// uplink manager only prunes while connected).
func (a *Application) initJobs() {
	loc, _ := time.LoadLocation(a.appConfig.System.Location)
	a.sched = cron.New(cron.WithLocation(loc), cron.WithParser(cronParser))

	interval := a.appConfig.Uplink.PruneIntervalSec
	if interval <= 0 {
		interval = 300
	}
	spec := fmt.Sprintf("@every %ds", interval)

	_, err := a.sched.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()

		if _, err := a.telemetry.PruneMaxRecords(ctx, a.appConfig.Uplink.MaxRecords); err != nil {
			zap.L().Error("record cap prune failed", zap.Error(err))
		}
		retention := time.Duration(a.appConfig.Uplink.RetentionSec) * time.Second
		if _, err := a.telemetry.PruneUploaded(ctx, retention); err != nil {
			zap.L().Error("retention prune failed", zap.Error(err))
		}
	})
	if err != nil {
		zap.S().Errorf("init job error %s", err.Error())
	}

	a.sched.Start()
}
