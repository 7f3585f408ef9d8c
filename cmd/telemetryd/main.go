package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/vehiclelink/telemetryd/config"
	"github.com/vehiclelink/telemetryd/internal/app"
	"github.com/vehiclelink/telemetryd/internal/bus"
	"github.com/vehiclelink/telemetryd/internal/catalog"
)

var (
	configFile = flag.String("c", "/etc/telemetryd.yml", "config file path")
	showVer    = flag.Bool("v", false, "print version and exit")
)

var version = "dev"

func main() {
	flag.Parse()
	if *showVer {
		fmt.Println(version)
		return
	}

	cfg, err := config.LoadConfig(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	// The production bus adapter attaches here. Until it is wired in,
	// the loopback keeps single-process deployments and local testing
	// functional.
	adapter := bus.NewLoopback()

	application := app.NewApplication(cfg)
	if err := application.Init(adapter); err != nil {
		fmt.Fprintf(os.Stderr, "init: %v\n", err)
		os.Exit(1)
	}
	defer application.Release()

	// capture controller STATUS frames for the system component; the
	// external protocol layer extends this set
	application.AttachRecorder([]bus.Selector{
		{
			MessageType:   catalog.MessageTypeStatus,
			ComponentType: catalog.ComponentTypeSystem,
		},
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	application.Start(ctx)
	zap.L().Info("telemetryd started",
		zap.String("version", version),
		zap.String("role", cfg.System.Role),
		zap.String("uplink", cfg.Uplink.Server))

	<-ctx.Done()
	zap.L().Info("shutdown signal received")
}
