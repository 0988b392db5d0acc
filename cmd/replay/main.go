package main

import (
	"context"
	"errors"
	"log"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"station-alarm/internal/config"
	"station-alarm/internal/db"
	"station-alarm/internal/metrics"
	"station-alarm/internal/publisher"
	"station-alarm/internal/sim"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	if cfg.LineID == "" {
		log.Fatalf("LINE_ID must be set")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	sqlDB, _, err := db.Connect(ctx, cfg.DatabaseURL, cfg.City)
	if err != nil {
		log.Fatalf("database: %v", err)
	}
	line, err := db.NewLines(sqlDB).LoadLine(ctx, cfg.LineID)
	sqlDB.Close()
	if err != nil {
		log.Fatalf("load line: %v", err)
	}
	if cfg.Reverse {
		slices.Reverse(line.Stations)
	}

	var mcol *metrics.Collector
	if cfg.MetricsAddr != "" {
		mcol = metrics.NewCollector(cfg.BaseThreshold, cfg.NotifyCooldown)
		srv := mcol.Serve(cfg.MetricsAddr)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	nc, err := publisher.Connect(cfg.NATSURL, "station-alarm-replay-"+cfg.DeviceID, metrics.ForPublisher(mcol))
	if err != nil {
		log.Fatalf("nats error: %v", err)
	}
	pub := publisher.NewNATSPublisher(nc, cfg.LogNATSSubjects, metrics.ForPublisher(mcol))
	defer pub.Close()

	replay, err := sim.NewReplay(line, pub, sim.Options{
		DeviceID:        cfg.DeviceID,
		PublishInterval: cfg.PublishInterval,
		SpeedMultiplier: cfg.SpeedMultiplier,
		CruiseSpeedMps:  cfg.CruiseSpeedKmh / 3.6,
		Dwell:           cfg.Dwell,
		JitterM:         cfg.GPSJitterM,
		BatchSize:       cfg.ReplayBatchSize,
	}, mcol)
	if err != nil {
		log.Fatalf("replay: %v", err)
	}
	if err := replay.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Printf("replay stopped: %v", err)
	}
	log.Println("shutdown complete")
}
