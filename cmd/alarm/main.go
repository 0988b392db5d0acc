package main

import (
	"context"
	"fmt"
	"log"
	"os/signal"
	"syscall"
	"time"

	"station-alarm/internal/background"
	"station-alarm/internal/bridge"
	"station-alarm/internal/config"
	"station-alarm/internal/control"
	"station-alarm/internal/db"
	"station-alarm/internal/metrics"
	"station-alarm/internal/notify"
	"station-alarm/internal/position"
	"station-alarm/internal/publisher"
	"station-alarm/internal/sampling"
	"station-alarm/internal/tracking"
)

func main() {
	// Load configuration from .env and environment
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	// Root context with cancellation on SIGINT/SIGTERM
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	sqlDB, dbName, err := db.Connect(ctx, cfg.DatabaseURL, cfg.City)
	if err != nil {
		log.Fatalf("database: %v", err)
	}
	defer sqlDB.Close()
	log.Printf("line data from database %q", dbName)

	// Metrics setup
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

	store, err := openStore(cfg)
	if err != nil {
		log.Fatalf("bridge: %v", err)
	}
	br := bridge.New(store)
	defer br.Close()

	nc, err := publisher.Connect(cfg.NATSURL, "station-alarm-"+cfg.DeviceID, metrics.ForPublisher(mcol))
	if err != nil {
		log.Fatalf("nats error: %v", err)
	}
	pub := publisher.NewNATSPublisher(nc, cfg.LogNATSSubjects, metrics.ForPublisher(mcol))
	defer pub.Close()

	alerter := notify.NewNATSAlerter(pub, cfg.DeviceID, notify.DefaultPresentation, cfg.AlertAckTimeout)
	dispatcher := notify.NewDispatcher(alerter, notify.Options{
		Cooldown:         cfg.NotifyCooldown,
		VibrationRepeats: cfg.VibrationRepeats,
		RepeatInterval:   cfg.VibrationRepeatEvery,
	}, metrics.ForDispatcher(mcol))

	source := position.NewNATSSource(pub, cfg.DeviceID, metrics.ForSource(mcol))
	var perms position.PermissionChecker = position.NewNATSPermissions(pub, cfg.DeviceID, cfg.PermissionTimeout)
	if cfg.AssumePermissions {
		perms = position.StaticPermissions{Location: true, BackgroundLocation: true, Notifications: true}
	}

	tasks := position.NewTasks(source)
	bg := background.NewHandler(br, dispatcher, tasks, metrics.ForBackground(mcol))
	tracker := tracking.NewTracker(ctx, tracking.Deps{
		Source:      source,
		Tasks:       tasks,
		Background:  bg.Handle,
		Permissions: perms,
		Bridge:      br,
		Dispatcher:  dispatcher,
	}, tracking.Options{
		BaseThreshold:    cfg.BaseThreshold,
		RearmOnDeparture: cfg.RearmOnDeparture,
	}, mcol)

	resumeBackground(ctx, br, tasks, bg.Handle)

	handler := control.NewHandler(tracker, db.NewLines(sqlDB), cfg.ControlTimeout)
	sub, err := control.Serve(ctx, nc, cfg.DeviceID, handler)
	if err != nil {
		log.Fatalf("control: %v", err)
	}

	// Block until context cancelled. A persisted session outlives the process;
	// the next start resumes its background delivery.
	<-ctx.Done()
	_ = sub.Unsubscribe()
	if err := tasks.Stop(background.TaskName); err != nil {
		log.Printf("stop background task: %v", err)
	}
	log.Println("shutdown complete")
}

func openStore(cfg *config.Config) (bridge.Store, error) {
	switch cfg.BridgeBackend {
	case config.BridgeRedis:
		return bridge.NewRedisStore(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.DeviceID, cfg.BridgeTTL)
	case config.BridgeMemory:
		return bridge.NewMemoryStore(), nil
	case config.BridgeSQLite:
		return bridge.NewSQLiteStore(cfg.BridgeSQLitePath)
	default:
		return nil, fmt.Errorf("unknown bridge backend %q", cfg.BridgeBackend)
	}
}

// resumeBackground restarts the background task for a session persisted by an
// earlier process. It starts on the far tier and the handler moves it closer as
// deliveries come in. The foreground session is not restored; a stop command
// still tears the task down and clears the bridge.
func resumeBackground(ctx context.Context, br *bridge.Bridge, tasks *position.Tasks, h position.BatchHandler) {
	target, err := br.Target(ctx)
	if err != nil {
		log.Printf("read persisted session: %v", err)
		return
	}
	if target == nil {
		return
	}
	if err := tasks.Start(ctx, background.TaskName, sampling.ParamsFor(sampling.Far), h); err != nil {
		log.Printf("resume background delivery for session %s: %v", target.SessionID, err)
		return
	}
	log.Printf("resumed background delivery for session %s target=%s", target.SessionID, target.StationID)
}
