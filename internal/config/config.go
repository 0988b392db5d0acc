package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	BridgeSQLite = "sqlite"
	BridgeRedis  = "redis"
	BridgeMemory = "memory"
)

type Config struct {
	DatabaseURL     string
	City            string
	NATSURL         string
	DeviceID        string
	LogNATSSubjects bool
	MetricsAddr     string

	BridgeBackend    string
	BridgeSQLitePath string
	RedisAddr        string
	RedisPassword    string
	RedisDB          int
	BridgeTTL        time.Duration

	BaseThreshold        float64 // meters
	NotifyCooldown       time.Duration
	VibrationRepeats     int
	VibrationRepeatEvery time.Duration
	AlertAckTimeout      time.Duration
	RearmOnDeparture     bool
	AssumePermissions    bool
	PermissionTimeout    time.Duration
	ControlTimeout       time.Duration

	// replay
	LineID          string
	PublishInterval time.Duration
	SpeedMultiplier float64
	CruiseSpeedKmh  float64
	Dwell           time.Duration
	GPSJitterM      float64
	Reverse         bool
	ReplayBatchSize int
}

func Load() (*Config, error) {
	// Load .env into environment (ignore if missing)
	_ = godotenv.Load()

	cfg := &Config{}

	// Database URL: prefer DATABASE_URL / PG_DSN, else build from PG* vars
	dsn := firstNonEmpty(
		os.Getenv("DATABASE_URL"),
		os.Getenv("PG_DSN"),
	)
	if dsn == "" {
		host := getenvDefault("PGHOST", "127.0.0.1")
		port := getenvDefault("PGPORT", "5432")
		user := getenvDefault("PGUSER", "postgres")
		pass := os.Getenv("PGPASSWORD")
		db := getenvDefault("PGDATABASE", "postgres")
		sslmode := getenvDefault("PGSSLMODE", "disable")
		if pass != "" {
			cfg.DatabaseURL = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", urlEscape(user), urlEscape(pass), host, port, db, sslmode)
		} else {
			cfg.DatabaseURL = fmt.Sprintf("postgres://%s@%s:%s/%s?sslmode=%s", urlEscape(user), host, port, db, sslmode)
		}
	} else {
		cfg.DatabaseURL = dsn
	}
	// City name for resolving the latest GTFS import database
	cfg.City = firstNonEmpty(os.Getenv("CITY"), os.Getenv("CITY_NAME"))

	cfg.NATSURL = getenvDefault("NATS_URL", "nats://127.0.0.1:4222")
	cfg.DeviceID = strings.TrimSpace(getenvDefault("DEVICE_ID", "default"))
	cfg.LogNATSSubjects = parseBool(os.Getenv("LOG_NATS_SUBJECTS"))

	// Metrics listen address (e.g., ":9102"). Empty disables the metrics server.
	cfg.MetricsAddr = os.Getenv("METRICS_ADDR")

	// Persistence bridge
	cfg.BridgeBackend = strings.ToLower(getenvDefault("BRIDGE_BACKEND", BridgeSQLite))
	switch cfg.BridgeBackend {
	case BridgeSQLite, BridgeRedis, BridgeMemory:
	default:
		return nil, fmt.Errorf("invalid BRIDGE_BACKEND: %q", cfg.BridgeBackend)
	}
	cfg.BridgeSQLitePath = getenvDefault("BRIDGE_SQLITE_PATH", "station-alarm.db")
	cfg.RedisAddr = getenvDefault("REDIS_ADDR", "127.0.0.1:6379")
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	var err error
	if cfg.RedisDB, err = intEnv("REDIS_DB", 0, 0); err != nil {
		return nil, err
	}
	if cfg.BridgeTTL, err = durationEnv("BRIDGE_TTL_HOURS", time.Hour, 24*time.Hour, 0); err != nil {
		return nil, err
	}

	// Arrival detection
	if cfg.BaseThreshold, err = floatEnv("BASE_ARRIVAL_THRESHOLD_M", 500); err != nil {
		return nil, err
	}
	if cfg.NotifyCooldown, err = durationEnv("NOTIFY_COOLDOWN_MS", time.Millisecond, 8*time.Second, 0); err != nil {
		return nil, err
	}
	if cfg.VibrationRepeats, err = intEnv("VIBRATION_REPEATS", 2, 0); err != nil {
		return nil, err
	}
	if cfg.VibrationRepeatEvery, err = durationEnv("VIBRATION_REPEAT_INTERVAL_MS", time.Millisecond, 5*time.Second, 1); err != nil {
		return nil, err
	}
	if cfg.AlertAckTimeout, err = durationEnv("ALERT_ACK_TIMEOUT_MS", time.Millisecond, 0, 0); err != nil {
		return nil, err
	}
	cfg.RearmOnDeparture = parseBool(os.Getenv("REARM_ON_DEPARTURE"))
	cfg.AssumePermissions = parseBool(os.Getenv("ASSUME_PERMISSIONS"))
	if cfg.PermissionTimeout, err = durationEnv("PERMISSION_TIMEOUT_MS", time.Millisecond, 3*time.Second, 1); err != nil {
		return nil, err
	}
	if cfg.ControlTimeout, err = durationEnv("CONTROL_TIMEOUT_MS", time.Millisecond, 10*time.Second, 1); err != nil {
		return nil, err
	}

	// Replay
	cfg.LineID = os.Getenv("LINE_ID")
	if cfg.PublishInterval, err = durationEnv("PUBLISH_INTERVAL_MS", time.Millisecond, time.Second, 1); err != nil {
		return nil, err
	}
	if cfg.SpeedMultiplier, err = floatEnv("SPEED_MULTIPLIER", 1.0); err != nil {
		return nil, err
	}
	if cfg.CruiseSpeedKmh, err = floatEnv("CRUISE_SPEED_KMH", 60); err != nil {
		return nil, err
	}
	if cfg.Dwell, err = durationEnv("DWELL_SEC", time.Second, 30*time.Second, 0); err != nil {
		return nil, err
	}
	if v := os.Getenv("GPS_JITTER_M"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f < 0 {
			return nil, fmt.Errorf("invalid GPS_JITTER_M: %q", v)
		}
		cfg.GPSJitterM = f
	}
	cfg.Reverse = parseBool(os.Getenv("REPLAY_REVERSE"))
	// Above 1, samples are published as background batches of this size
	if cfg.ReplayBatchSize, err = intEnv("REPLAY_BATCH_SIZE", 0, 0); err != nil {
		return nil, err
	}

	return cfg, nil
}

// floatEnv parses a strictly positive float.
func floatEnv(key string, def float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f <= 0 {
		return 0, fmt.Errorf("invalid %s: %q", key, v)
	}
	return f, nil
}

func intEnv(key string, def, atLeast int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < atLeast {
		return 0, fmt.Errorf("invalid %s: %q", key, v)
	}
	return n, nil
}

// durationEnv reads an integer count of unit.
func durationEnv(key string, unit, def time.Duration, atLeast int) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < atLeast {
		return 0, fmt.Errorf("invalid %s: %q", key, v)
	}
	return time.Duration(n) * unit, nil
}

func parseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	default:
		return false
	}
}

func getenvDefault(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func urlEscape(s string) string {
	// Minimal escape for DSN user/pass with special chars
	r := strings.NewReplacer("@", "%40", ":", "%3A", "/", "%2F", "?", "%3F", "#", "%23")
	return r.Replace(s)
}
