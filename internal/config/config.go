package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the ingestor service
type Config struct {
	// Filesystem layout
	DataDir   string
	CacheDir  string
	ScrapeDir string

	// Databases
	GTFSDatabasePath      string
	PositionsDatabasePath string
	DelaysDatabasePath    string

	// External feeds
	ReleaseFeedURL string
	GTFSArchiveURL string
	TrainViewURL   string
	TripUpdatesURL string
	ScheduleAPIURL string

	// Cycle cadence
	PositionPollInterval time.Duration
	DelayPollInterval    time.Duration
	RefreshCheckInterval time.Duration

	// HTTP
	HTTPTimeout time.Duration

	// Per-block schedule fan-out
	ScheduleConcurrency int
	ScheduleTimeout     time.Duration

	// Metrics listen address (e.g. ":9103"). Empty disables the server.
	MetricsAddr string
}

// Load reads configuration from .env and environment variables with
// sensible defaults
func Load() *Config {
	// Load .env into environment (ignore if missing)
	_ = godotenv.Load()

	return &Config{
		DataDir:   getEnv("DATA_DIR", "./data"),
		CacheDir:  getEnv("CACHE_DIR", "./data/cache"),
		ScrapeDir: getEnv("SCRAPE_DIR", "./scraping"),

		GTFSDatabasePath:      getEnv("GTFS_DB_PATH", "./data/gtfs.db"),
		PositionsDatabasePath: getEnv("POSITIONS_DB_PATH", "./data/train_view.db"),
		DelaysDatabasePath:    getEnv("DELAYS_DB_PATH", "./data/trip_updates.db"),

		ReleaseFeedURL: getEnv("RELEASE_FEED_URL", "https://github.com/septadev/GTFS/releases.atom"),
		GTFSArchiveURL: getEnv("GTFS_ARCHIVE_URL", "https://www3.septa.org/developer/gtfs_public.zip"),
		TrainViewURL:   getEnv("TRAIN_VIEW_URL", "https://www3.septa.org/api/TrainView/index.php"),
		TripUpdatesURL: getEnv("TRIP_UPDATES_URL", "https://www3.septa.org/gtfsrt/septarail-pa-us/Trip/rtTripUpdates.pb"),
		ScheduleAPIURL: getEnv("SCHEDULE_API_URL", "https://www3.septa.org/api/RRSchedules/index.php?req1="),

		PositionPollInterval: time.Duration(getEnvInt("POSITION_POLL_SECONDS", 60)) * time.Second,
		DelayPollInterval:    time.Duration(getEnvInt("DELAY_POLL_SECONDS", 60)) * time.Second,
		RefreshCheckInterval: time.Duration(getEnvInt("REFRESH_CHECK_HOURS", 24)) * time.Hour,

		HTTPTimeout: time.Duration(getEnvInt("HTTP_TIMEOUT_SECONDS", 15)) * time.Second,

		ScheduleConcurrency: getEnvInt("SCHEDULE_CONCURRENCY", 8),
		ScheduleTimeout:     time.Duration(getEnvInt("SCHEDULE_TIMEOUT_SECONDS", 10)) * time.Second,

		MetricsAddr: os.Getenv("METRICS_ADDR"),
	}
}

// EnsureDirs creates the configured directories. Called explicitly by the
// process entry point, never as an import-time side effect.
func (c *Config) EnsureDirs() error {
	for _, dir := range []string{c.DataDir, c.CacheDir, c.ScrapeDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}
