package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/regional-rail-live/ingestor/internal/config"
	"github.com/regional-rail-live/ingestor/internal/db"
	"github.com/regional-rail-live/ingestor/internal/metrics"
	"github.com/regional-rail-live/ingestor/internal/realtime/trainview"
	"github.com/regional-rail-live/ingestor/internal/realtime/tripupdates"
	"github.com/regional-rail-live/ingestor/internal/schedule"
	"github.com/regional-rail-live/ingestor/internal/static"
)

func main() {
	log.Println("Starting transit ingestor...")

	cfg := config.Load()
	if err := cfg.EnsureDirs(); err != nil {
		log.Fatalf("Failed to create directories: %v", err)
	}
	log.Printf("Config loaded: position_poll=%v, delay_poll=%v, refresh_check=%v",
		cfg.PositionPollInterval, cfg.DelayPollInterval, cfg.RefreshCheckInterval)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Stores
	gtfsDB, err := db.Connect(cfg.GTFSDatabasePath)
	if err != nil {
		log.Fatalf("Failed to open GTFS database: %v", err)
	}
	defer gtfsDB.Close()

	positionsDB, err := db.Connect(cfg.PositionsDatabasePath)
	if err != nil {
		log.Fatalf("Failed to open positions database: %v", err)
	}
	defer positionsDB.Close()

	delaysDB, err := db.Connect(cfg.DelaysDatabasePath)
	if err != nil {
		log.Fatalf("Failed to open delays database: %v", err)
	}
	defer delaysDB.Close()

	staticStore := db.NewStaticStore(gtfsDB)
	positionStore := db.NewPositionStore(positionsDB)
	delayStore := db.NewDelayStore(delaysDB)

	if err := positionStore.EnsureSchema(ctx); err != nil {
		log.Fatalf("Failed to ensure position schema: %v", err)
	}
	if err := delayStore.EnsureSchema(ctx); err != nil {
		log.Fatalf("Failed to ensure delay schema: %v", err)
	}
	log.Println("Databases initialized")

	// Metrics
	mcol := metrics.NewCollector()
	var metricsSrv *http.Server
	if cfg.MetricsAddr != "" {
		metricsSrv = mcol.Serve(cfg.MetricsAddr)
	}

	refresher := static.NewRefresher(staticStore, cfg)
	scheduleFetcher := schedule.NewFetcher(cfg, mcol)
	positionPoller := trainview.NewPoller(positionStore, cfg, mcol)
	delayPoller := tripupdates.NewPoller(delayStore, cfg, mcol)

	// Initial cycles
	runScheduleCycle(ctx, refresher, staticStore, scheduleFetcher, cfg, mcol)
	pollPositions(ctx, positionPoller)
	pollDelays(ctx, delayPoller)

	// Position polling loop
	go func() {
		ticker := time.NewTicker(cfg.PositionPollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				pollPositions(ctx, positionPoller)
			case <-ctx.Done():
				return
			}
		}
	}()

	// Delay polling loop
	go func() {
		ticker := time.NewTicker(cfg.DelayPollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				pollDelays(ctx, delayPoller)
			case <-ctx.Done():
				return
			}
		}
	}()

	// Daily refresh check + per-block schedule fetch
	go func() {
		ticker := time.NewTicker(cfg.RefreshCheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				runScheduleCycle(ctx, refresher, staticStore, scheduleFetcher, cfg, mcol)
			case <-ctx.Done():
				return
			}
		}
	}()

	log.Println("Ingestor running")
	<-ctx.Done()

	log.Println("Shutting down...")
	if metricsSrv != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer shutdownCancel()
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
	log.Println("Goodbye!")
}

func pollPositions(ctx context.Context, p *trainview.Poller) {
	if err := p.Poll(ctx); err != nil {
		log.Printf("Train view poll error: %v", err)
	}
}

func pollDelays(ctx context.Context, p *tripupdates.Poller) {
	if err := p.Poll(ctx); err != nil {
		log.Printf("Trip updates poll error: %v", err)
	}
}

// runScheduleCycle checks the release feed, refreshes the static dataset if
// a fresh release exists, then fans out per-block schedule queries for the
// current weekday's active blocks.
func runScheduleCycle(ctx context.Context, r *static.Refresher, store *db.StaticStore, f *schedule.Fetcher, cfg *config.Config, mcol *metrics.Collector) {
	refreshed, err := r.RefreshIfStale(ctx)
	if err != nil {
		log.Printf("Static refresh error: %v", err)
	}
	if refreshed && mcol != nil {
		mcol.StaticRefreshes.Inc()
	}

	weekday := strings.ToLower(time.Now().Weekday().String())
	blocks, err := store.ActiveBlocks(ctx, weekday)
	if err != nil {
		log.Printf("Active block query error: %v", err)
		return
	}
	if len(blocks) == 0 {
		log.Printf("No active blocks for %s, skipping schedule fetch", weekday)
		return
	}

	fetchedAt := time.Now().UTC()
	results := f.FetchAll(ctx, blocks)
	path, err := schedule.SaveResults(results, cfg.ScrapeDir, fetchedAt)
	if err != nil {
		log.Printf("Failed to save schedule results: %v", err)
		return
	}
	log.Printf("Schedule fetch completed: %d blocks, saved to %s", len(results), path)
}
