package static

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/regional-rail-live/ingestor/internal/config"
	"github.com/regional-rail-live/ingestor/internal/db"
)

// Refresher downloads the static schedule archive and rebuilds the
// schedule store, one table per extracted file.
type Refresher struct {
	store  *db.StaticStore
	cfg    *config.Config
	client *http.Client
}

// NewRefresher creates a refresher against the given static store.
func NewRefresher(store *db.StaticStore, cfg *config.Config) *Refresher {
	return &Refresher{
		store: store,
		cfg:   cfg,
		client: &http.Client{
			Timeout: cfg.HTTPTimeout,
		},
	}
}

// RefreshIfStale checks the release feed and rebuilds the schedule store if
// a release was published within the last 24 hours. Feed failures are
// logged and treated as "no refresh"; they never propagate to the caller.
func (r *Refresher) RefreshIfStale(ctx context.Context) (bool, error) {
	release, err := FetchLatestRelease(ctx, r.client, r.cfg.ReleaseFeedURL)
	if err != nil {
		log.Printf("Static refresh check failed (skipping refresh): %v", err)
		return false, nil
	}

	if !NeedsRefresh(release, time.Now().UTC()) {
		log.Println("No schedule release within the last 24 hours, skipping refresh")
		return false, nil
	}

	log.Printf("Schedule release %s is within the last 24 hours, refreshing...", release.Format(time.RFC3339))
	if err := r.Refresh(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// Refresh downloads the schedule archive into a scratch path, extracts the
// tabular files into the data directory, removes the archive, and loads
// every extracted file into the store. Download or extraction failure
// aborts before any existing table is touched.
func (r *Refresher) Refresh(ctx context.Context) error {
	zipPath := filepath.Join(r.cfg.CacheDir, "gtfs-"+uuid.New().String()+".zip")

	if err := r.download(ctx, r.cfg.GTFSArchiveURL, zipPath); err != nil {
		return fmt.Errorf("failed to download schedule archive: %w", err)
	}
	defer os.Remove(zipPath)

	extracted, err := extractTables(zipPath, r.cfg.DataDir)
	if err != nil {
		return fmt.Errorf("failed to extract schedule archive: %w", err)
	}
	log.Printf("Extracted %d schedule files to %s", len(extracted), r.cfg.DataDir)

	return r.loadTables(ctx, extracted)
}

func (r *Refresher) download(ctx context.Context, url, dest string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to fetch %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("archive download returned status %d", resp.StatusCode)
	}

	f, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", dest, err)
	}
	defer f.Close()

	if _, err := io.Copy(f, resp.Body); err != nil {
		return fmt.Errorf("failed to write archive: %w", err)
	}
	return nil
}

// extractTables unpacks every .txt entry of the archive into destDir and
// returns the extracted paths. Entry names are flattened to their base name
// so archive paths can never escape destDir.
func extractTables(zipPath, destDir string) ([]string, error) {
	zr, err := zip.OpenReader(zipPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open archive: %w", err)
	}
	defer zr.Close()

	var extracted []string
	for _, entry := range zr.File {
		name := filepath.Base(entry.Name)
		if entry.FileInfo().IsDir() || !strings.HasSuffix(name, ".txt") {
			continue
		}

		rc, err := entry.Open()
		if err != nil {
			return nil, fmt.Errorf("failed to open archive entry %s: %w", entry.Name, err)
		}

		dest := filepath.Join(destDir, name)
		f, err := os.Create(dest)
		if err != nil {
			rc.Close()
			return nil, fmt.Errorf("failed to create %s: %w", dest, err)
		}
		_, err = io.Copy(f, rc)
		rc.Close()
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to extract %s: %w", entry.Name, err)
		}
		extracted = append(extracted, dest)
	}
	return extracted, nil
}

// loadTables loads each extracted file into the store as a table named after
// the file stem. A bad file is logged and skipped; the remaining tables
// still load, which can leave the dataset mixed across releases until the
// next successful refresh.
func (r *Refresher) loadTables(ctx context.Context, paths []string) error {
	loaded := 0
	for _, path := range paths {
		table := strings.TrimSuffix(filepath.Base(path), ".txt")
		header, rows, err := readTableFile(path)
		if err != nil {
			log.Printf("Skipping %s: %v", path, err)
			continue
		}
		if len(rows) == 0 {
			log.Printf("Skipping empty file %s", path)
			continue
		}
		if err := r.store.ReplaceTable(ctx, table, header, rows); err != nil {
			log.Printf("Failed to load table %s: %v", table, err)
			continue
		}
		loaded++
	}
	if loaded == 0 {
		return fmt.Errorf("no schedule tables loaded")
	}
	log.Printf("Schedule store rebuilt: %d tables loaded", loaded)
	return nil
}
