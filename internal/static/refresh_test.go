package static

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/regional-rail-live/ingestor/internal/config"
	"github.com/regional-rail-live/ingestor/internal/db"
)

func buildArchive(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range files {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatalf("failed to create zip entry %s: %v", name, err)
		}
		if _, err := w.Write([]byte(content)); err != nil {
			t.Fatalf("failed to write zip entry %s: %v", name, err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("failed to close zip: %v", err)
	}
	return buf.Bytes()
}

func newTestRefresher(t *testing.T, archiveURL, feedURL string) (*Refresher, *db.StaticStore) {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Connect(filepath.Join(dir, "gtfs.db"))
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	store := db.NewStaticStore(conn)
	cfg := &config.Config{
		DataDir:        filepath.Join(dir, "data"),
		CacheDir:       filepath.Join(dir, "cache"),
		ScrapeDir:      filepath.Join(dir, "scraping"),
		GTFSArchiveURL: archiveURL,
		ReleaseFeedURL: feedURL,
		HTTPTimeout:    5 * time.Second,
	}
	if err := cfg.EnsureDirs(); err != nil {
		t.Fatalf("failed to create directories: %v", err)
	}
	return NewRefresher(store, cfg), store
}

func TestRefresh_LoadsTables(t *testing.T) {
	archive := buildArchive(t, map[string]string{
		"trips.txt":    "trip_id,service_id,block_id\nT1,S1,B1\nT2,S1,B1\n",
		"calendar.txt": "service_id,monday,tuesday,wednesday,thursday,friday,saturday,sunday\nS1,1,0,0,0,0,0,0\n",
		"notes.md":     "not a table",
	})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(archive)
	}))
	defer srv.Close()

	r, store := newTestRefresher(t, srv.URL, "")
	if err := r.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}

	blocks, err := store.ActiveBlocks(context.Background(), "monday")
	if err != nil {
		t.Fatalf("ActiveBlocks failed: %v", err)
	}
	if len(blocks) != 1 || blocks[0] != "B1" {
		t.Errorf("ActiveBlocks = %v, expected [B1]", blocks)
	}

	// The scratch archive must be removed after extraction.
	entries, err := os.ReadDir(r.cfg.CacheDir)
	if err != nil {
		t.Fatalf("failed to read cache dir: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("expected empty cache dir, found %d entries", len(entries))
	}
}

func TestRefresh_DownloadFailureLeavesStoreUntouched(t *testing.T) {
	archive := buildArchive(t, map[string]string{
		"trips.txt":    "trip_id,service_id,block_id\nT1,S1,B1\n",
		"calendar.txt": "service_id,monday,tuesday,wednesday,thursday,friday,saturday,sunday\nS1,1,0,0,0,0,0,0\n",
	})
	fail := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write(archive)
	}))
	defer srv.Close()

	r, store := newTestRefresher(t, srv.URL, "")
	if err := r.Refresh(context.Background()); err != nil {
		t.Fatalf("initial Refresh failed: %v", err)
	}

	fail = true
	if err := r.Refresh(context.Background()); err == nil {
		t.Fatal("expected error when download fails")
	}

	// Previous dataset still queryable.
	blocks, err := store.ActiveBlocks(context.Background(), "monday")
	if err != nil {
		t.Fatalf("ActiveBlocks failed after aborted refresh: %v", err)
	}
	if len(blocks) != 1 || blocks[0] != "B1" {
		t.Errorf("ActiveBlocks = %v, expected [B1]", blocks)
	}
}

func TestRefreshIfStale_EndToEnd(t *testing.T) {
	archive := buildArchive(t, map[string]string{
		"trips.txt":    "trip_id,service_id,block_id\nT1,S1,B1\n",
		"calendar.txt": "service_id,monday,tuesday,wednesday,thursday,friday,saturday,sunday\nS1,1,1,1,1,1,1,1\n",
	})
	archiveSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(archive)
	}))
	defer archiveSrv.Close()

	// Release published four hours ago: inside the trailing 24h window.
	released := time.Now().UTC().Add(-4 * time.Hour).Format("2006-01-02T15:04:05Z")
	feedSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `<?xml version="1.0"?><feed xmlns="http://www.w3.org/2005/Atom"><entry><updated>%s</updated></entry></feed>`, released)
	}))
	defer feedSrv.Close()

	r, store := newTestRefresher(t, archiveSrv.URL, feedSrv.URL)
	refreshed, err := r.RefreshIfStale(context.Background())
	if err != nil {
		t.Fatalf("RefreshIfStale failed: %v", err)
	}
	if !refreshed {
		t.Fatal("expected refresh to trigger for a release 4 hours old")
	}

	weekday := "monday"
	blocks, err := store.ActiveBlocks(context.Background(), weekday)
	if err != nil {
		t.Fatalf("ActiveBlocks failed: %v", err)
	}
	if len(blocks) != 1 || blocks[0] != "B1" {
		t.Errorf("ActiveBlocks = %v, expected [B1]", blocks)
	}
}

func TestRefreshIfStale_StaleRelease(t *testing.T) {
	released := time.Now().UTC().Add(-48 * time.Hour).Format("2006-01-02T15:04:05Z")
	feedSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `<?xml version="1.0"?><feed xmlns="http://www.w3.org/2005/Atom"><entry><updated>%s</updated></entry></feed>`, released)
	}))
	defer feedSrv.Close()

	r, _ := newTestRefresher(t, "http://127.0.0.1:0", feedSrv.URL)
	refreshed, err := r.RefreshIfStale(context.Background())
	if err != nil {
		t.Fatalf("RefreshIfStale failed: %v", err)
	}
	if refreshed {
		t.Error("expected no refresh for a 48-hour-old release")
	}
}

func TestRefreshIfStale_UnreachableFeedFailsSoft(t *testing.T) {
	r, _ := newTestRefresher(t, "http://127.0.0.1:0", "http://127.0.0.1:0")
	refreshed, err := r.RefreshIfStale(context.Background())
	if err != nil {
		t.Fatalf("RefreshIfStale should fail soft, got: %v", err)
	}
	if refreshed {
		t.Error("expected no refresh when the release feed is unreachable")
	}
}
