package trainview

import (
	"context"
	"database/sql"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/regional-rail-live/ingestor/internal/config"
	"github.com/regional-rail-live/ingestor/internal/db"
)

// Mixed string/number fields, the way the live API serves them.
const trainViewJSON = `[
  {"trainno":"514","lat":"39.9526","lon":"-75.1652","service":"LOCAL","dest":"West Trenton",
   "currentstop":"Jefferson","nextstop":"Temple U","line":"West Trenton","consist":"418,417",
   "heading":229.0165,"late":4,"SOURCE":"Airport","TRACK":"2","TRACK_CHANGE":""},
  {"trainno":"9374","lat":"","lon":"","service":"EXP","dest":"Doylestown",
   "currentstop":"","nextstop":"","line":"Lansdale/Doylestown","consist":"","heading":null,
   "late":"0","SOURCE":"","TRACK":"","TRACK_CHANGE":""}
]`

func newTestPoller(t *testing.T, url string) (*Poller, string) {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "train_view.db")
	conn, err := db.Connect(dbPath)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	store := db.NewPositionStore(conn)
	if err := store.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("EnsureSchema failed: %v", err)
	}

	cfg := &config.Config{
		TrainViewURL: url,
		HTTPTimeout:  5 * time.Second,
		ScrapeDir:    filepath.Join(dir, "scraping"),
	}
	if err := os.MkdirAll(cfg.ScrapeDir, 0755); err != nil {
		t.Fatalf("failed to create scrape dir: %v", err)
	}
	return NewPoller(store, cfg, nil), dbPath
}

func countPositions(t *testing.T, dbPath string) int {
	t.Helper()
	conn, err := sql.Open("sqlite", dbPath)
	if err != nil {
		t.Fatalf("failed to open %s: %v", dbPath, err)
	}
	defer conn.Close()

	var n int
	if err := conn.QueryRow("SELECT COUNT(*) FROM train_positions").Scan(&n); err != nil {
		t.Fatalf("failed to count positions: %v", err)
	}
	return n
}

func TestPoll_StoresPositions(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(trainViewJSON))
	}))
	defer srv.Close()

	p, dbPath := newTestPoller(t, srv.URL)
	if err := p.Poll(context.Background()); err != nil {
		t.Fatalf("Poll failed: %v", err)
	}

	if n := countPositions(t, dbPath); n != 2 {
		t.Fatalf("expected 2 stored positions, got %d", n)
	}

	conn, err := sql.Open("sqlite", dbPath)
	if err != nil {
		t.Fatalf("failed to open %s: %v", dbPath, err)
	}
	defer conn.Close()

	var lat, heading float64
	var late int
	err = conn.QueryRow(
		"SELECT lat, heading, late_minutes FROM train_positions WHERE train_id = '514'",
	).Scan(&lat, &heading, &late)
	if err != nil {
		t.Fatalf("failed to read row: %v", err)
	}
	if lat != 39.9526 {
		t.Errorf("lat = %v, expected 39.9526", lat)
	}
	if heading != 229.0165 {
		t.Errorf("heading = %v, expected 229.0165", heading)
	}
	if late != 4 {
		t.Errorf("late_minutes = %d, expected 4", late)
	}

	// Empty numeric strings on the second train become NULLs.
	var n int
	err = conn.QueryRow(
		"SELECT COUNT(*) FROM train_positions WHERE train_id = '9374' AND lat IS NULL AND heading IS NULL",
	).Scan(&n)
	if err != nil {
		t.Fatalf("failed to query: %v", err)
	}
	if n != 1 {
		t.Errorf("expected NULL lat/heading for train 9374")
	}
}

func TestPoll_WritesRawSnapshot(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(trainViewJSON))
	}))
	defer srv.Close()

	p, _ := newTestPoller(t, srv.URL)
	if err := p.Poll(context.Background()); err != nil {
		t.Fatalf("Poll failed: %v", err)
	}

	entries, err := os.ReadDir(p.cfg.ScrapeDir)
	if err != nil {
		t.Fatalf("failed to read scrape dir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 snapshot file, got %d", len(entries))
	}
}

func TestPoll_EmptyArrayIsNotAnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("[]"))
	}))
	defer srv.Close()

	p, dbPath := newTestPoller(t, srv.URL)
	if err := p.Poll(context.Background()); err != nil {
		t.Fatalf("Poll should treat an empty array as no data, got: %v", err)
	}
	if n := countPositions(t, dbPath); n != 0 {
		t.Errorf("expected no writes for empty array, got %d rows", n)
	}
}

func TestPoll_BadNumericFieldAbortsBatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[{"trainno":"514","lat":"not-a-number","lon":"-75.1652"}]`))
	}))
	defer srv.Close()

	p, dbPath := newTestPoller(t, srv.URL)
	if err := p.Poll(context.Background()); err == nil {
		t.Fatal("expected error for non-numeric latitude")
	}
	if n := countPositions(t, dbPath); n != 0 {
		t.Errorf("expected rollback to leave 0 rows, got %d", n)
	}
}

func TestPoll_ServerErrorIsAnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	p, _ := newTestPoller(t, srv.URL)
	if err := p.Poll(context.Background()); err == nil {
		t.Fatal("expected error for non-200 response")
	}
}
