package schedule

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/regional-rail-live/ingestor/internal/config"
	"github.com/regional-rail-live/ingestor/internal/metrics"
)

// Result is the outcome of one per-block schedule query. Data is nil when
// the sub-fetch failed; a failed block never fails the batch.
type Result struct {
	BlockID string          `json:"block_id"`
	Data    json.RawMessage `json:"data"`
}

// Fetcher queries the per-block schedule API with a bounded worker pool.
type Fetcher struct {
	baseURL     string
	concurrency int
	timeout     time.Duration
	metrics     *metrics.Collector
	client      *http.Client
}

// NewFetcher creates a schedule fetcher from configuration.
func NewFetcher(cfg *config.Config, m *metrics.Collector) *Fetcher {
	concurrency := cfg.ScheduleConcurrency
	if concurrency < 1 {
		concurrency = 1
	}
	return &Fetcher{
		baseURL:     cfg.ScheduleAPIURL,
		concurrency: concurrency,
		timeout:     cfg.ScheduleTimeout,
		metrics:     m,
		client: &http.Client{
			Timeout: cfg.HTTPTimeout,
		},
	}
}

// FetchAll queries the schedule API once per block ID. At most
// `concurrency` requests run at a time, each under its own timeout. The
// returned slice always has one entry per input block, in input order.
func (f *Fetcher) FetchAll(ctx context.Context, blockIDs []string) []Result {
	results := make([]Result, len(blockIDs))
	sem := make(chan struct{}, f.concurrency)
	var wg sync.WaitGroup

	for i, blockID := range blockIDs {
		wg.Add(1)
		go func(i int, blockID string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			results[i] = f.fetchOne(ctx, blockID)
		}(i, blockID)
	}

	wg.Wait()
	return results
}

func (f *Fetcher) fetchOne(ctx context.Context, blockID string) Result {
	result := Result{BlockID: blockID}

	reqCtx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, f.baseURL+url.QueryEscape(blockID), nil)
	if err != nil {
		log.Printf("Schedule fetch for block %s: %v", blockID, err)
		f.recordFailure()
		return result
	}

	resp, err := f.client.Do(req)
	if err != nil {
		log.Printf("Schedule fetch for block %s: %v", blockID, err)
		f.recordFailure()
		return result
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		log.Printf("Schedule fetch for block %s: status %d", blockID, resp.StatusCode)
		f.recordFailure()
		return result
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		log.Printf("Schedule fetch for block %s: %v", blockID, err)
		f.recordFailure()
		return result
	}
	if !json.Valid(body) {
		log.Printf("Schedule fetch for block %s: invalid JSON payload", blockID)
		f.recordFailure()
		return result
	}

	result.Data = body
	return result
}

func (f *Fetcher) recordFailure() {
	if f.metrics != nil {
		f.metrics.ScheduleFetchFailures.Inc()
	}
}

// SaveResults writes the batch as a timestamped JSON artifact in dir and
// returns the written path.
func SaveResults(results []Result, dir string, fetchedAt time.Time) (string, error) {
	data, err := json.MarshalIndent(results, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal schedule results: %w", err)
	}

	path := filepath.Join(dir, "rr_schedules_"+fetchedAt.Format("2006-01-02-15-04-05")+".json")
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write schedule results: %w", err)
	}
	return path, nil
}
