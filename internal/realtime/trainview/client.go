package trainview

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/regional-rail-live/ingestor/internal/config"
	"github.com/regional-rail-live/ingestor/internal/db"
	"github.com/regional-rail-live/ingestor/internal/metrics"
)

// Poller fetches the train view JSON snapshot and upserts it into the
// position store.
type Poller struct {
	store   *db.PositionStore
	cfg     *config.Config
	metrics *metrics.Collector
	client  *http.Client
}

// NewPoller creates a new train view poller.
func NewPoller(store *db.PositionStore, cfg *config.Config, m *metrics.Collector) *Poller {
	return &Poller{
		store:   store,
		cfg:     cfg,
		metrics: m,
		client: &http.Client{
			Timeout: cfg.HTTPTimeout,
		},
	}
}

// trainRecord mirrors one vehicle record from the train view API. Numeric
// fields arrive as either JSON strings or numbers depending on the field,
// so they decode through wireValue and convert at persist time.
type trainRecord struct {
	TrainNo     string    `json:"trainno"`
	Lat         wireValue `json:"lat"`
	Lon         wireValue `json:"lon"`
	Service     string    `json:"service"`
	Dest        string    `json:"dest"`
	CurrentStop string    `json:"currentstop"`
	NextStop    string    `json:"nextstop"`
	Line        string    `json:"line"`
	Consist     string    `json:"consist"`
	Heading     wireValue `json:"heading"`
	Late        wireValue `json:"late"`
	Source      string    `json:"SOURCE"`
	Track       string    `json:"TRACK"`
	TrackChange string    `json:"TRACK_CHANGE"`
}

// wireValue accepts a JSON string, number or null and keeps the raw text.
type wireValue string

func (v *wireValue) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || string(data) == "null" {
		*v = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*v = wireValue(s)
		return nil
	}
	*v = wireValue(data)
	return nil
}

// Poll fetches the current vehicle snapshot and writes it to the position
// store. An empty payload is "no data this cycle", not an error.
func (p *Poller) Poll(ctx context.Context) error {
	start := time.Now()
	fetchedAt := start.UTC()

	body, err := p.fetch(ctx)
	if err != nil {
		if p.metrics != nil {
			p.metrics.FetchErrors.WithLabelValues("train_view").Inc()
		}
		return fmt.Errorf("failed to fetch train view: %w", err)
	}

	if len(bytes.TrimSpace(body)) == 0 {
		log.Println("Train view: received empty payload")
		if p.metrics != nil {
			p.metrics.EmptyPayloads.WithLabelValues("train_view").Inc()
		}
		return nil
	}

	var records []trainRecord
	if err := json.Unmarshal(body, &records); err != nil {
		if p.metrics != nil {
			p.metrics.FetchErrors.WithLabelValues("train_view").Inc()
		}
		return fmt.Errorf("failed to decode train view payload: %w", err)
	}
	if len(records) == 0 {
		log.Println("Train view: no trains reported")
		if p.metrics != nil {
			p.metrics.EmptyPayloads.WithLabelValues("train_view").Inc()
		}
		return nil
	}

	// Raw snapshot on disk alongside the database rows. Failure here is
	// logged but does not abort the cycle.
	if err := p.writeSnapshot(body, fetchedAt); err != nil {
		log.Printf("Train view: failed to write raw snapshot: %v", err)
	}

	cycleID, err := p.store.CreateFetchCycle(ctx, fetchedAt)
	if err != nil {
		return fmt.Errorf("failed to create fetch cycle: %w", err)
	}

	positions := make([]db.Position, 0, len(records))
	for _, rec := range records {
		positions = append(positions, db.Position{
			TrainID:     rec.TrainNo,
			Lat:         string(rec.Lat),
			Lon:         string(rec.Lon),
			Service:     rec.Service,
			Destination: rec.Dest,
			CurrentStop: rec.CurrentStop,
			NextStop:    rec.NextStop,
			Line:        rec.Line,
			Consist:     rec.Consist,
			Heading:     string(rec.Heading),
			Late:        string(rec.Late),
			Source:      rec.Source,
			Track:       rec.Track,
			TrackChange: rec.TrackChange,
		})
	}

	if err := p.store.Upsert(ctx, cycleID, fetchedAt, positions); err != nil {
		return fmt.Errorf("failed to write positions: %w", err)
	}

	if p.metrics != nil {
		p.metrics.PositionsUpserted.Add(float64(len(positions)))
		p.metrics.CycleDuration.WithLabelValues("train_view").Observe(time.Since(start).Seconds())
	}
	log.Printf("Train view: stored %d positions", len(positions))
	return nil
}

func (p *Poller) fetch(ctx context.Context) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.cfg.TrainViewURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch feed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("feed returned status %d", resp.StatusCode)
	}

	return io.ReadAll(resp.Body)
}

func (p *Poller) writeSnapshot(body []byte, fetchedAt time.Time) error {
	name := "train_view_" + fetchedAt.Format("2006-01-02-15-04-05") + ".json"
	return os.WriteFile(filepath.Join(p.cfg.ScrapeDir, name), body, 0644)
}
