package tripupdates

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	gtfsrt "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"google.golang.org/protobuf/proto"

	"github.com/regional-rail-live/ingestor/internal/config"
	"github.com/regional-rail-live/ingestor/internal/db"
	"github.com/regional-rail-live/ingestor/internal/metrics"
)

// Poller fetches the trip updates protobuf feed and appends decoded delay
// events to the delay store.
type Poller struct {
	store   *db.DelayStore
	cfg     *config.Config
	metrics *metrics.Collector
	client  *http.Client
}

// NewPoller creates a new trip updates poller.
func NewPoller(store *db.DelayStore, cfg *config.Config, m *metrics.Collector) *Poller {
	return &Poller{
		store:   store,
		cfg:     cfg,
		metrics: m,
		client: &http.Client{
			Timeout: cfg.HTTPTimeout,
		},
	}
}

// Poll fetches and decodes the trip updates feed, appending one delay event
// per stop-time update. An empty payload is "no data this cycle", not an
// error.
func (p *Poller) Poll(ctx context.Context) error {
	start := time.Now()
	fetchedAt := start.UTC()

	body, err := p.fetch(ctx)
	if err != nil {
		if p.metrics != nil {
			p.metrics.FetchErrors.WithLabelValues("trip_updates").Inc()
		}
		return fmt.Errorf("failed to fetch trip updates: %w", err)
	}

	if len(body) == 0 {
		log.Println("Trip updates: received empty payload")
		if p.metrics != nil {
			p.metrics.EmptyPayloads.WithLabelValues("trip_updates").Inc()
		}
		return nil
	}

	feed := &gtfsrt.FeedMessage{}
	if err := proto.Unmarshal(body, feed); err != nil {
		if p.metrics != nil {
			p.metrics.FetchErrors.WithLabelValues("trip_updates").Inc()
		}
		return fmt.Errorf("failed to parse protobuf: %w", err)
	}

	events := decodeEvents(feed, fetchedAt)
	if len(events) == 0 {
		log.Println("Trip updates: no stop time updates found")
		if p.metrics != nil {
			p.metrics.EmptyPayloads.WithLabelValues("trip_updates").Inc()
		}
		return nil
	}

	cycleID, err := p.store.CreateFetchCycle(ctx, fetchedAt, len(feed.Entity))
	if err != nil {
		return fmt.Errorf("failed to create fetch cycle: %w", err)
	}

	if err := p.store.Insert(ctx, cycleID, fetchedAt, events); err != nil {
		return fmt.Errorf("failed to write delay events: %w", err)
	}

	if p.metrics != nil {
		p.metrics.DelayEventsInserted.Add(float64(len(events)))
		p.metrics.CycleDuration.WithLabelValues("trip_updates").Observe(time.Since(start).Seconds())
	}
	log.Printf("Trip updates: stored %d delay events from %d entities", len(events), len(feed.Entity))
	return nil
}

// decodeEvents flattens a feed message into one DelayEvent per stop-time
// update. A stop update lacking arrival information still yields an event
// with nil delay and uncertainty. The trip update's own timestamp is used
// when present, otherwise the fetch-cycle timestamp.
func decodeEvents(feed *gtfsrt.FeedMessage, fetchedAt time.Time) []db.DelayEvent {
	var events []db.DelayEvent
	for _, entity := range feed.Entity {
		tu := entity.TripUpdate
		if tu == nil || tu.Trip == nil || tu.Trip.TripId == nil {
			continue
		}
		tripID := *tu.Trip.TripId

		updateTS := fetchedAt
		if tu.Timestamp != nil {
			updateTS = time.Unix(int64(*tu.Timestamp), 0).UTC()
		}

		for _, stu := range tu.StopTimeUpdate {
			ev := db.DelayEvent{
				TripID:          tripID,
				UpdateTimestamp: updateTS,
			}
			if stu.StopId != nil {
				ev.StopID = *stu.StopId
			}
			if stu.StopSequence != nil {
				seq := int(*stu.StopSequence)
				ev.StopSequence = &seq
			}
			if stu.Arrival != nil {
				if stu.Arrival.Delay != nil {
					d := int(*stu.Arrival.Delay)
					ev.Delay = &d
				}
				if stu.Arrival.Uncertainty != nil {
					u := int(*stu.Arrival.Uncertainty)
					ev.Uncertainty = &u
				}
			}
			events = append(events, ev)
		}
	}
	return events
}

func (p *Poller) fetch(ctx context.Context) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.cfg.TripUpdatesURL, nil)
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
