package static

import (
	"context"
	"encoding/xml"
	"fmt"
	"net/http"
	"time"
)

// releaseTimeLayout is the timestamp format used by the release feed.
const releaseTimeLayout = "2006-01-02T15:04:05Z"

// releaseFeed maps the subset of the Atom release feed we consume:
// the newest entry's updated timestamp.
type releaseFeed struct {
	Entries []releaseEntry `xml:"entry"`
}

type releaseEntry struct {
	Updated string `xml:"updated"`
}

// FetchLatestRelease fetches the release feed and returns the newest entry's
// updated timestamp. Any transport, decode or parse failure is returned to
// the caller, which treats it as "no refresh".
func FetchLatestRelease(ctx context.Context, client *http.Client, url string) (time.Time, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to fetch release feed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return time.Time{}, fmt.Errorf("release feed returned status %d", resp.StatusCode)
	}

	var feed releaseFeed
	if err := xml.NewDecoder(resp.Body).Decode(&feed); err != nil {
		return time.Time{}, fmt.Errorf("failed to decode release feed: %w", err)
	}
	if len(feed.Entries) == 0 {
		return time.Time{}, fmt.Errorf("release feed has no entries")
	}

	updated, err := time.Parse(releaseTimeLayout, feed.Entries[0].Updated)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse release timestamp %q: %w", feed.Entries[0].Updated, err)
	}
	return updated, nil
}

// NeedsRefresh reports whether the release timestamp falls within the
// trailing 24-hour window from now. Both bounds are inclusive.
func NeedsRefresh(release, now time.Time) bool {
	windowStart := now.Add(-24 * time.Hour)
	return !release.Before(windowStart) && !release.After(now)
}
