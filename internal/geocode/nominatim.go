package geocode

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/smart-pokhara/backend/internal/metrics"
)

// NominatimGeocoder resolves complaint addresses through an OpenStreetMap
// Nominatim instance. Requests are spaced by MinInterval and results are kept
// in memory for the life of the process.
type NominatimGeocoder struct {
	BaseURL      string
	UserAgent    string
	CountryCodes string
	MinInterval  time.Duration
	Client       *http.Client

	once      sync.Once
	mu        sync.Mutex
	lastReqAt time.Time
	cache     map[string]place
}

type place struct {
	Lat         float64
	Lon         float64
	DisplayName string
	Confidence  float64
}

type nominatimItem struct {
	Lat         string  `json:"lat"`
	Lon         string  `json:"lon"`
	DisplayName string  `json:"display_name"`
	Importance  float64 `json:"importance"`
}

func (g *NominatimGeocoder) defaults() {
	if g.Client == nil {
		g.Client = &http.Client{Timeout: 10 * time.Second}
	}
	if g.BaseURL == "" {
		g.BaseURL = "https://nominatim.openstreetmap.org"
	}
	if g.UserAgent == "" {
		g.UserAgent = "smart-pokhara-backend"
	}
	if g.MinInterval <= 0 {
		g.MinInterval = time.Second
	}
}

func cacheKey(query string) string {
	return strings.ToLower(strings.Join(strings.Fields(query), " "))
}

func (g *NominatimGeocoder) Geocode(ctx context.Context, query string) (float64, float64, string, float64, error) {
	g.once.Do(g.defaults)
	key := cacheKey(query)

	g.mu.Lock()
	if g.cache == nil {
		g.cache = map[string]place{}
	}
	if cached, ok := g.cache[key]; ok {
		g.mu.Unlock()
		metrics.GeocodeRequests.WithLabelValues("cached").Inc()
		return cached.Lat, cached.Lon, cached.DisplayName, cached.Confidence, nil
	}
	wait := time.Until(g.lastReqAt.Add(g.MinInterval))
	g.lastReqAt = time.Now().Add(max(wait, 0))
	g.mu.Unlock()

	if wait > 0 {
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return 0, 0, "", 0, ctx.Err()
		case <-t.C:
		}
	}

	p, err := g.search(ctx, query)
	switch {
	case err == nil:
		metrics.GeocodeRequests.WithLabelValues("found").Inc()
	case errors.Is(err, ErrNotFound):
		metrics.GeocodeRequests.WithLabelValues("not_found").Inc()
		return 0, 0, "", 0, err
	default:
		metrics.GeocodeRequests.WithLabelValues("error").Inc()
		return 0, 0, "", 0, err
	}

	g.mu.Lock()
	g.cache[key] = p
	g.mu.Unlock()
	return p.Lat, p.Lon, p.DisplayName, p.Confidence, nil
}

func (g *NominatimGeocoder) search(ctx context.Context, query string) (place, error) {
	params := url.Values{}
	params.Set("q", query)
	params.Set("format", "json")
	params.Set("limit", "1")
	if g.CountryCodes != "" {
		params.Set("countrycodes", g.CountryCodes)
	}
	endpoint := fmt.Sprintf("%s/search?%s", strings.TrimRight(g.BaseURL, "/"), params.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return place{}, err
	}
	req.Header.Set("User-Agent", g.UserAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := g.Client.Do(req)
	if err != nil {
		return place{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return place{}, fmt.Errorf("nominatim http error: %s", resp.Status)
	}

	var items []nominatimItem
	if err := json.NewDecoder(resp.Body).Decode(&items); err != nil {
		return place{}, fmt.Errorf("decode nominatim response: %w", err)
	}
	return parseNominatimItems(items)
}

func parseNominatimItems(items []nominatimItem) (place, error) {
	if len(items) == 0 {
		return place{}, ErrNotFound
	}
	lat, err := strconv.ParseFloat(items[0].Lat, 64)
	if err != nil {
		return place{}, fmt.Errorf("bad latitude %q: %w", items[0].Lat, err)
	}
	lon, err := strconv.ParseFloat(items[0].Lon, 64)
	if err != nil {
		return place{}, fmt.Errorf("bad longitude %q: %w", items[0].Lon, err)
	}
	if lat == 0 && lon == 0 {
		return place{}, ErrNotFound
	}
	return place{
		Lat:         lat,
		Lon:         lon,
		DisplayName: items[0].DisplayName,
		Confidence:  items[0].Importance,
	}, nil
}
