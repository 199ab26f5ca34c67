package geocode

import (
	"context"
	"errors"
	"strings"

	"github.com/smart-pokhara/backend/internal/models"
)

var ErrNotFound = errors.New("geocode not found")

type Geocoder interface {
	Geocode(ctx context.Context, query string) (lat float64, lon float64, displayName string, confidence float64, err error)
}

// BuildGeocodeQuery joins the non-empty parts, most specific last.
func BuildGeocodeQuery(country string, city string, address string) string {
	country = strings.TrimSpace(country)
	city = strings.TrimSpace(city)
	address = strings.TrimSpace(address)
	parts := []string{}
	if address != "" {
		parts = append(parts, address)
	}
	if city != "" && !strings.Contains(strings.ToLower(address), strings.ToLower(city)) {
		parts = append(parts, city)
	}
	if country != "" {
		parts = append(parts, country)
	}
	return strings.Join(parts, ", ")
}

// ShouldGeocode reports whether a complaint needs coordinates looked up:
// it has an address and no location yet.
func ShouldGeocode(c models.Complaint) bool {
	if strings.TrimSpace(c.Address) == "" {
		return false
	}
	return !c.HasLocation()
}
