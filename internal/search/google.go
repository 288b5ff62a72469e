package search

import (
	"context"
	"fmt"

	"googlemaps.github.io/maps"

	"github.com/woozymasta/geoannotate/internal/model"
)

// Google searches the Places API text search.
type Google struct {
	client   *maps.Client
	language string
	region   string
}

// NewGoogle creates a Places provider. Extra client options are passed to
// the maps client, e.g. maps.WithBaseURL in tests.
func NewGoogle(apiKey, language, region string, opts ...maps.ClientOption) (*Google, error) {
	client, err := maps.NewClient(append([]maps.ClientOption{maps.WithAPIKey(apiKey)}, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("failed to create maps client: %w", err)
	}
	return &Google{client: client, language: language, region: region}, nil
}

func (g *Google) Name() string { return "google" }

func (g *Google) Search(ctx context.Context, query string, limit int) ([]model.Location, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	resp, err := g.client.TextSearch(ctx, &maps.TextSearchRequest{
		Query:    query,
		Language: g.language,
		Region:   g.region,
	})
	if err != nil {
		return nil, fmt.Errorf("places api error: %w", err)
	}

	out := make([]model.Location, 0, min(limit, len(resp.Results)))
	for _, r := range resp.Results {
		loc := model.Location{
			ID:        "google:" + r.PlaceID,
			Label:     r.Name,
			Longitude: r.Geometry.Location.Lng,
			Latitude:  r.Geometry.Location.Lat,
		}
		if r.FormattedAddress != "" && r.FormattedAddress != r.Name {
			loc.Label = r.Name + ", " + r.FormattedAddress
		}
		if !loc.Finite() || !loc.InRange() {
			continue
		}
		out = append(out, loc)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}
