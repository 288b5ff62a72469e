// Package search resolves free-text queries to locations the camera can fly to.
package search

import (
	"context"
	"errors"
	"strings"

	"github.com/rs/zerolog"

	"github.com/woozymasta/geoannotate/internal/model"
)

// DefaultLimit caps results when the caller passes no limit.
const DefaultLimit = 10

// Provider looks up locations.
type Provider interface {
	Name() string
	Search(ctx context.Context, query string, limit int) ([]model.Location, error)
}

// Multi queries providers in order and merges their results, dropping
// duplicate location ids. A failing provider is skipped; Search only fails
// when every provider does.
type Multi struct {
	log       zerolog.Logger
	providers []Provider
}

// NewMulti combines providers.
func NewMulti(log zerolog.Logger, providers ...Provider) *Multi {
	return &Multi{providers: providers, log: log.With().Str("component", "search").Logger()}
}

func (m *Multi) Name() string {
	names := make([]string, 0, len(m.providers))
	for _, p := range m.providers {
		names = append(names, p.Name())
	}
	return strings.Join(names, "+")
}

func (m *Multi) Search(ctx context.Context, query string, limit int) ([]model.Location, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = DefaultLimit
	}

	var (
		out  []model.Location
		errs []error
		seen = make(map[string]struct{})
	)
	for _, p := range m.providers {
		if len(out) >= limit {
			break
		}
		locs, err := p.Search(ctx, query, limit-len(out))
		if err != nil {
			m.log.Warn().Err(err).Str("provider", p.Name()).Str("query", query).Msg("Search provider failed")
			errs = append(errs, err)
			continue
		}
		for _, l := range locs {
			if _, dup := seen[l.ID]; dup {
				continue
			}
			seen[l.ID] = struct{}{}
			out = append(out, l)
			if len(out) >= limit {
				break
			}
		}
	}

	if len(errs) > 0 && len(errs) == len(m.providers) {
		return nil, errors.Join(errs...)
	}
	return out, nil
}
