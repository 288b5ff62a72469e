package tiles

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"

	"github.com/paulmach/orb/maptile"
	"github.com/rs/zerolog"
)

// Quality is the WebP quality of cached tiles.
const Quality = 80

// ErrNotTile marks an upstream response that is not a usable tile.
var ErrNotTile = errors.New("not a tile")

// Fetcher downloads tiles of a layer into a disk cache as WebP.
type Fetcher struct {
	client *http.Client
	log    zerolog.Logger
	dir    string
}

// NewFetcher returns a fetcher caching below dir.
func NewFetcher(client *http.Client, dir string, log zerolog.Logger) *Fetcher {
	if client == nil {
		client = http.DefaultClient
	}
	return &Fetcher{client: client, dir: dir, log: log}
}

// Dir returns the cache root.
func (f *Fetcher) Dir() string { return f.dir }

// Cached reports whether the tile is already in the cache.
func (f *Fetcher) Cached(layer string, t maptile.Tile) bool {
	info, err := os.Stat(Path(f.dir, layer, t))
	return err == nil && info.Size() > 0
}

// Fetch downloads one tile unless it is cached and force is false. It
// reports whether the tile exists afterwards; missing, undecodable and
// empty upstream tiles yield false without an error.
func (f *Fetcher) Fetch(ctx context.Context, l Layer, t maptile.Tile, force bool) (bool, error) {
	outPath := Path(f.dir, l.Name, t)
	if !force && f.Cached(l.Name, t) {
		return true, nil
	}

	url := BuildURL(l.URL, t)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return false, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotFound {
		f.log.Trace().Str("url", url).Msg("Tile not found (404)")
		return false, nil
	}
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("status code %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return false, err
	}
	img, _, err := Decode(body)
	if err != nil {
		f.log.Trace().Err(err).Str("url", url).Msg("Failed to decode tile")
		return false, nil
	}

	// servers answer out-of-bounds requests with 1px images
	if img.Bounds().Dx() <= 1 {
		f.log.Trace().Str("url", url).Msg("Filtered empty tile")
		return false, nil
	}

	data, err := EncodeWebP(img, Quality)
	if err != nil {
		return false, err
	}
	if err := writeAtomic(outPath, data); err != nil {
		return false, err
	}

	return true, nil
}

// Batch fetches tiles with the given number of workers and returns the ones
// that exist.
func (f *Fetcher) Batch(ctx context.Context, l Layer, tiles []maptile.Tile, concurrency int, force bool) []maptile.Tile {
	if concurrency <= 0 {
		concurrency = 1
	}
	type result struct {
		tile  maptile.Tile
		valid bool
	}

	jobs := make(chan maptile.Tile, len(tiles))
	results := make(chan result, len(tiles))
	for _, t := range tiles {
		jobs <- t
	}
	close(jobs)

	var wg sync.WaitGroup
	for range min(concurrency, len(tiles)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for t := range jobs {
				if ctx.Err() != nil {
					results <- result{tile: t}
					continue
				}
				ok, err := f.Fetch(ctx, l, t, force)
				if err != nil {
					f.log.Trace().
						Err(err).
						Str("url", BuildURL(l.URL, t)).
						Msg("Failed to download tile")
				}
				results <- result{tile: t, valid: ok}
			}
		}()
	}
	wg.Wait()
	close(results)

	var valid []maptile.Tile
	for res := range results {
		if res.valid {
			valid = append(valid, res.tile)
		}
	}
	return valid
}

// Pyramid walks zoom levels from 0 to maxZoom, descending only into the
// children of tiles that exist, and stops at the first level without data.
// It returns the number of tiles cached.
func (f *Fetcher) Pyramid(ctx context.Context, l Layer, maxZoom, concurrency int, force bool) int {
	if l.MaxZoom > 0 && l.MaxZoom < maxZoom {
		maxZoom = l.MaxZoom
	}
	f.log.Info().Str("layer", l.Name).Int("max_zoom", maxZoom).Msg("Starting tile download")

	level := []maptile.Tile{maptile.New(0, 0, 0)}
	total := 0
	for z := 0; z <= maxZoom && len(level) > 0; z++ {
		if ctx.Err() != nil {
			break
		}
		valid := f.Batch(ctx, l, level, concurrency, force)
		if len(valid) == 0 {
			f.log.Info().Int("zoom", z).Msg("No data found at zoom level, stopping")
			break
		}
		f.log.Debug().Int("zoom", z).Int("count", len(valid)).Msg("Zoom level processed")
		total += len(valid)

		next := make([]maptile.Tile, 0, len(valid)*4)
		for _, t := range valid {
			next = append(next, t.Children()...)
		}
		level = next
	}
	return total
}

func writeAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tile-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}
