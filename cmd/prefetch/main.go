package main

import (
	"context"
	"crypto/tls"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jessevdk/go-flags"
	"github.com/joho/godotenv"
	"github.com/paulmach/orb"
	"github.com/rs/zerolog/log"

	"github.com/woozymasta/geoannotate/internal/config"
	"github.com/woozymasta/geoannotate/internal/logger"
	"github.com/woozymasta/geoannotate/internal/store"
	"github.com/woozymasta/geoannotate/internal/tiles"
)

type Options struct {
	Logger logger.Logger `group:"Logger options"`

	ConfigFile  string `short:"c" long:"config"      env:"CONFIG_FILE" description:"Path to configuration file" default:"config.yaml"`
	Concurrency int    `short:"p" long:"concurrency" env:"CONCURRENCY" description:"Concurrency" default:"50"`
	Radius      int    `short:"r" long:"radius"      env:"WARM_RADIUS" description:"Tiles around each annotation (overrides config)"`
	Pyramid     int    `short:"z" long:"pyramid"     env:"ZOOM_LIMIT"  description:"Also download the whole layer up to this zoom"`
	Force       bool   `short:"f" long:"force"       description:"Force overwrite of existing files"`
	PyramidOnly bool   `short:"P" long:"pyramid-only" description:"Skip the annotation pass"`
}

func main() {
	_ = godotenv.Load()

	var opts Options
	parser := flags.NewParser(&opts, flags.Default)
	if _, err := parser.Parse(); err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		os.Exit(1)
	}

	opts.Logger.Setup()

	cfg, err := config.Load(opts.ConfigFile)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if !cfg.Tiles.Enabled() {
		log.Fatal().Msg("No tile layer configured (tiles.layer.url)")
	}

	if opts.Concurrency <= 0 {
		opts.Concurrency = 50
	}
	if opts.Radius > 0 {
		cfg.Tiles.Warmer.Radius = opts.Radius
	}
	cfg.Tiles.Warmer.Concurrency = opts.Concurrency

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client := &http.Client{
		Transport: &http.Transport{
			TLSNextProto:        make(map[string]func(string, *tls.Conn) http.RoundTripper),
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 100,
		},
		Timeout: cfg.Tiles.FetchTimeout,
	}
	fetcher := tiles.NewFetcher(client, cfg.Tiles.CacheDir, logger.Component("tiles"))

	log.Info().
		Str("layer", cfg.Tiles.Layer.Name).
		Str("cache_dir", cfg.Tiles.CacheDir).
		Ints("zooms", cfg.Tiles.Warmer.Zooms).
		Int("pyramid", opts.Pyramid).
		Msg("Starting prefetch")

	start := time.Now()
	total := 0

	if opts.Pyramid > 0 {
		total += fetcher.Pyramid(ctx, cfg.Tiles.Layer, opts.Pyramid, opts.Concurrency, opts.Force)
	}

	if !opts.PyramidOnly {
		points, err := annotationPoints(ctx, cfg.Store)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to read annotations")
		}
		warmer := tiles.NewWarmer(fetcher, cfg.Tiles.Layer, cfg.Tiles.Warmer, logger.Component("warmer"))
		for _, p := range points {
			if ctx.Err() != nil {
				break
			}
			n := warmer.Prefetch(ctx, p[0], p[1])
			log.Debug().Float64("lon", p[0]).Float64("lat", p[1]).Int("tiles", n).Msg("Annotation area cached")
			total += n
		}
		log.Info().Int("annotations", len(points)).Msg("Annotation pass finished")
	}

	log.Info().
		Int("tiles", total).
		Dur("elapsed", time.Since(start)).
		Msg("Prefetch finished successfully")
}

// annotationPoints returns every marker position and drawing center.
func annotationPoints(ctx context.Context, cfg store.Config) ([]orb.Point, error) {
	st, err := store.Open(ctx, cfg, logger.Component("store"))
	if err != nil {
		return nil, err
	}
	defer func() { _ = st.Close() }()

	drawings, err := store.Drawings(ctx, st)
	if err != nil {
		return nil, err
	}
	markers, err := store.Markers(ctx, st)
	if err != nil {
		return nil, err
	}

	points := make([]orb.Point, 0, len(drawings)+len(markers))
	for _, d := range drawings {
		if c, ok := d.Center(); ok {
			points = append(points, c)
		}
	}
	for _, m := range markers {
		points = append(points, orb.Point{m.Longitude, m.Latitude})
	}
	return points, nil
}
