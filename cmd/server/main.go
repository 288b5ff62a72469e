package main

import (
	"context"
	"crypto/tls"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jessevdk/go-flags"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/woozymasta/geoannotate/internal/config"
	"github.com/woozymasta/geoannotate/internal/logger"
	"github.com/woozymasta/geoannotate/internal/loop"
	"github.com/woozymasta/geoannotate/internal/model"
	"github.com/woozymasta/geoannotate/internal/observability"
	"github.com/woozymasta/geoannotate/internal/render"
	"github.com/woozymasta/geoannotate/internal/search"
	"github.com/woozymasta/geoannotate/internal/server"
	"github.com/woozymasta/geoannotate/internal/session"
	"github.com/woozymasta/geoannotate/internal/store"
	"github.com/woozymasta/geoannotate/internal/tiles"
)

type Options struct {
	Logger logger.Logger `group:"Logger options"`

	ConfigFile   string `short:"c" long:"config"         env:"CONFIG_FILE"         description:"Path to configuration file"`
	Listen       string `short:"a" long:"listen"         env:"LISTEN_ADDRESS"      description:"Address to listen on (overrides config)"`
	Mode         string `short:"m" long:"mode"           env:"START_MODE"          description:"Initial view mode (overrides config)"`
	Viewer       string `short:"u" long:"viewer"         env:"VIEWER_ID"           description:"Viewer identity used for the ownership check"`
	StoreBackend string `short:"s" long:"store"          env:"STORE_BACKEND"       description:"Store backend (overrides config)" choice:"memory" choice:"file" choice:"redis" choice:"postgres"`
	GoogleAPIKey string `long:"google-api-key"           env:"GOOGLE_MAPS_API_KEY" description:"Places API key for location search"`
	NoWarm       bool   `long:"no-warm"                  env:"NO_WARM"             description:"Do not prefetch tiles around fly-to targets"`
}

func main() {
	// .env is optional
	_ = godotenv.Load()

	var opts Options
	parser := flags.NewParser(&opts, flags.Default)
	if _, err := parser.Parse(); err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		os.Exit(1)
	}

	// Setup Logging
	opts.Logger.Setup()

	// Load Config
	cfg, err := config.Load(opts.ConfigFile)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if err := applyFlags(cfg, opts); err != nil {
		log.Fatal().Err(err).Msg("Invalid command-line options")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.InitTracing(ctx, cfg.Tracing, logger.Component("tracing"))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize tracing")
	}
	defer observability.ShutdownWithTimeout(shutdownTracing, log.Logger)

	collector, err := observability.NewCollector(nil)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to register metrics")
	}

	st, err := store.Open(ctx, cfg.Store, logger.Component("store"))
	if err != nil {
		log.Fatal().Err(err).Str("backend", cfg.Store.Backend).Msg("Failed to open store")
	}
	defer func() { _ = st.Close() }()

	// the loop outlives ctx so the session can be closed on it after shutdown
	loopCtx, stopLoop := context.WithCancel(context.Background())
	defer stopLoop()
	l := loop.New()
	go func() { _ = l.Run(loopCtx) }()

	if cfg.Tiles.Enabled() && !opts.NoWarm {
		fetcher := tiles.NewFetcher(httpClient(cfg.Tiles.FetchTimeout), cfg.Tiles.CacheDir, logger.Component("tiles"))
		warmer := tiles.NewWarmer(fetcher, cfg.Tiles.Layer, cfg.Tiles.Warmer, logger.Component("warmer"))
		go warmer.Start(ctx)
		cfg.Render.TileMap.Warmer = warmer
	}

	reg := render.DefaultRegistry(l, logger.Component("render"), cfg.Render)
	sess := session.New(l, reg, st, session.Recorders{
		Flight:     collector,
		Transition: collector,
		Annotate:   collector,
	}, log.Logger, cfg.Session)

	var startErr error
	if err := l.Call(ctx, func() { startErr = sess.Start(cfg.StartMode) }); err != nil || startErr != nil {
		log.Fatal().Err(errors.Join(err, startErr)).Msg("Failed to start session")
	}

	srvCtx, err := server.NewServerContext(cfg, server.Deps{
		Loop:    l,
		Session: sess,
		Search:  buildSearch(ctx, cfg.Search),
		Metrics: collector.Handler(),
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build server context")
	}

	httpServer := &http.Server{
		Addr:              cfg.Server.Listen,
		Handler:           srvCtx.Routes(),
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
	}

	go func() {
		log.Info().
			Str("addr", cfg.Server.Listen).
			Str("mode", cfg.StartMode.String()).
			Str("store", cfg.Store.Backend).
			Bool("tiles", cfg.Tiles.Enabled()).
			Msg("Web server started")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("Server failed")
			stop()
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("HTTP shutdown incomplete")
	}
	if err := l.Call(shutdownCtx, sess.Close); err != nil {
		log.Warn().Err(err).Msg("Session close incomplete")
	}
}

func applyFlags(cfg *config.Config, opts Options) error {
	if opts.Listen != "" {
		cfg.Server.Listen = opts.Listen
	}
	if opts.Mode != "" {
		mode, err := model.ParseMode(opts.Mode)
		if err != nil {
			return err
		}
		cfg.StartMode = mode
	}
	if opts.Viewer != "" {
		cfg.Session.Annotate.ViewerID = opts.Viewer
	}
	if opts.StoreBackend != "" {
		cfg.Store.Backend = opts.StoreBackend
	}
	if opts.GoogleAPIKey != "" {
		cfg.Search.GoogleAPIKey = opts.GoogleAPIKey
	}
	cfg.ApplyDefaults()
	return cfg.Validate()
}

func httpClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			TLSNextProto:        make(map[string]func(string, *tls.Conn) http.RoundTripper),
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 100,
		},
		Timeout: timeout,
	}
}

// buildSearch combines the configured providers. It returns nil when none
// is configured; providers that fail to load are logged and skipped.
func buildSearch(ctx context.Context, cfg config.Search) search.Provider {
	var providers []search.Provider

	if cfg.Gazetteer != "" {
		g, err := search.LoadGazetteer(cfg.Gazetteer)
		if err != nil {
			log.Error().Err(err).Str("path", cfg.Gazetteer).Msg("Failed to load gazetteer")
		} else {
			log.Info().Int("places", g.Len()).Msg("Gazetteer loaded")
			providers = append(providers, g)
		}
	}

	if cfg.IzurviveURL != "" {
		fc, err := search.FetchIzurvive(ctx, httpClient(15*time.Second), cfg.IzurviveURL)
		if err != nil {
			log.Error().Err(err).Str("url", cfg.IzurviveURL).Msg("Failed to fetch iZurvive locations")
		} else {
			g := search.NewGazetteer(fc)
			log.Info().Int("places", g.Len()).Msg("iZurvive locations loaded")
			providers = append(providers, g)
		}
	}

	if cfg.GoogleAPIKey != "" {
		g, err := search.NewGoogle(cfg.GoogleAPIKey, cfg.Language, cfg.Region)
		if err != nil {
			log.Error().Err(err).Msg("Failed to create Places client")
		} else {
			providers = append(providers, g)
		}
	}

	if len(providers) == 0 {
		return nil
	}
	return search.NewMulti(logger.Component("search"), providers...)
}
