package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/woozymasta/geoannotate/internal/config"
	"github.com/woozymasta/geoannotate/internal/loop"
	"github.com/woozymasta/geoannotate/internal/search"
	"github.com/woozymasta/geoannotate/internal/session"
)

// Deps are the runtime collaborators of the HTTP surface. Search and Metrics
// are optional.
type Deps struct {
	Loop    *loop.Loop
	Session *session.Session
	Search  search.Provider
	Metrics http.Handler
}

// ServerContext holds dependencies for request handlers.
type ServerContext struct {
	loop     *loop.Loop
	session  *session.Session
	search   search.Provider
	metrics  http.Handler
	upgrader websocket.Upgrader

	Config          *config.Config
	IndexHTML       []byte
	Favicon         []byte
	TransparentTile []byte
	indexETag       string
}

// NewServerContext builds the minified index page and the fallback tile and
// wires the handlers to the session.
func NewServerContext(cfg *config.Config, deps Deps) (*ServerContext, error) {
	index, favicon, err := BuildIndex()
	if err != nil {
		return nil, err
	}
	blank, err := TransparentTile(256)
	if err != nil {
		return nil, err
	}

	log.Info().
		Str("tiles_dir", cfg.Tiles.CacheDir).
		Str("tiles_layer", cfg.Tiles.Layer.Name).
		Bool("search", deps.Search != nil).
		Bool("metrics", deps.Metrics != nil).
		Int("index_bytes", len(index)).
		Msg("Server context initialized successfully")

	return &ServerContext{
		loop:            deps.Loop,
		session:         deps.Session,
		search:          deps.Search,
		metrics:         deps.Metrics,
		Config:          cfg,
		IndexHTML:       index,
		Favicon:         favicon,
		TransparentTile: blank,
		indexETag:       contentETag(index),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
	}, nil
}

// Routes returns the request multiplexer wrapped in the request logger.
func (s *ServerContext) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/state", s.HandleState)
	mux.HandleFunc("POST /api/mode", s.HandleMode)
	mux.HandleFunc("POST /api/locate", s.HandleLocate)
	mux.HandleFunc("POST /api/tool", s.HandleTool)
	mux.HandleFunc("POST /api/zoom", s.HandleZoom)
	mux.HandleFunc("POST /api/clear", s.HandleClear)

	mux.HandleFunc("GET /api/drawings", s.HandleDrawingsList)
	mux.HandleFunc("POST /api/drawings", s.HandleDrawingSave)
	mux.HandleFunc("DELETE /api/drawings/{id}", s.HandleDrawingDelete)
	mux.HandleFunc("POST /api/drawings/{id}/floorplan", s.HandleFloorPlan)
	mux.HandleFunc("GET /api/markers", s.HandleMarkersList)
	mux.HandleFunc("POST /api/markers", s.HandleMarkerSave)
	mux.HandleFunc("DELETE /api/markers/{id}", s.HandleMarkerDelete)
	mux.HandleFunc("GET /api/export.geojson", s.HandleExport)

	mux.HandleFunc("GET /api/search", s.HandleSearch)
	mux.HandleFunc("GET /api/events", s.HandleEvents)
	mux.HandleFunc("GET /tiles/{layer}/{z}/{x}/{y}", s.HandleTile)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics)
	}

	mux.HandleFunc("GET /favicon.svg", s.HandleFavicon)
	mux.HandleFunc("GET /", s.HandleIndex)

	return RequestLogger(mux)
}

// call runs fn on the event loop, bounded by the configured call timeout.
// A call that times out before reaching the loop never runs fn.
func (s *ServerContext) call(r *http.Request, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(r.Context(), s.callTimeout())
	defer cancel()

	var err error
	if cerr := s.loop.Call(ctx, func() { err = fn(ctx) }); cerr != nil {
		return cerr
	}
	return err
}

func (s *ServerContext) callTimeout() time.Duration {
	if s.Config.Server.CallTimeout > 0 {
		return s.Config.Server.CallTimeout
	}
	return 5 * time.Second
}
