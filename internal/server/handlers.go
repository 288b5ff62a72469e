// Package server handles HTTP requests and middleware.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/woozymasta/geoannotate/internal/annotate"
	"github.com/woozymasta/geoannotate/internal/export"
	"github.com/woozymasta/geoannotate/internal/flight"
	"github.com/woozymasta/geoannotate/internal/loop"
	"github.com/woozymasta/geoannotate/internal/model"
	"github.com/woozymasta/geoannotate/internal/render"
	"github.com/woozymasta/geoannotate/internal/session"
	"github.com/woozymasta/geoannotate/internal/store"
	"github.com/woozymasta/geoannotate/internal/tiles"
	"github.com/woozymasta/geoannotate/internal/transition"
)

const (
	etagCap          = 64
	maxJSONBody      = 4 << 20
	maxFloorPlanBody = 32 << 20
)

// errBadRequest marks client errors detected by the handlers themselves.
var errBadRequest = errors.New("bad request")

func badRequest(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errBadRequest, fmt.Sprintf(format, args...))
}

func statusOf(err error) int {
	var invalid *flight.InvalidCoordinateError
	switch {
	case errors.Is(err, errBadRequest), errors.As(err, &invalid):
		return http.StatusBadRequest
	case errors.Is(err, annotate.ErrNotOwner):
		return http.StatusForbidden
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, annotate.ErrIDConflict),
		errors.Is(err, render.ErrInvalid), errors.Is(err, transition.ErrNotStarted),
		errors.Is(err, transition.ErrNoRenderer):
		return http.StatusConflict
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, loop.ErrStopped):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	// Ignoring error as we cannot handle client disconnects
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusOf(err)
	if status >= http.StatusInternalServerError {
		log.Error().Err(err).Str("path", r.URL.Path).Msg("Request failed")
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxJSONBody))
	if err := dec.Decode(v); err != nil {
		return badRequest("invalid json: %v", err)
	}
	return nil
}

// HandleState serves the current view state.
func (s *ServerContext) HandleState(w http.ResponseWriter, r *http.Request) {
	var st session.State
	if err := s.call(r, func(context.Context) error {
		st = s.session.State()
		return nil
	}); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// HandleMode requests a view engine switch.
func (s *ServerContext) HandleMode(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Mode string `json:"mode"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	mode, err := model.ParseMode(req.Mode)
	if err != nil {
		writeError(w, r, badRequest("%v", err))
		return
	}
	if err := s.call(r, func(context.Context) error {
		return s.session.OnModeChangeRequested(mode)
	}); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// HandleLocate flies the camera to a location.
func (s *ServerContext) HandleLocate(w http.ResponseWriter, r *http.Request) {
	var loc model.Location
	if err := decodeJSON(r, &loc); err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.call(r, func(context.Context) error {
		return s.session.OnLocationSelected(loc)
	}); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// HandleTool activates a drawing tool.
func (s *ServerContext) HandleTool(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Tool string `json:"tool"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if _, ok := render.ParseTool(req.Tool); !ok {
		writeError(w, r, badRequest("unknown drawing tool %q", req.Tool))
		return
	}
	if err := s.call(r, func(context.Context) error {
		return s.session.OnToolSelected(req.Tool)
	}); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleZoom steps the camera in or out, or resets it.
func (s *ServerContext) HandleZoom(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Direction string `json:"direction"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	var op func() error
	switch req.Direction {
	case "in":
		op = func() error { return s.session.Zoom(true) }
	case "out":
		op = func() error { return s.session.Zoom(false) }
	case "reset":
		op = s.session.ResetView
	default:
		writeError(w, r, badRequest("direction must be in, out or reset"))
		return
	}
	if err := s.call(r, func(context.Context) error { return op() }); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleClear deletes every annotation.
func (s *ServerContext) HandleClear(w http.ResponseWriter, r *http.Request) {
	if err := s.call(r, s.session.OnClearAllRequested); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleDrawingsList serves every stored drawing.
func (s *ServerContext) HandleDrawingsList(w http.ResponseWriter, r *http.Request) {
	var out []model.Drawing
	if err := s.call(r, func(ctx context.Context) (err error) {
		out, err = s.session.Drawings(ctx)
		return err
	}); err != nil {
		writeError(w, r, err)
		return
	}
	if out == nil {
		out = []model.Drawing{}
	}
	writeJSON(w, http.StatusOK, out)
}

// HandleDrawingSave creates or updates a drawing.
func (s *ServerContext) HandleDrawingSave(w http.ResponseWriter, r *http.Request) {
	var d model.Drawing
	if err := decodeJSON(r, &d); err != nil {
		writeError(w, r, err)
		return
	}
	probe := d
	if probe.ID == "" {
		probe.ID = "new"
	}
	if err := probe.Validate(); err != nil {
		writeError(w, r, badRequest("%v", err))
		return
	}

	if err := s.call(r, func(ctx context.Context) (err error) {
		d, err = s.session.SaveDrawing(ctx, d)
		return err
	}); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// HandleDrawingDelete removes a drawing and its floor plans.
func (s *ServerContext) HandleDrawingDelete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.call(r, func(ctx context.Context) error {
		return s.session.DeleteDrawing(ctx, id)
	}); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleFloorPlan attaches an uploaded image to a drawing. The image is read
// from the multipart field "file"; "opacity" is optional.
func (s *ServerContext) HandleFloorPlan(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxFloorPlanBody)
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, r, badRequest("missing file: %v", err))
		return
	}
	defer func() { _ = file.Close() }()

	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, r, badRequest("read upload: %v", err))
		return
	}
	act := render.Activation{
		Name:        header.Filename,
		ContentType: header.Header.Get("Content-Type"),
		Data:        data,
	}
	if v := r.FormValue("opacity"); v != "" {
		if act.Opacity, err = strconv.ParseFloat(v, 64); err != nil {
			writeError(w, r, badRequest("invalid opacity %q", v))
			return
		}
	}

	id := r.PathValue("id")
	var fp model.FloorPlan
	if err := s.call(r, func(ctx context.Context) (err error) {
		fp, err = s.session.UploadFloorPlan(ctx, id, act)
		return err
	}); err != nil {
		writeError(w, r, err)
		return
	}

	fp.Data = nil
	writeJSON(w, http.StatusCreated, fp)
}

// HandleMarkersList serves every stored marker.
func (s *ServerContext) HandleMarkersList(w http.ResponseWriter, r *http.Request) {
	var out []model.Marker
	if err := s.call(r, func(ctx context.Context) (err error) {
		out, err = s.session.Markers(ctx)
		return err
	}); err != nil {
		writeError(w, r, err)
		return
	}
	if out == nil {
		out = []model.Marker{}
	}
	writeJSON(w, http.StatusOK, out)
}

// HandleMarkerSave creates or updates a marker.
func (s *ServerContext) HandleMarkerSave(w http.ResponseWriter, r *http.Request) {
	var m model.Marker
	if err := decodeJSON(r, &m); err != nil {
		writeError(w, r, err)
		return
	}
	loc := model.Location{Longitude: m.Longitude, Latitude: m.Latitude}
	if !loc.Finite() || !loc.InRange() {
		writeError(w, r, badRequest("marker coordinates out of range"))
		return
	}

	if err := s.call(r, func(ctx context.Context) (err error) {
		m, err = s.session.SaveMarker(ctx, m)
		return err
	}); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// HandleMarkerDelete removes a marker.
func (s *ServerContext) HandleMarkerDelete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.call(r, func(ctx context.Context) error {
		return s.session.DeleteMarker(ctx, id)
	}); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleExport serves every annotation as GeoJSON, or YAML with ?format=yaml.
func (s *ServerContext) HandleExport(w http.ResponseWriter, r *http.Request) {
	format := r.URL.Query().Get("format")
	if format == "" {
		format = export.FormatGeoJSON
	}
	if format != export.FormatGeoJSON && format != export.FormatYAML {
		writeError(w, r, badRequest("unknown format %q", format))
		return
	}

	var (
		drawings []model.Drawing
		markers  []model.Marker
	)
	if err := s.call(r, func(ctx context.Context) (err error) {
		if drawings, err = s.session.Drawings(ctx); err != nil {
			return err
		}
		markers, err = s.session.Markers(ctx)
		return err
	}); err != nil {
		writeError(w, r, err)
		return
	}

	if format == export.FormatYAML {
		w.Header().Set("Content-Type", "application/yaml")
	} else {
		w.Header().Set("Content-Type", "application/geo+json")
	}
	if err := export.Encode(w, export.Features(drawings, markers), format); err != nil {
		log.Warn().Err(err).Msg("Failed to write export")
	}
}

// HandleSearch resolves ?q= to locations.
func (s *ServerContext) HandleSearch(w http.ResponseWriter, r *http.Request) {
	if s.search == nil {
		writeJSON(w, http.StatusOK, []model.Location{})
		return
	}
	q := strings.TrimSpace(r.URL.Query().Get("q"))
	if q == "" {
		writeError(w, r, badRequest("missing query"))
		return
	}
	limit := s.Config.Search.Limit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, r, badRequest("invalid limit %q", v))
			return
		}
		limit = min(n, 100)
	}

	locs, err := s.search.Search(r.Context(), q, limit)
	if err != nil {
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
		return
	}
	if locs == nil {
		locs = []model.Location{}
	}
	writeJSON(w, http.StatusOK, locs)
}

// HandleFavicon serves the site icon.
func (s *ServerContext) HandleFavicon(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "image/svg+xml")
	w.Header().Set("Cache-Control", "public, max-age=86400")
	_, _ = w.Write(s.Favicon)
}

// HandleIndex serves the main HTML application.
func (s *ServerContext) HandleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" && strings.Contains(r.URL.Path, ".") {
		http.NotFound(w, r)
		return
	}

	if match := r.Header.Get("If-None-Match"); match == s.indexETag {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("ETag", s.indexETag)
	w.Header().Set("Cache-Control", "public, no-cache")
	_, _ = w.Write(s.IndexHTML)
}

// HandleTile serves cached WebP tiles of the configured layer. Missing tiles
// get a transparent placeholder so the map keeps painting.
func (s *ServerContext) HandleTile(w http.ResponseWriter, r *http.Request) {
	// allow only the configured layer to prevent path probing
	layer := r.PathValue("layer")
	if layer != s.Config.Tiles.Layer.Name {
		http.NotFound(w, r)
		return
	}
	t, err := tiles.ParseTile(r.PathValue("z"), r.PathValue("x"), r.PathValue("y"))
	if err != nil {
		http.NotFound(w, r)
		return
	}

	if s.serveFile(w, r, tiles.Path(s.Config.Tiles.CacheDir, layer, t), "image/webp") {
		return
	}

	w.Header().Set("Content-Type", "image/webp")
	w.Header().Set("Cache-Control", "public, max-age=3600")
	_, _ = w.Write(s.TransparentTile)
}

// serveFile tries to serve a file from disk with ETag generation.
// It returns true if the file was found and served (or 304).
func (s *ServerContext) serveFile(w http.ResponseWriter, r *http.Request, path string, contentType string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	if info.IsDir() {
		return false
	}

	buf := make([]byte, 0, etagCap)
	buf = append(buf, '"')
	buf = strconv.AppendInt(buf, info.Size(), 16)
	buf = append(buf, '-')
	buf = strconv.AppendInt(buf, info.ModTime().UnixNano(), 16)
	buf = append(buf, '"')
	etag := string(buf)

	// check If-None-Match (client sent ETag)
	if match := r.Header.Get("If-None-Match"); match == etag {
		w.WriteHeader(http.StatusNotModified)
		return true
	}

	w.Header().Set("ETag", etag)
	w.Header().Set("Cache-Control", "public, no-cache")

	if contentType != "" {
		w.Header().Set("Content-Type", contentType)
	}

	http.ServeFile(w, r, path)
	return true
}
