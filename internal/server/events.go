package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/woozymasta/geoannotate/internal/bus"
	"github.com/woozymasta/geoannotate/internal/session"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

// message is the wire form of a bus event or a state snapshot.
type message struct {
	Data any    `json:"data,omitempty"`
	Type string `json:"type"`
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// wireEvent converts an event into its JSON payload. Errors become strings
// and durations milliseconds.
func wireEvent(e bus.Event) message {
	var data any
	switch ev := e.(type) {
	case bus.ModeChanged:
		data = map[string]any{"from": ev.From, "to": ev.To}
	case bus.TransitionStarted:
		data = map[string]any{"from": ev.From, "to": ev.To, "at": ev.At}
	case bus.TransitionRetargeted:
		data = map[string]any{"from": ev.From, "previous": ev.Previous, "to": ev.To}
	case bus.TransitionSettled:
		data = map[string]any{"mode": ev.Mode, "reason": ev.Reason, "elapsed_ms": ev.Elapsed.Milliseconds()}
	case bus.FlightStarted:
		data = map[string]any{"location": ev.Location, "mode": ev.Mode}
	case bus.FlightFinished:
		data = map[string]any{"location": ev.Location, "mode": ev.Mode, "outcome": ev.Outcome, "error": errString(ev.Err)}
	case bus.MapReady:
		data = map[string]any{"mode": ev.Mode, "ready": ev.Ready}
	case bus.RendererFailed:
		data = map[string]any{"mode": ev.Mode, "error": errString(ev.Err)}
	case bus.Toast:
		data = map[string]any{"level": ev.Level, "message": ev.Message, "error": errString(ev.Err)}
	case bus.DrawingsReconciled:
		data = map[string]any{
			"mode": ev.Mode, "live": ev.Live, "created": ev.Created,
			"updated": ev.Updated, "removed": ev.Removed, "failed": ev.Failed,
		}
	case bus.ShapeSelected:
		data = map[string]any{"drawing_id": ev.DrawingID, "owned": ev.Owned}
	case bus.ToolChanged:
		data = map[string]any{"tool": ev.Tool}
	}
	return message{Type: e.Name(), Data: data}
}

// HandleEvents upgrades to a WebSocket and streams bus events plus a state
// snapshot on every state change. Slow clients lose messages rather than
// stalling the event loop.
func (s *ServerContext) HandleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	defer func() { _ = conn.Close() }()

	buffer := s.Config.Server.EventBuffer
	if buffer <= 0 {
		buffer = 64
	}
	out := make(chan message, buffer)
	var dropped atomic.Int64
	send := func(m message) {
		select {
		case out <- m:
		default:
			dropped.Add(1)
		}
	}

	var unsubBus, unsubState func()
	if err := s.call(r, func(context.Context) error {
		send(message{Type: "state", Data: s.session.State()})
		unsubBus = s.session.Bus().Subscribe(func(e bus.Event) { send(wireEvent(e)) })
		unsubState = s.session.Subscribe(func(st session.State) { send(message{Type: "state", Data: st}) })
		return nil
	}); err != nil {
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, err.Error()))
		return
	}
	defer s.loop.Post(func() {
		unsubBus()
		unsubState()
	})

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-closed:
			log.Debug().Int64("dropped", dropped.Load()).Msg("Event stream closed")
			return
		case <-s.loop.Done():
			return
		case m := <-out:
			data, err := json.Marshal(m)
			if err != nil {
				log.Warn().Err(err).Str("event", m.Type).Msg("Failed to encode event")
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
