package rest

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/wargotik/wargot-ha-addons/internal/events"
	"github.com/wargotik/wargot-ha-addons/internal/mode"
	"github.com/wargotik/wargot-ha-addons/internal/registry"
)

// maxBodyBytes bounds request bodies; every payload here is a few fields.
const maxBodyBytes = 16 << 10

// Connection states reported by /api/status.
const (
	ConnUnknown      = "unknown"
	ConnConnected    = "connected"
	ConnDisconnected = "disconnected"
)

// Server holds the dependencies needed by the REST handlers.
type Server struct {
	reg        Registry
	modes      Modes
	monitor    Monitor
	polls      PollClock
	sink       events.Sink
	logger     *slog.Logger
	configured bool
}

// Option configures a Server.
type Option func(*Server)

// WithMonitor exposes the poll loop status.
func WithMonitor(m Monitor) Option { return func(s *Server) { s.monitor = m } }

// WithPollClock exposes the persisted last-poll time.
func WithPollClock(p PollClock) Option { return func(s *Server) { s.polls = p } }

// WithSink receives sensor_updated events for edits made through the API.
func WithSink(sink events.Sink) Option { return func(s *Server) { s.sink = sink } }

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option { return func(s *Server) { s.logger = l } }

// WithConfigured reports whether Home Assistant credentials are present.
func WithConfigured(ok bool) Option { return func(s *Server) { s.configured = ok } }

// NewServer creates a Server over the sensor registry and mode state.
func NewServer(reg Registry, modes Modes, opts ...Option) *Server {
	s := &Server{reg: reg, modes: modes, sink: events.Discard}
	for _, o := range opts {
		o(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.sink == nil {
		s.sink = events.Discard
	}
	return s
}

func writeJSON(w http.ResponseWriter, code int, body map[string]any) {
	if body == nil {
		body = map[string]any{}
	}
	body["success"] = code < 400
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]any{"error": msg})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "request body must be valid JSON")
		return false
	}
	return true
}

// registryError maps a registry failure onto a response.
func (s *Server) registryError(w http.ResponseWriter, op, id string, err error) {
	if errors.Is(err, registry.ErrNotFound) {
		writeError(w, http.StatusNotFound, "sensor not found")
		return
	}
	s.logger.Error("rest: registry operation failed",
		slog.String("op", op), slog.String("sensor_id", id), slog.Any("error", err))
	writeError(w, http.StatusInternalServerError, "registry unavailable")
}

// handleHealth responds to GET /health.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) switchStates() map[string]bool {
	out := make(map[string]bool)
	for m, on := range s.modes.States() {
		out[m.String()] = on
	}
	return out
}

// handleStatus responds to GET /api/status.
func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	body := map[string]any{
		"configured":     s.configured,
		"mode":           s.modes.Current().String(),
		"switches":       s.switchStates(),
		"local_switches": s.modes.Local(),
		"connection":     ConnUnknown,
	}

	if s.monitor != nil {
		st := s.monitor.Status()
		body["monitor"] = st
		switch {
		case st.Polls == 0 && st.LastError == "":
		case st.Connected:
			body["connection"] = ConnConnected
		default:
			body["connection"] = ConnDisconnected
		}
	}

	if s.polls != nil {
		t, ok, err := s.polls.LastPoll()
		switch {
		case err != nil:
			s.logger.Warn("rest: read last poll failed", slog.Any("error", err))
		case ok:
			body["last_poll"] = t.UTC().Format(time.RFC3339)
		}
	}

	writeJSON(w, http.StatusOK, body)
}

// handleListSensors responds to GET /api/sensors.
func (s *Server) handleListSensors(w http.ResponseWriter, r *http.Request) {
	sensors, err := s.reg.List(r.Context())
	if err != nil {
		s.registryError(w, "list", "", err)
		return
	}
	if sensors == nil {
		sensors = []registry.Sensor{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"sensors": sensors})
}

// handleGetSensor responds to GET /api/sensors/{id}.
func (s *Server) handleGetSensor(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sensor, err := s.reg.Get(r.Context(), id)
	if err != nil {
		s.registryError(w, "get", id, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sensor": sensor})
}

// modesRequest accepts either a single {"mode","enabled"} toggle or any
// subset of the per-mode flags.
type modesRequest struct {
	Mode      *string `json:"mode"`
	Enabled   *bool   `json:"enabled"`
	Away      *bool   `json:"away"`
	Night     *bool   `json:"night"`
	Perimeter *bool   `json:"perimeter"`
}

// handleSetSensorModes responds to PUT /api/sensors/{id}/modes.
func (s *Server) handleSetSensorModes(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req modesRequest
	if !decodeBody(w, r, &req) {
		return
	}

	changes := make(map[string]any)
	ctx := r.Context()

	if req.Mode != nil {
		m, err := mode.Parse(*req.Mode)
		if err != nil || m == mode.Off {
			writeError(w, http.StatusBadRequest, "'mode' must be one of away, night, perimeter")
			return
		}
		if req.Enabled == nil {
			writeError(w, http.StatusBadRequest, "'enabled' is required with 'mode'")
			return
		}
		if err := s.reg.SetModeEnabled(ctx, id, m, *req.Enabled); err != nil {
			s.registryError(w, "set_mode_enabled", id, err)
			return
		}
		changes[m.String()] = *req.Enabled
	} else {
		if req.Away == nil && req.Night == nil && req.Perimeter == nil {
			writeError(w, http.StatusBadRequest, "no mode flags given")
			return
		}
		// Each given flag is written on its own; flags not in the body are
		// never rewritten.
		given := map[mode.Mode]*bool{mode.Away: req.Away, mode.Night: req.Night, mode.Perimeter: req.Perimeter}
		for _, m := range mode.Armed {
			v := given[m]
			if v == nil {
				continue
			}
			if err := s.reg.SetModeEnabled(ctx, id, m, *v); err != nil {
				s.registryError(w, "set_mode_enabled", id, err)
				return
			}
			changes[m.String()] = *v
		}
	}

	s.respondUpdated(w, r, id, changes)
}

// handleSetSensorArea responds to PUT /api/sensors/{id}/area.
func (s *Server) handleSetSensorArea(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req struct {
		Area *string `json:"area"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Area == nil {
		writeError(w, http.StatusBadRequest, "'area' is required")
		return
	}
	area := strings.TrimSpace(*req.Area)
	if err := s.reg.SetArea(r.Context(), id, area); err != nil {
		s.registryError(w, "set_area", id, err)
		return
	}
	s.respondUpdated(w, r, id, map[string]any{"area": area})
}

// handleDeleteSensor responds to DELETE /api/sensors/{id}. The sensor is
// registered again on the next poll if it still exists in Home Assistant.
func (s *Server) handleDeleteSensor(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.reg.Delete(r.Context(), id); err != nil {
		s.registryError(w, "delete", id, err)
		return
	}
	s.sink.Publish(events.Event{
		Kind:     events.KindSensorUpdated,
		SensorID: id,
		Detail:   map[string]any{"deleted": true},
	})
	writeJSON(w, http.StatusOK, map[string]any{"deleted": id})
}

func (s *Server) respondUpdated(w http.ResponseWriter, r *http.Request, id string, changes map[string]any) {
	sensor, err := s.reg.Get(r.Context(), id)
	if err != nil {
		s.registryError(w, "get", id, err)
		return
	}
	s.sink.Publish(events.Event{
		Kind:     events.KindSensorUpdated,
		SensorID: id,
		Name:     sensor.DisplayName(),
		Area:     sensor.Area,
		Detail:   changes,
	})
	writeJSON(w, http.StatusOK, map[string]any{"sensor": sensor})
}

// handleGetMode responds to GET /api/mode.
func (s *Server) handleGetMode(w http.ResponseWriter, _ *http.Request) {
	available := []string{mode.Off.String()}
	for _, sw := range s.modes.Specs() {
		available = append(available, sw.Mode.String())
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"mode":      s.modes.Current().String(),
		"switches":  s.switchStates(),
		"available": available,
	})
}

// handleSetMode responds to POST /api/mode. Mode change events are emitted
// by the mode store itself.
func (s *Server) handleSetMode(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Mode string `json:"mode"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	m, err := mode.Parse(req.Mode)
	if err != nil {
		writeError(w, http.StatusBadRequest, "'mode' must be one of off, away, night, perimeter")
		return
	}
	if m != mode.Off && !s.hasSwitch(m) {
		writeError(w, http.StatusBadRequest, "no switch configured for mode "+m.String())
		return
	}

	if err := s.modes.Set(r.Context(), m); err != nil {
		s.logger.Error("rest: set mode failed", slog.String("mode", m.String()), slog.Any("error", err))
		code := http.StatusInternalServerError
		if errors.Is(err, mode.ErrPartialTransition) {
			code = http.StatusBadGateway
		}
		writeJSON(w, code, map[string]any{
			"error":    err.Error(),
			"mode":     s.modes.Current().String(),
			"switches": s.switchStates(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"mode":     s.modes.Current().String(),
		"switches": s.switchStates(),
	})
}

func (s *Server) hasSwitch(m mode.Mode) bool {
	for _, sw := range s.modes.Specs() {
		if sw.Mode == m {
			return true
		}
	}
	return false
}
