package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/nerrad567/astro-devsim/internal/device"
)

// ctxKeyDevice holds the *device.Device resolved from the {id} URL parameter.
const ctxKeyDevice contextKey = "device"

// defaultCommandSource tags commands received over HTTP.
const defaultCommandSource = "api"

// deviceCtx resolves {id} to a registered device or answers 404.
func (s *Server) deviceCtx(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		d, ok := s.registry.Get(chi.URLParam(r, "id"))
		if !ok {
			writeNotFound(w, "device not found")
			return
		}
		ctx := context.WithValue(r.Context(), ctxKeyDevice, d)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func deviceFrom(r *http.Request) *device.Device {
	d, _ := r.Context().Value(ctxKeyDevice).(*device.Device) //nolint:errcheck // set by deviceCtx
	return d
}

// handleListDevices returns every device in configuration order.
//
// Query parameters:
//   - type: filter by device type (camera, focuser, ...)
//   - running: "true" or "false"
func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	typ := r.URL.Query().Get("type")
	running := r.URL.Query().Get("running")
	if running != "" && running != "true" && running != "false" {
		writeBadRequest(w, "running must be true or false")
		return
	}

	devices := make([]device.Description, 0, s.registry.Len())
	for _, d := range s.registry.List() {
		if typ != "" && d.Info().Type != typ {
			continue
		}
		if running != "" && d.Running() != (running == "true") {
			continue
		}
		devices = append(devices, d.Describe())
	}
	writeJSON(w, http.StatusOK, map[string]any{"devices": devices, "count": len(devices)})
}

// handleDeviceStats returns bus and runner counters for every device.
func (s *Server) handleDeviceStats(w http.ResponseWriter, _ *http.Request) {
	stats := s.registry.Stats()
	writeJSON(w, http.StatusOK, map[string]any{"devices": stats, "count": len(stats)})
}

// handleGetDevice returns a single device description.
func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, deviceFrom(r).Describe())
}

// handleGetProperties returns a snapshot of every property.
func (s *Server) handleGetProperties(w http.ResponseWriter, r *http.Request) {
	d := deviceFrom(r)
	writeJSON(w, http.StatusOK, map[string]any{
		"device_id":  d.ID(),
		"properties": d.Properties().Snapshot(),
	})
}

// handleGetProperty returns one property with its last change time.
func (s *Server) handleGetProperty(w http.ResponseWriter, r *http.Request) {
	d := deviceFrom(r)
	name := chi.URLParam(r, "name")

	value, err := d.Properties().Get(name)
	if err != nil {
		if errors.Is(err, device.ErrPropertyNotFound) {
			writeNotFound(w, "property not found: "+name)
			return
		}
		writeInternalError(w, "failed to read property")
		return
	}

	resp := map[string]any{"device_id": d.ID(), "name": name, "value": value}
	if ts, ok := d.Properties().UpdatedAt(name); ok {
		resp["updated_at"] = ts.UTC().Format(time.RFC3339Nano)
	}
	writeJSON(w, http.StatusOK, resp)
}

// commandRequest is the body of POST /devices/{id}/commands.
type commandRequest struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	Parameters map[string]any `json:"parameters"`
	Source     string         `json:"source"`
}

// handleCommand dispatches one command. The dispatcher outcome is carried in
// the response body; HTTP errors are reserved for malformed requests.
func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	var req commandRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Name == "" {
		writeBadRequest(w, "command name is required")
		return
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.Source == "" {
		req.Source = defaultCommandSource
	}

	resp := deviceFrom(r).Dispatch(device.Command{
		ID:         req.ID,
		Name:       req.Name,
		Parameters: device.Params(req.Parameters),
		Source:     req.Source,
	})
	writeJSON(w, http.StatusOK, resp)
}
