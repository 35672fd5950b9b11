package api

import (
	"net/http"
	"runtime"
	"time"

	"github.com/nerrad567/astro-devsim/internal/bridge"
)

// SystemStatus is the response of GET /system.
type SystemStatus struct {
	Timestamp     string                `json:"timestamp"`
	Version       string                `json:"version"`
	UptimeSeconds int64                 `json:"uptime_seconds"`
	Runtime       RuntimeMetrics        `json:"runtime"`
	WebSocket     WSMetrics             `json:"websocket"`
	Devices       DeviceMetrics         `json:"devices"`
	Bridge        *bridge.HealthMessage `json:"bridge,omitempty"`
	Journal       bool                  `json:"journal"`
}

// RuntimeMetrics contains Go runtime statistics.
type RuntimeMetrics struct {
	Goroutines    int     `json:"goroutines"`
	MemoryAllocMB float64 `json:"memory_alloc_mb"`
	MemoryTotalMB float64 `json:"memory_total_mb"`
	NumGC         uint32  `json:"num_gc"`
}

// WSMetrics contains WebSocket hub statistics.
type WSMetrics struct {
	ConnectedClients int `json:"connected_clients"`
}

// DeviceMetrics summarises the registry.
type DeviceMetrics struct {
	Total   int            `json:"total"`
	Running int            `json:"running"`
	ByType  map[string]int `json:"by_type"`
	Emitted uint64         `json:"events_emitted"`
	Changes uint64         `json:"property_changes"`
	Dropped uint64         `json:"deliveries_dropped"`
	Failed  uint64         `json:"deliveries_failed"`
}

// handleSystem returns process, hub and device counters.
func (s *Server) handleSystem(w http.ResponseWriter, _ *http.Request) {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	status := SystemStatus{
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		Version:       s.version,
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
		Runtime: RuntimeMetrics{
			Goroutines:    runtime.NumGoroutine(),
			MemoryAllocMB: float64(memStats.Alloc) / 1024 / 1024,
			MemoryTotalMB: float64(memStats.TotalAlloc) / 1024 / 1024,
			NumGC:         memStats.NumGC,
		},
		WebSocket: WSMetrics{ConnectedClients: s.hub.ClientCount()},
		Devices: DeviceMetrics{
			Total:  s.registry.Len(),
			ByType: make(map[string]int),
		},
		Journal: s.journal != nil,
	}

	for _, d := range s.registry.List() {
		if d.Running() {
			status.Devices.Running++
		}
		st := d.Stats()
		status.Devices.ByType[st.Type]++
		status.Devices.Emitted += st.Bus.Emitted
		status.Devices.Changes += st.Bus.Changes
		status.Devices.Dropped += st.Bus.Dropped
		status.Devices.Failed += st.Bus.Failed
	}

	if s.bridge != nil {
		stats := s.bridge.Stats()
		status.Bridge = &stats
	}

	writeJSON(w, http.StatusOK, status)
}
