package bridge

import (
	"time"

	"github.com/nerrad567/astro-devsim/internal/device"
)

// CommandMessage is received on devsim/command/{device_id}.
type CommandMessage struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	Parameters map[string]any `json:"parameters,omitempty"`
	Source     string         `json:"source,omitempty"`
}

// ResponseMessage is published on devsim/response/{device_id}.
type ResponseMessage struct {
	CommandID string         `json:"command_id"`
	Status    device.Status  `json:"status"`
	Details   map[string]any `json:"details"`
	Timestamp string         `json:"timestamp"`
}

// RegistrationMessage is the retained record on devsim/register/{device_id}.
type RegistrationMessage struct {
	ID           string         `json:"id"`
	Type         string         `json:"type"`
	Manufacturer string         `json:"manufacturer,omitempty"`
	Model        string         `json:"model,omitempty"`
	Capabilities []string       `json:"capabilities"`
	Commands     []string       `json:"commands"`
	Properties   map[string]any `json:"properties"`
	Timestamp    string         `json:"timestamp"`
}

// EventMessage is published on devsim/event/{device_id}/{name}.
type EventMessage struct {
	Name      string         `json:"name"`
	Timestamp string         `json:"timestamp"`
	Payload   map[string]any `json:"payload"`
}

// PropertyMessage is the retained value on devsim/property/{device_id}/{name}.
type PropertyMessage struct {
	Name      string `json:"name"`
	Value     any    `json:"value"`
	Timestamp string `json:"timestamp"`
}

// HealthStatus is the bridge state reported in heartbeats.
type HealthStatus string

const (
	HealthHealthy  HealthStatus = "healthy"
	HealthStopping HealthStatus = "stopping"
)

// HealthMessage is published on devsim/health.
type HealthMessage struct {
	Status    HealthStatus `json:"status"`
	Version   string       `json:"version,omitempty"`
	Devices   int          `json:"devices"`
	Commands  uint64       `json:"commands"`
	Events    uint64       `json:"events"`
	Errors    uint64       `json:"errors"`
	Uptime    int64        `json:"uptime_seconds"`
	Timestamp string       `json:"timestamp"`
}

func timestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
