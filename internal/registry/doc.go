// Package registry builds the configured simulated devices and owns their
// lifecycle.
//
// Each entry under devices: in the configuration becomes one device.Device
// with the capability of its type attached and the process-wide
// collaborators (journal, metrics, telemetry, MQTT bridge) wired onto its
// hooks and event bus.
package registry
