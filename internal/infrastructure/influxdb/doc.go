// Package influxdb writes simulator telemetry to InfluxDB v2.
//
// It wraps influxdb-client-go with connection checks and the non-blocking,
// batched write API. Points land in two measurements:
//
//   - device_metrics: numeric property values, tagged device_id and measurement
//   - device_events: one point per event, tagged device_id and event
//
// Usage:
//
//	client, err := influxdb.Connect(cfg.InfluxDB)
//	if errors.Is(err, influxdb.ErrDisabled) {
//	    // telemetry off
//	}
//	defer client.Close()
//
//	client.WriteDeviceMetric("foc1", "position", 5120, time.Now())
//
// Write errors surface asynchronously through SetOnError.
package influxdb
