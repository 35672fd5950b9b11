package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Measurement names.
const (
	MeasurementDeviceMetrics = "device_metrics"
	MeasurementDeviceEvents  = "device_events"
)

// WriteDeviceMetric records one numeric property sample.
//
//	client.WriteDeviceMetric("cam1", "ccd_temperature", -9.8, ts)
func (c *Client) WriteDeviceMetric(deviceID, measurement string, value float64, ts time.Time) {
	c.WritePoint(MeasurementDeviceMetrics,
		map[string]string{"device_id": deviceID, "measurement": measurement},
		map[string]any{"value": value},
		ts,
	)
}

// WriteDeviceEvent records one event occurrence. Numeric payload fields
// travel as point fields; count is always 1.
func (c *Client) WriteDeviceEvent(deviceID, event string, fields map[string]any, ts time.Time) {
	out := make(map[string]any, len(fields)+1)
	for k, v := range fields {
		out[k] = v
	}
	out["count"] = int64(1)
	c.WritePoint(MeasurementDeviceEvents,
		map[string]string{"device_id": deviceID, "event": event},
		out,
		ts,
	)
}

// WritePoint queues a point with explicit tags and fields. A zero ts means now.
func (c *Client) WritePoint(measurement string, tags map[string]string, fields map[string]any, ts time.Time) {
	if !c.IsConnected() {
		return
	}
	if ts.IsZero() {
		ts = time.Now()
	}
	c.writeAPI.WritePoint(write.NewPoint(measurement, tags, fields, ts))
}
