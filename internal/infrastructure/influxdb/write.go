package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Measurement names.
const (
	measurementGateway   = "espnow_gateway"
	measurementNodeFrame = "espnow_frame"
)

// WriteGatewayStats records a snapshot of the bridge counters, e.g.
// frames_received, frames_published, inbox_depth.
func (c *Client) WriteGatewayStats(fields map[string]any) {
	if !c.IsConnected() || len(fields) == 0 {
		return
	}

	point := write.NewPoint(
		measurementGateway,
		nil,
		fields,
		time.Now(),
	)
	c.writeAPI.WritePoint(point)
	c.points.Add(1)
}

// WriteNodeFrame records one received wireless frame.
//
// MAC addresses are tags: a mesh has tens of nodes, not thousands, so
// cardinality stays low.
func (c *Client) WriteNodeFrame(mac, kind string, size int) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(
		measurementNodeFrame,
		map[string]string{
			"mac":  mac,
			"kind": kind,
		},
		map[string]any{
			"payload_bytes": size,
		},
		time.Now(),
	)
	c.writeAPI.WritePoint(point)
	c.points.Add(1)
}
