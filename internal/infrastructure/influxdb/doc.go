// Package influxdb writes gateway telemetry to InfluxDB v2.
//
// It wraps the official influxdb-client-go v2 library. Two measurements are
// written:
//   - espnow_gateway: periodic snapshot of bridge counters (received,
//     published, dropped, requeued, connect attempts, inbox depth, state)
//   - espnow_frame: one point per received wireless frame, tagged by sender
//     MAC and frame kind
//
// Every point carries a gateway_id tag.
//
// # Usage
//
//	client, err := influxdb.Connect(ctx, cfg.InfluxDB, cfg.Gateway.ID)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	client.WriteNodeFrame("AA:BB:CC:DD:EE:01", "data", 12)
//
// # Error Handling
//
// Writes are non-blocking and batched (batch_size, flush_interval). Batch
// failures arrive asynchronously via SetOnError. Telemetry loss never affects
// the bridge.
package influxdb
