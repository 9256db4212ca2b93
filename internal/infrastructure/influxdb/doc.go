// Package influxdb records Zigbee state history in InfluxDB v2.
//
// It wraps influxdb-client-go v2 with connection management, batched
// non-blocking writes and health monitoring. Every state change accepted
// by the state store becomes one point in the zigbee_state measurement:
//
//	client, err := influxdb.Connect(ctx, cfg.InfluxDB)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	store.SetHistoryRecorder(client)
//
// Write errors arrive asynchronously via SetOnError. Batching follows the
// batch_size and flush_interval config values.
package influxdb
