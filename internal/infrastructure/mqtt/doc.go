// Package mqtt provides the MQTT client used by the Zigbee bridge to talk to
// zigbee2mqtt.
//
// It wraps paho.mqtt.golang with:
//   - Connection management with auto-reconnect and subscription restore
//   - Last Will and Testament on a per-bridge status topic
//   - Panic recovery around message handlers
//   - Topic builders for the zigbee2mqtt base-topic layout
//
// Usage:
//
//	topics := mqtt.NewTopics(cfg.Bridge.BaseTopic)
//	client, err := mqtt.Connect(cfg.MQTT, topics.BridgeStatus(cfg.Bridge.ID))
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	err = client.Subscribe(topics.AllDevices(), 1, handler)
package mqtt
