// Package mqtt provides the message bus handle for IoT Lab Core.
//
// This package manages:
//   - Connection to the broker with paho auto-reconnect
//   - Publishing with QoS validation and acknowledgement timeouts
//   - Tracked subscriptions restored after every reconnect
//   - A retained online/offline status with Last Will
//   - Topic naming for telemetry, commands and command responses
//
// Field devices publish telemetry on iot/data and answer commands on
// iot/command-response/<device>; the service publishes commands on
// iot/command/<device>.
//
// Usage:
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	err = client.Subscribe(client.Topics().Telemetry(), 1,
//	    func(topic string, payload []byte) error {
//	        return handle(payload)
//	    })
package mqtt
