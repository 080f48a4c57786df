// Package broker runs an embedded MQTT broker built on mochi-mqtt.
//
// It backs the "mqttsh broker" command, which gives the shell something to
// talk to on a laptop, and the integration tests of the client packages.
// TCP, TLS and websocket listeners are supported, with optional
// username/password authentication and per-user topic ACLs.
//
// Example:
//
//	b, err := broker.New(&broker.Config{Port: 1883, WebSocketPort: 8083})
//	if err != nil {
//		return err
//	}
//	if err := b.Start(ctx); err != nil {
//		return err
//	}
//	defer b.Stop(context.Background(), 5*time.Second)
package broker
