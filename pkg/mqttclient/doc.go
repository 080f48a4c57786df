// Package mqttclient provides the connection handle used by the mqttsh shell
// and the builder that creates it.
//
// A Client is a live connection to one broker. Two variants exist, one per
// protocol version: V3 (MQTT 3.1.1, backed by eclipse/paho.mqtt.golang) and
// V5 (MQTT 5.0, backed by eclipse/paho.golang). The variant is chosen once by
// ConnectOptions.Version; callers only see the Client interface.
//
// # Disconnect notifications
//
// Every Client reports its transition to disconnected exactly once to the
// DisconnectedListeners registered on the Builder, on whatever goroutine
// noticed it: the caller of Client.Disconnect for user-initiated disconnects,
// or a network goroutine of the underlying library for connection loss. The
// liveness flag (IsConnected) is already false when listeners run.
//
//	client, err := mqttclient.NewBuilder(opts, logger).
//	    AddDisconnectedListener(func(ev mqttclient.DisconnectedEvent) {
//	        log.Printf("%s@%s gone (%s): %v", ev.ClientID, ev.Host, ev.Source, ev.Cause)
//	    }).
//	    Send(ctx)
package mqttclient
