// Package payload inspects MQTT message payloads: expression filters over
// incoming messages, JSONPath extraction, JSON Schema validation of
// outgoing payloads and rendering of received messages.
package payload
