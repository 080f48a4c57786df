// Package brokercheck connects to a broker and reports what it supports:
// the MQTT versions it accepts, the limits an MQTT 5 broker announces, and
// round trips for each QoS level, retained messages, wildcard and shared
// subscriptions.
package brokercheck
