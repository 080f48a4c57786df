package payload

import (
	"encoding/base64"

	"github.com/getmockd/mqttsh/pkg/mqttclient"
	"github.com/ohler55/ojg"
	"github.com/ohler55/ojg/oj"
)

// ReceivedAtLayout is the timestamp layout of JSON output.
const ReceivedAtLayout = "2006-01-02 15:04:05"

// Format controls how received messages are rendered.
type Format struct {
	// Base64 encodes the payload, for binary messages.
	Base64 bool
	// JSON renders the whole message as an indented JSON object.
	JSON bool
	// ShowTopic prefixes plain output with "topic: ".
	ShowTopic bool
}

// Render returns m as text, without a trailing newline.
func (f Format) Render(m mqttclient.Message) string {
	if f.JSON {
		return f.renderJSON(m)
	}
	if f.ShowTopic {
		return m.Topic + ": " + f.Body(m.Payload)
	}
	return f.Body(m.Payload)
}

// Body renders just the payload.
func (f Format) Body(p []byte) string {
	if f.Base64 {
		return base64.StdEncoding.EncodeToString(p)
	}
	return string(p)
}

// renderJSON embeds JSON payloads as values and anything else as a string.
func (f Format) renderJSON(m mqttclient.Message) string {
	body := f.Body(m.Payload)
	var value any
	if err := oj.Unmarshal([]byte(body), &value); err != nil {
		value = body
	}

	doc := map[string]any{
		"topic":   m.Topic,
		"payload": value,
		"qos":     int64(m.QoS),
		"retain":  m.Retain,
	}
	if !m.ReceivedAt.IsZero() {
		doc["receivedAt"] = m.ReceivedAt.Format(ReceivedAtLayout)
	}
	if m.ContentType != "" {
		doc["contentType"] = m.ContentType
	}
	if len(m.UserProperties) > 0 {
		props := make(map[string]any, len(m.UserProperties))
		for _, up := range m.UserProperties {
			props[up.Key] = up.Value
		}
		doc["userProperties"] = props
	}
	return oj.JSON(doc, &ojg.Options{Indent: 2, Sort: true})
}
