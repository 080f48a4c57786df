package mqttclient

import "strings"

const sharedPrefix = "$share/"

// MatchTopic reports whether a topic filter matches a topic name.
// Supports MQTT wildcards: + (single level) and # (multi-level). Shared
// subscription filters ($share/<group>/<filter>) match like their inner
// filter, and wildcards in the first level never match $-topics.
func MatchTopic(filter, topic string) bool {
	if strings.HasPrefix(filter, sharedPrefix) {
		rest := filter[len(sharedPrefix):]
		i := strings.IndexByte(rest, '/')
		if i < 0 {
			return false
		}
		filter = rest[i+1:]
	}

	filterParts := strings.Split(filter, "/")
	topicParts := strings.Split(topic, "/")

	if strings.HasPrefix(topic, "$") && (filterParts[0] == "+" || filterParts[0] == "#") {
		return false
	}

	for i, part := range filterParts {
		if part == "#" {
			return true
		}
		if i >= len(topicParts) {
			return false
		}
		if part == "+" {
			continue
		}
		if part != topicParts[i] {
			return false
		}
	}

	return len(filterParts) == len(topicParts)
}
