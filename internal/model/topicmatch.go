package model

import "strings"

// TopicFilterMatches checks if topic matches filter with MQTT
// wildcards ('+' single level, '#' multi-level, must be last).
//
// Grounded on the teacher's matchTopic: per MQTT-4.7.2-1, a filter
// starting with a wildcard never matches a topic beginning with '$'.
func TopicFilterMatches(filter, topic string) bool {
	if len(topic) > 0 && topic[0] == '$' {
		if len(filter) > 0 && (filter[0] == '+' || filter[0] == '#') {
			return false
		}
	}

	fIdx, tIdx := 0, 0
	fLen, tLen := len(filter), len(topic)

	for fIdx <= fLen {
		var fLevel string
		var fNext int
		if idx := strings.IndexByte(filter[fIdx:], '/'); idx >= 0 {
			fNext = fIdx + idx
			fLevel = filter[fIdx:fNext]
		} else {
			fNext = fLen
			fLevel = filter[fIdx:]
		}

		if fLevel == "#" {
			return true
		}

		if tIdx > tLen {
			return false
		}

		var tLevel string
		var tNext int
		if idx := strings.IndexByte(topic[tIdx:], '/'); idx >= 0 {
			tNext = tIdx + idx
			tLevel = topic[tIdx:tNext]
		} else {
			tNext = tLen
			tLevel = topic[tIdx:]
		}

		if fLevel == "+" {
			// matches this level
		} else if fLevel != tLevel {
			return false
		}

		if fNext == fLen {
			fIdx = fLen + 1
		} else {
			fIdx = fNext + 1
		}
		if tNext == tLen {
			tIdx = tLen + 1
		} else {
			tIdx = tNext + 1
		}
	}

	return tIdx > tLen
}

// ValidTopicFilter reports whether filter is syntactically valid for
// SUBSCRIBE: '#' must occupy a whole level, and only the final level;
// '+' must occupy a whole level.
func ValidTopicFilter(filter string) bool {
	if filter == "" {
		return false
	}
	levels := strings.Split(filter, "/")
	for i, lvl := range levels {
		if strings.Contains(lvl, "#") && lvl != "#" {
			return false
		}
		if lvl == "#" && i != len(levels)-1 {
			return false
		}
		if strings.Contains(lvl, "+") && lvl != "+" {
			return false
		}
	}
	return true
}

// ValidPublishTopic reports whether topic is a legal publish
// destination: non-empty and free of wildcards.
func ValidPublishTopic(topic string) bool {
	if topic == "" {
		return false
	}
	return !strings.ContainsAny(topic, "+#")
}
