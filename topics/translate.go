// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package topics

import "strings"

// MQTTFilterToRedisPattern translates an MQTT topic filter to a Redis
// PSUBSCRIBE glob.
//
//	'+' -> '*' (one level, best effort: Redis '*' also crosses '/')
//	'#' -> '*'
//
// Glob metacharacters in literal levels are escaped. The second result is
// false when the filter has no wildcards and plain SUBSCRIBE suffices.
func MQTTFilterToRedisPattern(filter string) (string, bool) {
	if _, f, ok := ParseShared(filter); ok {
		filter = f
	}
	if !strings.ContainsAny(filter, "+#") {
		return filter, false
	}

	levels := strings.Split(filter, "/")
	var b strings.Builder
	b.Grow(len(filter) + 4)
	for i, level := range levels {
		switch {
		case level == "#":
			if i == 0 {
				b.WriteByte('*')
				return b.String(), true
			}
			// "a/#" matches "a" as well as children; Redis globs cannot
			// express both, so children win.
			b.WriteString("/*")
			return b.String(), true
		case i > 0:
			b.WriteByte('/')
		}
		if level == "+" {
			b.WriteByte('*')
			continue
		}
		for j := 0; j < len(level); j++ {
			switch level[j] {
			case '*', '?', '[', ']', '\\':
				b.WriteByte('\\')
			}
			b.WriteByte(level[j])
		}
	}
	return b.String(), true
}
