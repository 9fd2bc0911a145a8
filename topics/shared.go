// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package topics

import "strings"

const sharePrefix = "$share/"

// ParseShared splits a shared subscription filter of the form
// $share/{group}/{filter}. Bridges running as several replicas subscribe
// through a share group so each remote message reaches one replica.
//
//   - "$share/bridges/sensors/#" -> ("bridges", "sensors/#", true)
//   - "sensors/#" -> ("", "sensors/#", false)
func ParseShared(filter string) (group, topicFilter string, isShared bool) {
	if !strings.HasPrefix(filter, sharePrefix) {
		return "", filter, false
	}

	group, topicFilter, ok := strings.Cut(filter[len(sharePrefix):], "/")
	if !ok || group == "" || topicFilter == "" {
		return "", filter, false
	}
	return group, topicFilter, true
}

// IsShared returns true if the filter uses the shared subscription prefix.
func IsShared(filter string) bool {
	return strings.HasPrefix(filter, sharePrefix)
}
