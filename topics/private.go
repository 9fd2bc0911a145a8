// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package topics

import "strings"

// PrivateMarker marks a topic as explicitly relative to the private path.
const PrivateMarker = "~/"

// PrivatePathResolver rewrites nominal topics into the private namespace of
// one bridge process, e.g. prefix "/device42" turns "status" into
// "/device42/status".
type PrivatePathResolver struct {
	prefix string
}

// NewPrivatePathResolver returns a resolver for prefix. Trailing slashes on
// the prefix are ignored; a prefix of only slashes means the root "/".
func NewPrivatePathResolver(prefix string) PrivatePathResolver {
	trimmed := strings.TrimRight(prefix, "/")
	if trimmed == "" && prefix != "" {
		trimmed = "/"
	}
	return PrivatePathResolver{prefix: trimmed}
}

// Prefix returns the configured private path.
func (r PrivatePathResolver) Prefix() string {
	return r.prefix
}

// ResolvePrivate joins topic under the private prefix with exactly one '/'.
// A leading "~/" or "~" marker is stripped first. Without a prefix only the
// marker is removed.
func (r PrivatePathResolver) ResolvePrivate(topic string) string {
	switch {
	case strings.HasPrefix(topic, PrivateMarker):
		topic = topic[len(PrivateMarker):]
	case topic == "~":
		topic = ""
	}

	if r.prefix == "" {
		return topic
	}
	topic = strings.TrimLeft(topic, "/")
	if topic == "" {
		return r.prefix
	}
	return strings.TrimSuffix(r.prefix, "/") + "/" + topic
}
