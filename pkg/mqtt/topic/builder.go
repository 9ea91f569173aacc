package topic

import (
	"fmt"
	"strings"
)

// Builder constructs MQTT topic strings under a root namespace.
type Builder struct {
	// root is the base namespace for all topics (e.g. "sensors/v1").
	root string
	// share is the optional shared-subscription group.
	share string
}

// NewBuilder creates a Builder for the given root namespace.
func NewBuilder(root string) *Builder {
	return &Builder{root: strings.TrimSuffix(root, "/")}
}

// Shared returns a copy of the builder whose wildcard filters are wrapped in
// a $share/{group}/ prefix so that hub replicas split the load.
func (b *Builder) Shared(group string) *Builder {
	return &Builder{root: b.root, share: group}
}

// Downlink returns the topic the hub publishes to for one device.
func (b *Builder) Downlink(deviceID string) string {
	return b.build(SuffixDownlink, deviceID)
}

// Uplink returns the topic a device publishes its messages to.
func (b *Builder) Uplink(deviceID string) string {
	return b.build(SuffixUplink, deviceID)
}

// Presence returns the retained presence topic of a device.
func (b *Builder) Presence(deviceID string) string {
	return b.build(SuffixPresence, deviceID)
}

// Wildcard returns a filter matching the segment for every device.
// Result: [$share/{group}/]{root}/{segment}/+
func (b *Builder) Wildcard(segment string) string {
	filter := b.build(segment, Wildcard)
	if b.share != "" {
		return fmt.Sprintf("%s/%s/%s", SharePrefix, b.share, filter)
	}
	return filter
}

// Parse splits a concrete topic into its segment and device id.
// It reports false for topics outside the root namespace.
func (b *Builder) Parse(topic string) (segment, deviceID string, ok bool) {
	rest, found := strings.CutPrefix(topic, b.root+"/")
	if !found {
		return "", "", false
	}

	idx := strings.LastIndex(rest, "/")
	if idx <= 0 || idx == len(rest)-1 {
		return "", "", false
	}

	return rest[:idx], rest[idx+1:], true
}

// build constructs {root}/{suffix}/{identifier}.
func (b *Builder) build(suffix, id string) string {
	return fmt.Sprintf("%s/%s/%s", b.root, suffix, id)
}
