package topic

import (
	"fmt"
	"strings"
)

// Builder constructs topic strings of the form {root}/{segment}/{id}.
type Builder struct {
	// root is the base namespace for all topics (e.g. "occupeye/v1").
	root string

	// group, when set, turns filters into shared subscriptions.
	group string
}

// NewBuilder creates a Builder rooted at root. Trailing slashes are trimmed.
func NewBuilder(root string) *Builder {
	return &Builder{root: strings.TrimRight(root, "/")}
}

// Root returns the namespace prefix.
func (b *Builder) Root() string {
	return b.root
}

// Shared returns a copy whose wildcard filters are $share/{group}/... subscriptions,
// so that several monitor replicas split the load.
func (b *Builder) Shared(group string) *Builder {
	return &Builder{root: b.root, group: group}
}

// Build returns {root}/{segment}/{id}.
func (b *Builder) Build(segment, id string) string {
	return fmt.Sprintf("%s/%s/%s", b.root, segment, id)
}

// BuildWildcard returns the filter matching every id under segment.
func (b *Builder) BuildWildcard(segment string) string {
	filter := b.Build(segment, Wildcard)
	if b.group != "" {
		return fmt.Sprintf("$share/%s/%s", b.group, filter)
	}
	return filter
}

// ParseID extracts the trailing id of a topic built for segment.
func (b *Builder) ParseID(segment, topic string) (string, bool) {
	prefix := b.root + "/" + segment + "/"
	if !strings.HasPrefix(topic, prefix) {
		return "", false
	}
	id := strings.TrimPrefix(topic, prefix)
	if id == "" || strings.Contains(id, "/") {
		return "", false
	}
	return id, true
}
