package topic

// Standard MQTT wildcards.
const (
	// Wildcard matches exactly one topic level.
	Wildcard = "+"

	// MultiWildcard matches the current level and everything below it; it must be last.
	MultiWildcard = "#"
)
