package model

import "time"

// Vehicle is a monitored unit as supplied by the roster.
type Vehicle struct {
	ID           string `json:"id" mapstructure:"id"`
	LicensePlate string `json:"licensePlate,omitempty" mapstructure:"license-plate"`
	// Capacity is informational; classification does not depend on it.
	Capacity int    `json:"capacity" mapstructure:"capacity"`
	Route    string `json:"route,omitempty" mapstructure:"route"`
}

// Status is the occupancy state of a vehicle.
type Status string

const (
	StatusUnknown     Status = "unknown"
	StatusNormal      Status = "normal"
	StatusOvercrowded Status = "overcrowded"
	StatusOffline     Status = "offline"
)

// Severity sub-classifies the overcrowded status.
type Severity string

const (
	SeverityNone     Severity = ""
	SeverityModerate Severity = "moderate"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank orders severities; SeverityNone ranks lowest.
func (s Severity) Rank() int {
	switch s {
	case SeverityModerate:
		return 1
	case SeverityHigh:
		return 2
	case SeverityCritical:
		return 3
	default:
		return 0
	}
}

// ParseSeverity accepts moderate, high or critical.
func ParseSeverity(s string) (Severity, bool) {
	switch sev := Severity(s); sev {
	case SeverityModerate, SeverityHigh, SeverityCritical:
		return sev, true
	}
	return SeverityNone, false
}

// UnknownFaceCount is reported while no count is known or the vehicle is offline.
const UnknownFaceCount = -1

// VehicleStatus is a point-in-time snapshot of one vehicle.
type VehicleStatus struct {
	VehicleID  string    `json:"vehicleId"`
	Status     Status    `json:"status"`
	Severity   Severity  `json:"severity,omitempty"`
	FaceCount  int       `json:"faceCount"`
	Capacity   int       `json:"capacity"`
	LastUpdate time.Time `json:"lastUpdate"`

	// Failures is the current consecutive detection failure count.
	Failures int `json:"consecutiveFailures"`
}
