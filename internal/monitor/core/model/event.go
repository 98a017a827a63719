package model

import (
	"time"

	"github.com/google/uuid"
)

// Cause records why a transition happened.
type Cause string

const (
	CauseDetection    Cause = "detection"
	CauseEscalation   Cause = "escalation"
	CauseDeactivation Cause = "deactivation"
)

// Transition is emitted when a vehicle's status or severity changes.
type Transition struct {
	VehicleID    string
	FromStatus   Status
	FromSeverity Severity
	ToStatus     Status
	ToSeverity   Severity
	FaceCount    int
	Cause        Cause
	Timestamp    time.Time
}

// StatusChanged reports whether the status itself changed, as opposed to only the severity.
func (t *Transition) StatusChanged() bool {
	return t.FromStatus != t.ToStatus
}

// AlertKind distinguishes alert events.
type AlertKind string

const (
	AlertOvercrowding       AlertKind = "overcrowding"
	AlertServiceUnavailable AlertKind = "service-unavailable"
)

// AlertEvent is handed to notification sinks. It is never modified after creation.
type AlertEvent struct {
	ID        string    `json:"id"`
	VehicleID string    `json:"vehicleId"`
	Kind      AlertKind `json:"kind"`
	Severity  Severity  `json:"severity,omitempty"`
	FaceCount int       `json:"faceCount"`
	Capacity  int       `json:"capacity"`
	Timestamp time.Time `json:"timestamp"`

	// Frame is the sample that caused an overcrowding alert, if available.
	Frame *Frame `json:"-"`
}

// NewAlertEvent builds an AlertEvent for tr with a fresh id.
func NewAlertEvent(kind AlertKind, tr *Transition, capacity int, frame *Frame) *AlertEvent {
	return &AlertEvent{
		ID:        uuid.NewString(),
		VehicleID: tr.VehicleID,
		Kind:      kind,
		Severity:  tr.ToSeverity,
		FaceCount: tr.FaceCount,
		Capacity:  capacity,
		Timestamp: tr.Timestamp,
		Frame:     frame,
	}
}
