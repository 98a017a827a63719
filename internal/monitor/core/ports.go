package core

import (
	"context"
	"errors"

	"github.com/autopeer-io/occupeye/internal/monitor/core/model"
)

// ErrNoFrame is returned by a FrameSource that has nothing to offer yet.
// Callers skip the tick instead of treating it as a failure.
var ErrNoFrame = errors.New("no frame ready")

// FrameSource supplies camera frames on demand.
type FrameSource interface {
	NextFrame(ctx context.Context, vehicleID string) (*model.Frame, error)
}

// Detector counts the faces in a frame. Implementations absorb transient
// failures and never touch vehicle status.
type Detector interface {
	Detect(ctx context.Context, vehicleID string, frame *model.Frame) model.DetectionResult
}

// NotificationSink delivers alert events outside the process. A nil error means delivered.
type NotificationSink interface {
	Name() string
	Notify(ctx context.Context, event *model.AlertEvent) error
}

// StatusSink receives every status snapshot synchronously.
type StatusSink interface {
	Update(status *model.VehicleStatus)
	Forget(vehicleID string)
}

// StatusReader answers status queries for dashboards.
type StatusReader interface {
	CurrentStatus(vehicleID string) (*model.VehicleStatus, bool)
	List() []*model.VehicleStatus
}
