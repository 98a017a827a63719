package status

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/looplab/fsm"
	"k8s.io/utils/clock"

	"github.com/autopeer-io/occupeye/internal/monitor/core/model"
	fsmutil "github.com/autopeer-io/occupeye/internal/pkg/util/fsm"
)

const (
	// EventObserveNormal is fired by a successful detection with at most one face.
	EventObserveNormal = "observe_normal"
	// EventObserveOvercrowded is fired by a successful detection with more than one face.
	EventObserveOvercrowded = "observe_overcrowded"
	// EventEscalate forces a vehicle offline after repeated detection failures.
	EventEscalate = "escalate"
	// EventDeactivate marks a vehicle offline because sampling was stopped.
	EventDeactivate = "deactivate"
)

// ErrNegativeCount is returned when Observe receives a negative face count.
var ErrNegativeCount = errors.New("face count must not be negative")

var allStates = []string{
	string(model.StatusUnknown),
	string(model.StatusNormal),
	string(model.StatusOvercrowded),
	string(model.StatusOffline),
}

// Machine holds the occupancy state of one vehicle.
// It is owned by a single goroutine at a time and is not safe for concurrent use.
type Machine struct {
	fsm   *fsm.FSM
	clock clock.PassiveClock

	vehicle   model.Vehicle
	threshold int

	severity   model.Severity
	faceCount  int
	lastUpdate time.Time

	// entered is set by the enter_state callback of the event being processed.
	entered *model.Transition
}

// NewMachine returns a machine in the unknown state. threshold is the
// escalation threshold checked by Escalate.
func NewMachine(vehicle model.Vehicle, threshold int, clk clock.PassiveClock) *Machine {
	if clk == nil {
		clk = clock.RealClock{}
	}

	m := &Machine{
		clock:      clk,
		vehicle:    vehicle,
		threshold:  threshold,
		faceCount:  model.UnknownFaceCount,
		lastUpdate: clk.Now(),
	}

	events := fsm.Events{
		{Name: EventObserveNormal, Src: allStates, Dst: string(model.StatusNormal)},
		{Name: EventObserveOvercrowded, Src: allStates, Dst: string(model.StatusOvercrowded)},
		{Name: EventEscalate, Src: allStates, Dst: string(model.StatusOffline)},
		{Name: EventDeactivate, Src: allStates, Dst: string(model.StatusOffline)},
	}

	callbacks := fsm.Callbacks{
		// Guards
		"before_" + EventEscalate: fsmutil.WrapEvent(m.guardEscalation),

		// Side-effects
		"enter_state": fsmutil.WrapEvent(m.actionEnterState),
	}

	m.fsm = fsm.NewFSM(string(model.StatusUnknown), events, callbacks)
	return m
}

// guardEscalation cancels the escalate event while the failure count is below the threshold.
func (m *Machine) guardEscalation(ctx context.Context, e *fsm.Event) error {
	failures, _ := e.Args[0].(int)
	if failures < m.threshold {
		e.Cancel()
	}
	return nil
}

// actionEnterState records the transition being applied.
func (m *Machine) actionEnterState(ctx context.Context, e *fsm.Event) error {
	cause := model.CauseDetection
	switch e.Event {
	case EventEscalate:
		cause = model.CauseEscalation
	case EventDeactivate:
		cause = model.CauseDeactivation
	}

	m.entered = &model.Transition{
		VehicleID:    m.vehicle.ID,
		FromStatus:   model.Status(e.Src),
		FromSeverity: m.severity,
		ToStatus:     model.Status(e.Dst),
		Cause:        cause,
	}
	return nil
}

// Observe applies a successful detection. The returned transition is nil when
// neither status nor severity changed; the snapshot is always refreshed.
func (m *Machine) Observe(ctx context.Context, faceCount int) (*model.VehicleStatus, *model.Transition, error) {
	if faceCount < 0 {
		return m.Snapshot(), nil, fmt.Errorf("%w: %d", ErrNegativeCount, faceCount)
	}

	status, severity := Classify(faceCount)
	event := EventObserveNormal
	if status == model.StatusOvercrowded {
		event = EventObserveOvercrowded
	}

	prevStatus, prevSeverity := m.Status(), m.severity
	tr, err := m.fire(ctx, event)
	if err != nil {
		return m.Snapshot(), nil, err
	}

	m.severity = severity
	m.faceCount = faceCount
	m.lastUpdate = m.clock.Now()

	// Same status with a different severity is still reported.
	if tr == nil && prevStatus == status && prevSeverity != severity {
		tr = &model.Transition{
			VehicleID:    m.vehicle.ID,
			FromStatus:   prevStatus,
			FromSeverity: prevSeverity,
			ToStatus:     status,
			Cause:        model.CauseDetection,
		}
	}

	return m.Snapshot(), m.finish(tr), nil
}

// Escalate moves the vehicle offline when failures has reached the threshold.
// Below the threshold, or when already offline, nothing changes.
func (m *Machine) Escalate(ctx context.Context, failures int) (*model.VehicleStatus, *model.Transition, error) {
	tr, err := m.fire(ctx, EventEscalate, failures)
	if err != nil {
		return m.Snapshot(), nil, err
	}
	if tr != nil {
		m.markOffline()
	}
	return m.Snapshot(), m.finish(tr), nil
}

// Deactivate moves the vehicle offline because it is no longer sampled.
func (m *Machine) Deactivate(ctx context.Context) (*model.VehicleStatus, *model.Transition, error) {
	tr, err := m.fire(ctx, EventDeactivate)
	if err != nil {
		return m.Snapshot(), nil, err
	}
	if tr != nil {
		m.markOffline()
	}
	return m.Snapshot(), m.finish(tr), nil
}

// fire runs event and returns the transition recorded by enter_state, or nil
// for a no-op or a guarded cancel. State updates are applied even if ctx is
// already canceled.
func (m *Machine) fire(ctx context.Context, event string, args ...any) (*model.Transition, error) {
	m.entered = nil
	err := m.fsm.Event(context.WithoutCancel(ctx), event, args...)
	if fsmutil.IsRealError(err) {
		return nil, fmt.Errorf("vehicle %s: %s: %w", m.vehicle.ID, event, err)
	}
	tr := m.entered
	m.entered = nil
	return tr, nil
}

func (m *Machine) markOffline() {
	m.severity = model.SeverityNone
	m.faceCount = model.UnknownFaceCount
	m.lastUpdate = m.clock.Now()
}

func (m *Machine) finish(tr *model.Transition) *model.Transition {
	if tr == nil {
		return nil
	}
	tr.ToSeverity = m.severity
	tr.FaceCount = m.faceCount
	tr.Timestamp = m.lastUpdate
	return tr
}

// Status returns the current status.
func (m *Machine) Status() model.Status {
	return model.Status(m.fsm.Current())
}

// SetVehicle refreshes roster data such as capacity. The id must not change.
func (m *Machine) SetVehicle(v model.Vehicle) {
	if v.ID == m.vehicle.ID {
		m.vehicle = v
	}
}

// Snapshot returns a copy of the current state.
func (m *Machine) Snapshot() *model.VehicleStatus {
	return &model.VehicleStatus{
		VehicleID:  m.vehicle.ID,
		Status:     m.Status(),
		Severity:   m.severity,
		FaceCount:  m.faceCount,
		Capacity:   m.vehicle.Capacity,
		LastUpdate: m.lastUpdate,
	}
}
