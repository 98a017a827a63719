// Package roster keeps the set of sampled vehicles in line with the fleet
// roster, whether it comes from a watched file or from MQTT events.
package roster

import (
	"context"
	"errors"
	"fmt"

	"github.com/autopeer-io/occupeye/internal/monitor/core/model"
	"github.com/autopeer-io/occupeye/internal/monitor/scheduler"
	"github.com/autopeer-io/occupeye/pkg/log"
)

// Action is what a roster event asks for.
type Action string

const (
	ActionActivate   Action = "activate"
	ActionDeactivate Action = "deactivate"
	ActionRemove     Action = "remove"
)

// Event changes the state of one vehicle.
type Event struct {
	Action  Action        `json:"action"`
	Vehicle model.Vehicle `json:"vehicle"`
}

func (e Event) Validate() error {
	if e.Vehicle.ID == "" {
		return errors.New("vehicle id is required")
	}
	if e.Vehicle.Capacity < 0 {
		return fmt.Errorf("vehicle %s: capacity must not be negative", e.Vehicle.ID)
	}
	switch e.Action {
	case ActionActivate, ActionDeactivate, ActionRemove:
		return nil
	default:
		return fmt.Errorf("vehicle %s: unknown action %q", e.Vehicle.ID, e.Action)
	}
}

// Entry is one vehicle in a roster file.
type Entry struct {
	model.Vehicle `mapstructure:",squash"`

	// Enabled defaults to true.
	Enabled *bool `mapstructure:"enabled"`
}

func (e Entry) Active() bool {
	return e.Enabled == nil || *e.Enabled
}

// Controller is implemented by the capture scheduler.
type Controller interface {
	Start(v model.Vehicle) error
	Stop(vehicleID string) error
	Remove(vehicleID string) error
}

var _ Controller = (*scheduler.Scheduler)(nil)

// Reconciler applies roster events to the scheduler one at a time.
type Reconciler struct {
	ctrl   Controller
	events chan Event
	log    log.Logger
}

func NewReconciler(ctrl Controller) *Reconciler {
	return &Reconciler{
		ctrl:   ctrl,
		events: make(chan Event, 64),
		log:    log.WithName("roster"),
	}
}

// Submit queues ev, waiting for room or for ctx to end.
func (r *Reconciler) Submit(ctx context.Context, ev Event) error {
	if err := ev.Validate(); err != nil {
		return err
	}
	select {
	case r.events <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run applies queued events until ctx ends.
func (r *Reconciler) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-r.events:
			if err := r.apply(ev); err != nil {
				r.log.Error(err, "Failed to apply roster event", "vehicleID", ev.Vehicle.ID, "action", ev.Action)
			}
		}
	}
}

func (r *Reconciler) apply(ev Event) error {
	id := ev.Vehicle.ID

	switch ev.Action {
	case ActionActivate:
		err := r.ctrl.Start(ev.Vehicle)
		if errors.Is(err, scheduler.ErrAlreadyRunning) {
			return nil
		}
		if err == nil {
			r.log.Info("Vehicle activated", "vehicleID", id, "licensePlate", ev.Vehicle.LicensePlate, "route", ev.Vehicle.Route)
		}
		return err

	case ActionDeactivate:
		err := r.ctrl.Stop(id)
		if errors.Is(err, scheduler.ErrNotRunning) {
			return nil
		}
		if err == nil {
			r.log.Info("Vehicle deactivated", "vehicleID", id)
		}
		return err

	case ActionRemove:
		return r.ctrl.Remove(id)
	}
	return fmt.Errorf("unknown action %q", ev.Action)
}
