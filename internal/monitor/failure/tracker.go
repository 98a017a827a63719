package failure

import (
	"sync"
	"sync/atomic"
)

// Tracker counts consecutive detection failures per vehicle.
// Each vehicle has its own counter, so vehicles never contend with each other.
type Tracker struct {
	counters sync.Map // vehicleID -> *atomic.Int64
}

func NewTracker() *Tracker {
	return &Tracker{}
}

func (t *Tracker) counter(vehicleID string) *atomic.Int64 {
	if c, ok := t.counters.Load(vehicleID); ok {
		return c.(*atomic.Int64)
	}
	c, _ := t.counters.LoadOrStore(vehicleID, new(atomic.Int64))
	return c.(*atomic.Int64)
}

// RecordFailure increments the vehicle's count and returns the new value.
func (t *Tracker) RecordFailure(vehicleID string) int {
	return int(t.counter(vehicleID).Add(1))
}

// RecordSuccess resets the vehicle's count to zero.
func (t *Tracker) RecordSuccess(vehicleID string) {
	if c, ok := t.counters.Load(vehicleID); ok {
		c.(*atomic.Int64).Store(0)
	}
}

// Count returns the current count, 0 for unknown vehicles.
func (t *Tracker) Count(vehicleID string) int {
	if c, ok := t.counters.Load(vehicleID); ok {
		return int(c.(*atomic.Int64).Load())
	}
	return 0
}

// Forget drops the vehicle's counter.
func (t *Tracker) Forget(vehicleID string) {
	t.counters.Delete(vehicleID)
}
