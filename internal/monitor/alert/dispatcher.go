package alert

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/autopeer-io/occupeye/internal/monitor/core"
	"github.com/autopeer-io/occupeye/internal/monitor/core/model"
	"github.com/autopeer-io/occupeye/internal/pkg/metrics"
	"github.com/autopeer-io/occupeye/pkg/log"
)

// ErrQueueFull is returned when a notification could not be queued.
var ErrQueueFull = errors.New("notification queue is full")

// Notification results, used as the result label of NotificationsTotal.
const (
	resultDelivered = "delivered"
	resultFailed    = "failed"
	resultDropped   = "dropped"
)

// Config sizes the notification pipeline.
type Config struct {
	QueueSize int
	Workers   int
	// Timeout bounds a single delivery to a single sink.
	Timeout time.Duration
}

type subscription struct {
	sink  core.NotificationSink
	kinds []model.AlertKind
}

func (s subscription) wants(kind model.AlertKind) bool {
	return len(s.kinds) == 0 || slices.Contains(s.kinds, kind)
}

type job struct {
	sink  core.NotificationSink
	event *model.AlertEvent
}

// Dispatcher turns transitions into alerts. Status sinks see every snapshot
// synchronously; notification sinks are fed from a bounded queue and never
// slow down a capture cycle.
type Dispatcher struct {
	cfg Config
	log log.Logger

	mu          sync.RWMutex
	statusSinks []core.StatusSink
	notifiers   []subscription

	queue chan job
}

// NewDispatcher returns a dispatcher. Notifications queue up until Run is called.
func NewDispatcher(cfg Config) (*Dispatcher, error) {
	if cfg.QueueSize < 1 {
		return nil, fmt.Errorf("alert queue size must be at least 1, got %d", cfg.QueueSize)
	}
	if cfg.Workers < 1 {
		return nil, fmt.Errorf("alert workers must be at least 1, got %d", cfg.Workers)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}

	return &Dispatcher{
		cfg:   cfg,
		log:   log.WithName("alert"),
		queue: make(chan job, cfg.QueueSize),
	}, nil
}

// AddStatusSink registers a sink for every status snapshot.
func (d *Dispatcher) AddStatusSink(sink core.StatusSink) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.statusSinks = append(d.statusSinks, sink)
}

// AddNotifier registers a notification sink. With no kinds it receives every alert.
func (d *Dispatcher) AddNotifier(sink core.NotificationSink, kinds ...model.AlertKind) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.notifiers = append(d.notifiers, subscription{sink: sink, kinds: kinds})
}

// Evaluate decides whether tr raises an alert.
//
// Entering overcrowded, or a severity increase while overcrowded, raises an
// overcrowding alert. Going offline because of escalation raises a
// service-unavailable alert. Nothing else does.
func Evaluate(tr *model.Transition) (model.AlertKind, bool) {
	if tr == nil {
		return "", false
	}

	switch tr.ToStatus {
	case model.StatusOvercrowded:
		if tr.StatusChanged() || tr.ToSeverity.Rank() > tr.FromSeverity.Rank() {
			return model.AlertOvercrowding, true
		}
	case model.StatusOffline:
		if tr.Cause == model.CauseEscalation && tr.StatusChanged() {
			return model.AlertServiceUnavailable, true
		}
	}
	return "", false
}

// Publish forwards status to the status sinks and queues an alert if tr calls for one.
func (d *Dispatcher) Publish(status *model.VehicleStatus, tr *model.Transition, frame *model.Frame) {
	d.mu.RLock()
	sinks := d.statusSinks
	d.mu.RUnlock()

	for _, sink := range sinks {
		sink.Update(status)
	}

	kind, ok := Evaluate(tr)
	if !ok {
		return
	}
	if kind != model.AlertOvercrowding {
		frame = nil
	}

	event := model.NewAlertEvent(kind, tr, status.Capacity, frame)
	metrics.AlertsTotal.WithLabelValues(string(kind)).Inc()
	d.log.Info("Raising alert", "vehicleID", event.VehicleID, "kind", kind,
		"severity", event.Severity, "faceCount", event.FaceCount, "alertID", event.ID)

	if err := d.Enqueue(event); err != nil {
		d.log.Warn("Alert not delivered to every sink", "alertID", event.ID, "error", err)
	}
}

// Forget drops vehicleID from every status sink.
func (d *Dispatcher) Forget(vehicleID string) {
	d.mu.RLock()
	sinks := d.statusSinks
	d.mu.RUnlock()

	for _, sink := range sinks {
		sink.Forget(vehicleID)
	}
}

// Enqueue queues event for each interested sink without blocking.
// It returns ErrQueueFull if any sink's delivery had to be dropped.
func (d *Dispatcher) Enqueue(event *model.AlertEvent) error {
	d.mu.RLock()
	subs := d.notifiers
	d.mu.RUnlock()

	var dropped []string
	for _, sub := range subs {
		if !sub.wants(event.Kind) {
			continue
		}
		select {
		case d.queue <- job{sink: sub.sink, event: event}:
		default:
			metrics.NotificationsTotal.WithLabelValues(sub.sink.Name(), resultDropped).Inc()
			dropped = append(dropped, sub.sink.Name())
		}
	}

	if len(dropped) > 0 {
		return fmt.Errorf("%w: dropped for %v", ErrQueueFull, dropped)
	}
	return nil
}

// Run delivers queued notifications until ctx ends.
func (d *Dispatcher) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for range d.cfg.Workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.work(ctx)
		}()
	}

	d.log.Info("Alert dispatcher started", "workers", d.cfg.Workers, "queueSize", d.cfg.QueueSize)
	wg.Wait()

	if n := len(d.queue); n > 0 {
		d.log.Warn("Discarding pending notifications on shutdown", "count", n)
	}
	return nil
}

func (d *Dispatcher) work(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-d.queue:
			d.deliver(ctx, j)
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, j job) {
	name := j.sink.Name()
	logger := d.log.WithValues("sink", name, "alertID", j.event.ID, "vehicleID", j.event.VehicleID)

	defer func() {
		if r := recover(); r != nil {
			metrics.NotificationsTotal.WithLabelValues(name, resultFailed).Inc()
			logger.Error(fmt.Errorf("%v", r), "Notification sink panicked")
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()

	if err := j.sink.Notify(ctx, j.event); err != nil {
		metrics.NotificationsTotal.WithLabelValues(name, resultFailed).Inc()
		logger.Error(err, "Notification failed")
		return
	}
	metrics.NotificationsTotal.WithLabelValues(name, resultDelivered).Inc()
	logger.Debug("Notification delivered")
}
