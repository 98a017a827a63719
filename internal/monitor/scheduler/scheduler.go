package scheduler

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"k8s.io/utils/clock"

	"github.com/autopeer-io/occupeye/internal/monitor/core"
	"github.com/autopeer-io/occupeye/internal/monitor/core/model"
	"github.com/autopeer-io/occupeye/internal/monitor/failure"
	"github.com/autopeer-io/occupeye/internal/monitor/status"
	"github.com/autopeer-io/occupeye/pkg/log"
)

// Publisher receives every status snapshot produced by a worker, together
// with the transition it caused (nil for a refresh) and the frame that was analysed.
type Publisher interface {
	Publish(status *model.VehicleStatus, tr *model.Transition, frame *model.Frame)
	Forget(vehicleID string)
}

// Config holds the sampling policy.
type Config struct {
	Interval            time.Duration
	EscalationThreshold int
	// ShutdownTimeout bounds how long Run waits for workers after its context ends.
	ShutdownTimeout time.Duration
}

// Scheduler runs one sampling worker per active vehicle.
type Scheduler struct {
	cfg       Config
	frames    core.FrameSource
	detector  core.Detector
	tracker   *failure.Tracker
	publisher Publisher
	clock     clock.WithTicker
	log       log.Logger

	base   context.Context
	cancel context.CancelCauseFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	closed  bool
	workers map[string]*worker
}

// Option customizes a Scheduler.
type Option func(*Scheduler)

// WithClock sets the clock driving the tickers.
func WithClock(clk clock.WithTicker) Option {
	return func(s *Scheduler) { s.clock = clk }
}

// WithLogger sets the logger.
func WithLogger(l log.Logger) Option {
	return func(s *Scheduler) { s.log = l }
}

// New returns an idle scheduler.
func New(cfg Config, frames core.FrameSource, detector core.Detector, tracker *failure.Tracker, publisher Publisher, opts ...Option) (*Scheduler, error) {
	if cfg.Interval <= 0 {
		return nil, fmt.Errorf("capture interval must be positive, got %s", cfg.Interval)
	}
	if cfg.EscalationThreshold < 1 {
		return nil, fmt.Errorf("escalation threshold must be at least 1, got %d", cfg.EscalationThreshold)
	}
	if frames == nil || detector == nil || tracker == nil || publisher == nil {
		return nil, errors.New("scheduler requires a frame source, detector, tracker and publisher")
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}

	s := &Scheduler{
		cfg:       cfg,
		frames:    frames,
		detector:  detector,
		tracker:   tracker,
		publisher: publisher,
		clock:     clock.RealClock{},
		log:       log.WithName("scheduler"),
		workers:   make(map[string]*worker),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.base, s.cancel = context.WithCancelCause(context.Background())
	return s, nil
}

// Start begins sampling v from the unknown state with no failures, publishes
// that snapshot and runs the first cycle immediately.
// For a vehicle that is already sampled it refreshes the roster data and
// returns ErrAlreadyRunning.
func (s *Scheduler) Start(v model.Vehicle) error {
	if v.ID == "" {
		return errors.New("vehicle id is required")
	}

	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return ErrShutdown
		}

		w, ok := s.workers[v.ID]
		if !ok {
			break
		}
		if w.ctx.Err() == nil {
			s.mu.Unlock()
			w.update(v)
			return ErrAlreadyRunning
		}
		// A previous worker is still winding down and may still publish.
		s.mu.Unlock()
		<-w.done
	}
	defer s.mu.Unlock()

	// A previous run ended offline; its status and failures do not carry over.
	s.tracker.Forget(v.ID)
	m := status.NewMachine(v, s.cfg.EscalationThreshold, s.clock)

	w := newWorker(s, v, m)
	s.workers[v.ID] = w
	s.wg.Add(1)
	go w.run()

	s.log.Info("Started sampling", "vehicleID", v.ID, "interval", s.cfg.Interval)
	return nil
}

// Stop cancels sampling for vehicleID and waits until its worker has exited.
// An in-flight cycle is aborted and its result discarded; the vehicle is then
// marked offline without raising an alert.
func (s *Scheduler) Stop(vehicleID string) error {
	s.mu.Lock()
	w, ok := s.workers[vehicleID]
	s.mu.Unlock()
	if !ok {
		return ErrNotRunning
	}

	w.cancel(ErrDeactivated)
	<-w.done

	s.log.Info("Stopped sampling", "vehicleID", vehicleID)
	return nil
}

// Remove stops vehicleID and forgets its failure count and published status.
func (s *Scheduler) Remove(vehicleID string) error {
	if err := s.Stop(vehicleID); err != nil && !errors.Is(err, ErrNotRunning) {
		return err
	}

	s.mu.Lock()
	_, running := s.workers[vehicleID]
	s.mu.Unlock()
	if running {
		return fmt.Errorf("vehicle %s was restarted while being removed", vehicleID)
	}

	s.tracker.Forget(vehicleID)
	s.publisher.Forget(vehicleID)
	s.log.Info("Removed vehicle", "vehicleID", vehicleID)
	return nil
}

// Active returns the ids of the vehicles being sampled, sorted.
func (s *Scheduler) Active() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0, len(s.workers))
	for id, w := range s.workers {
		if w.ctx.Err() == nil {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids
}

// Shutdown stops every worker and waits for them to exit or for ctx to end.
// Vehicles are not marked offline.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	s.cancel(ErrShutdown)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.log.Info("All sampling workers stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for sampling workers: %w", ctx.Err())
	}
}

// Run blocks until ctx ends, then shuts the scheduler down.
func (s *Scheduler) Run(ctx context.Context) error {
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.ShutdownTimeout)
	defer cancel()
	return s.Shutdown(shutdownCtx)
}
