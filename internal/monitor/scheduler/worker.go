package scheduler

import (
	"context"
	"errors"
	"fmt"

	"github.com/autopeer-io/occupeye/internal/monitor/core"
	"github.com/autopeer-io/occupeye/internal/monitor/core/model"
	"github.com/autopeer-io/occupeye/internal/monitor/detection"
	"github.com/autopeer-io/occupeye/internal/monitor/status"
	"github.com/autopeer-io/occupeye/internal/pkg/metrics"
	"github.com/autopeer-io/occupeye/pkg/log"
)

// Cycle results, used as the result label of CyclesTotal.
const (
	resultOK       = "ok"
	resultFailure  = "failure"
	resultSkipped  = "skipped"
	resultCanceled = "canceled"
	resultPanic    = "panic"
)

// worker samples one vehicle. Its goroutine is the only owner of the
// machine while it runs: cycles do the I/O and hand their outcome back.
type worker struct {
	s       *Scheduler
	id      string
	machine *status.Machine
	log     log.Logger

	ctx    context.Context
	cancel context.CancelCauseFunc
	done   chan struct{}

	updates chan model.Vehicle
	results chan outcome
	running bool
}

// outcome is what a cycle goroutine reports back to its worker.
type outcome struct {
	frame  *model.Frame
	res    model.DetectionResult
	result string
}

func newWorker(s *Scheduler, v model.Vehicle, m *status.Machine) *worker {
	logger := s.log.WithValues("vehicleID", v.ID)
	ctx, cancel := context.WithCancelCause(log.WithContext(s.base, logger))
	return &worker{
		s:       s,
		id:      v.ID,
		machine: m,
		log:     logger,
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
		updates: make(chan model.Vehicle, 1),
		results: make(chan outcome, 1),
	}
}

// update hands fresh roster data to the worker without blocking.
// A pending update is replaced by the newer one.
func (w *worker) update(v model.Vehicle) {
	for {
		select {
		case w.updates <- v:
			return
		default:
		}
		select {
		case <-w.updates:
		default:
		}
	}
}

func (w *worker) run() {
	defer w.s.wg.Done()
	defer close(w.done)
	defer w.unregister()

	metrics.ActiveWorkers.Inc()
	defer metrics.ActiveWorkers.Dec()

	ticker := w.s.clock.NewTicker(w.s.cfg.Interval)
	defer ticker.Stop()

	w.publish(w.machine.Snapshot(), nil, nil)
	w.launch()

	for {
		select {
		case <-w.ctx.Done():
			if w.running {
				// The cycle sees the canceled context and returns promptly.
				<-w.results
				w.running = false
			}
			if errors.Is(context.Cause(w.ctx), ErrDeactivated) {
				w.deactivate()
			}
			return

		case <-ticker.C():
			if w.running {
				metrics.SkippedTicksTotal.Inc()
				w.log.Debug("Previous cycle still in flight, skipping tick")
				continue
			}
			w.launch()

		case out := <-w.results:
			w.running = false
			if w.ctx.Err() != nil {
				// Stopped while the cycle was finishing; the result is discarded.
				continue
			}
			w.apply(out)

		case v := <-w.updates:
			w.machine.SetVehicle(v)
		}
	}
}

func (w *worker) unregister() {
	w.s.mu.Lock()
	defer w.s.mu.Unlock()
	if w.s.workers[w.id] == w {
		delete(w.s.workers, w.id)
	}
}

func (w *worker) launch() {
	w.running = true
	go func() {
		w.results <- w.cycle()
	}()
}

// cycle captures a frame and runs detection on it. It never touches the machine.
func (w *worker) cycle() (out outcome) {
	defer func() {
		if r := recover(); r != nil {
			w.log.Error(fmt.Errorf("%v", r), "Capture cycle panicked")
			out = outcome{result: resultPanic}
		}
	}()

	frame, err := w.s.frames.NextFrame(w.ctx, w.id)
	switch {
	case err == nil:
	case w.ctx.Err() != nil:
		return outcome{result: resultCanceled}
	case errors.Is(err, core.ErrNoFrame):
		w.log.Debug("No frame available, skipping tick")
		return outcome{result: resultSkipped}
	default:
		w.log.Warn("Failed to capture frame, skipping tick", "error", err)
		return outcome{result: resultSkipped}
	}
	if frame == nil {
		return outcome{result: resultSkipped}
	}

	res := w.s.detector.Detect(w.ctx, w.id, frame)
	if w.ctx.Err() != nil {
		return outcome{result: resultCanceled}
	}
	if res.OK() {
		return outcome{frame: frame, res: res, result: resultOK}
	}
	return outcome{frame: frame, res: res, result: resultFailure}
}

// apply feeds a cycle outcome into the machine and publishes the snapshot.
func (w *worker) apply(out outcome) {
	defer func() {
		if r := recover(); r != nil {
			w.log.Error(fmt.Errorf("%v", r), "Applying cycle result panicked")
			metrics.CyclesTotal.WithLabelValues(resultPanic).Inc()
		}
	}()

	metrics.CyclesTotal.WithLabelValues(out.result).Inc()

	var (
		snapshot *model.VehicleStatus
		tr       *model.Transition
		err      error
	)

	var exhausted *detection.ExhaustedError
	switch {
	case out.result == resultOK:
		snapshot, tr, err = w.machine.Observe(w.ctx, out.res.FaceCount)
	case out.result != resultFailure:
		return
	case errors.As(out.res.Err, &exhausted):
		w.log.Warn("Detection failed", "failures", out.res.Failures, "threshold", w.s.cfg.EscalationThreshold, "error", out.res.Err)
		snapshot, tr, err = w.machine.Escalate(w.ctx, out.res.Failures)
	case errors.Is(out.res.Err, detection.ErrFrameTooLarge):
		w.log.Warn("Frame rejected, skipping tick", "error", out.res.Err)
		return
	default:
		w.log.Warn("Detection did not complete, skipping tick", "error", out.res.Err)
		return
	}
	if err != nil {
		w.log.Error(err, "Failed to update vehicle status")
		return
	}

	w.publish(snapshot, tr, out.frame)
}

func (w *worker) deactivate() {
	snapshot, tr, err := w.machine.Deactivate(context.Background())
	if err != nil {
		w.log.Error(err, "Failed to deactivate vehicle")
		return
	}
	w.publish(snapshot, tr, nil)
}

func (w *worker) publish(snapshot *model.VehicleStatus, tr *model.Transition, frame *model.Frame) {
	snapshot.Failures = w.s.tracker.Count(w.id)
	if tr != nil {
		metrics.TransitionsTotal.WithLabelValues(string(tr.FromStatus), string(tr.ToStatus)).Inc()
		w.log.Info("Vehicle status changed",
			"from", tr.FromStatus, "to", tr.ToStatus, "severity", tr.ToSeverity,
			"faceCount", tr.FaceCount, "cause", tr.Cause)
	}
	w.s.publisher.Publish(snapshot, tr, frame)
}
