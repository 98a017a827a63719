package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/autopeer-io/occupeye/internal/monitor/alert"
	"github.com/autopeer-io/occupeye/internal/monitor/core"
	"github.com/autopeer-io/occupeye/internal/monitor/core/model"
	"github.com/autopeer-io/occupeye/internal/monitor/detection"
	"github.com/autopeer-io/occupeye/internal/monitor/failure"
	"github.com/autopeer-io/occupeye/internal/pkg/metrics"
	"github.com/autopeer-io/occupeye/pkg/log"
)

const interval = 2 * time.Second

type frameSource struct {
	calls atomic.Int32
	err   error
}

func (f *frameSource) NextFrame(ctx context.Context, vehicleID string) (*model.Frame, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	return &model.Frame{VehicleID: vehicleID, Data: []byte("jpeg")}, nil
}

// step is one scripted detection outcome. A negative count is an exhausted failure.
type step struct {
	count int
	panic bool
	block bool
}

type detector struct {
	tracker *failure.Tracker

	mu      sync.Mutex
	scripts map[string][]step

	calls    atomic.Int32
	inflight atomic.Int32
	maxSeen  atomic.Int32
	entered  chan string
	release  chan struct{}
}

func newDetector(tracker *failure.Tracker) *detector {
	return &detector{
		tracker: tracker,
		scripts: make(map[string][]step),
		entered: make(chan string, 16),
		release: make(chan struct{}),
	}
}

func (d *detector) script(vehicleID string, steps ...step) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.scripts[vehicleID] = append(d.scripts[vehicleID], steps...)
}

func (d *detector) next(vehicleID string) step {
	d.mu.Lock()
	defer d.mu.Unlock()
	steps := d.scripts[vehicleID]
	if len(steps) == 0 {
		return step{count: 0}
	}
	d.scripts[vehicleID] = steps[1:]
	return steps[0]
}

func (d *detector) Detect(ctx context.Context, vehicleID string, frame *model.Frame) model.DetectionResult {
	d.calls.Add(1)
	n := d.inflight.Add(1)
	defer d.inflight.Add(-1)
	for {
		seen := d.maxSeen.Load()
		if n <= seen || d.maxSeen.CompareAndSwap(seen, n) {
			break
		}
	}

	st := d.next(vehicleID)
	select {
	case d.entered <- vehicleID:
	default:
	}

	if st.panic {
		panic("detector exploded")
	}
	if st.block {
		select {
		case <-ctx.Done():
			return model.DetectionResult{Err: context.Cause(ctx), Attempts: 1}
		case <-d.release:
		}
	}
	if st.count < 0 {
		failures := d.tracker.RecordFailure(vehicleID)
		return model.DetectionResult{Err: &detection.ExhaustedError{Attempts: 3, Last: detection.ErrTimeout}, Attempts: 3, Failures: failures}
	}
	d.tracker.RecordSuccess(vehicleID)
	return model.DetectionResult{FaceCount: st.count, Attempts: 1}
}

type record struct {
	status *model.VehicleStatus
	tr     *model.Transition
}

type recorder struct {
	mu        sync.Mutex
	records   map[string][]record
	forgotten []string
}

func newRecorder() *recorder {
	return &recorder{records: make(map[string][]record)}
}

func (r *recorder) Publish(status *model.VehicleStatus, tr *model.Transition, frame *model.Frame) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records[status.VehicleID] = append(r.records[status.VehicleID], record{status: status, tr: tr})
}

func (r *recorder) Forget(vehicleID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.forgotten = append(r.forgotten, vehicleID)
	delete(r.records, vehicleID)
}

func (r *recorder) get(vehicleID string) []record {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]record(nil), r.records[vehicleID]...)
}

func (r *recorder) waitFor(t *testing.T, vehicleID string, n int) []record {
	t.Helper()
	require.Eventually(t, func() bool { return len(r.get(vehicleID)) >= n }, 2*time.Second, time.Millisecond,
		"expected %d publications for %s", n, vehicleID)
	return r.get(vehicleID)
}

type fixture struct {
	clock    *clocktesting.FakeClock
	tracker  *failure.Tracker
	frames   *frameSource
	detector *detector
	pub      *recorder
	s        *Scheduler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		clock:   clocktesting.NewFakeClock(time.Date(2025, 1, 1, 8, 0, 0, 0, time.UTC)),
		tracker: failure.NewTracker(),
		frames:  &frameSource{},
		pub:     newRecorder(),
	}
	f.detector = newDetector(f.tracker)

	s, err := New(Config{Interval: interval, EscalationThreshold: 3}, f.frames, f.detector, f.tracker, f.pub,
		WithClock(f.clock), WithLogger(log.NewNopLogger()))
	require.NoError(t, err)
	f.s = s

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.Shutdown(ctx)
	})
	return f
}

func TestNewValidatesConfig(t *testing.T) {
	tracker := failure.NewTracker()
	_, err := New(Config{Interval: 0, EscalationThreshold: 3}, &frameSource{}, newDetector(tracker), tracker, newRecorder())
	assert.Error(t, err)

	_, err = New(Config{Interval: time.Second, EscalationThreshold: 0}, &frameSource{}, newDetector(tracker), tracker, newRecorder())
	assert.Error(t, err)

	_, err = New(Config{Interval: time.Second, EscalationThreshold: 3}, nil, newDetector(tracker), tracker, newRecorder())
	assert.Error(t, err)
}

func TestObservationSequence(t *testing.T) {
	f := newFixture(t)
	f.detector.script("bus-1", step{count: 0}, step{count: 0}, step{count: 3}, step{count: 12}, step{count: 0})

	require.NoError(t, f.s.Start(model.Vehicle{ID: "bus-1", Capacity: 40}))

	for i := 2; i < 6; i++ {
		f.pub.waitFor(t, "bus-1", i)
		f.clock.Step(interval)
	}
	records := f.pub.waitFor(t, "bus-1", 6)

	type want struct {
		status   model.Status
		severity model.Severity
		changed  bool
		alert    model.AlertKind
	}
	expected := []want{
		{model.StatusUnknown, model.SeverityNone, false, ""},
		{model.StatusNormal, model.SeverityNone, true, ""},
		{model.StatusNormal, model.SeverityNone, false, ""},
		{model.StatusOvercrowded, model.SeverityModerate, true, model.AlertOvercrowding},
		{model.StatusOvercrowded, model.SeverityCritical, true, model.AlertOvercrowding},
		{model.StatusNormal, model.SeverityNone, true, ""},
	}
	for i, w := range expected {
		assert.Equal(t, w.status, records[i].status.Status, "publication %d", i)
		assert.Equal(t, w.severity, records[i].status.Severity, "publication %d", i)
		assert.Equal(t, w.changed, records[i].tr != nil, "publication %d", i)
		kind, _ := alert.Evaluate(records[i].tr)
		assert.Equal(t, w.alert, kind, "publication %d", i)
		assert.Equal(t, 40, records[i].status.Capacity)
	}
	assert.Equal(t, model.UnknownFaceCount, records[0].status.FaceCount)
	assert.Equal(t, model.StatusUnknown, records[1].tr.FromStatus)
	assert.Equal(t, 12, records[4].status.FaceCount)
	assert.Equal(t, model.SeverityModerate, records[4].tr.FromSeverity)
}

func TestEscalationAfterRepeatedFailures(t *testing.T) {
	f := newFixture(t)
	f.detector.script("bus-2", step{count: -1}, step{count: -1}, step{count: -1}, step{count: 2})

	require.NoError(t, f.s.Start(model.Vehicle{ID: "bus-2"}))
	for i := 2; i < 5; i++ {
		f.pub.waitFor(t, "bus-2", i)
		f.clock.Step(interval)
	}
	records := f.pub.waitFor(t, "bus-2", 5)[1:]

	assert.Equal(t, model.StatusUnknown, records[0].status.Status)
	assert.Equal(t, 1, records[0].status.Failures)
	assert.Nil(t, records[0].tr)
	assert.Equal(t, 2, records[1].status.Failures)
	assert.Nil(t, records[1].tr)

	require.NotNil(t, records[2].tr)
	assert.Equal(t, model.StatusOffline, records[2].status.Status)
	assert.Equal(t, model.CauseEscalation, records[2].tr.Cause)
	assert.Equal(t, model.UnknownFaceCount, records[2].status.FaceCount)

	require.NotNil(t, records[3].tr)
	assert.Equal(t, model.StatusOvercrowded, records[3].status.Status)
	assert.Equal(t, model.SeverityModerate, records[3].status.Severity)
	assert.Equal(t, 0, records[3].status.Failures)
	assert.Equal(t, 0, f.tracker.Count("bus-2"))
}

func TestNoFrameSkipsWithoutFailure(t *testing.T) {
	f := newFixture(t)
	f.frames.err = core.ErrNoFrame
	skipped := testutil.ToFloat64(metrics.CyclesTotal.WithLabelValues(resultSkipped))

	require.NoError(t, f.s.Start(model.Vehicle{ID: "bus-1"}))
	require.Eventually(t, func() bool { return f.frames.calls.Load() == 1 }, time.Second, time.Millisecond)

	require.Eventually(t, func() bool {
		f.clock.Step(interval)
		return f.frames.calls.Load() >= 3
	}, 2*time.Second, 5*time.Millisecond)

	assert.Zero(t, f.detector.calls.Load())
	assert.Zero(t, f.tracker.Count("bus-1"))
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(metrics.CyclesTotal.WithLabelValues(resultSkipped)) >= skipped+3
	}, time.Second, time.Millisecond)

	// The vehicle is still listed, as unknown.
	records := f.pub.get("bus-1")
	require.Len(t, records, 1)
	assert.Equal(t, model.StatusUnknown, records[0].status.Status)
	assert.Equal(t, model.UnknownFaceCount, records[0].status.FaceCount)
	assert.Zero(t, records[0].status.Failures)
	assert.Nil(t, records[0].tr)
}

func TestTicksNeverOverlap(t *testing.T) {
	f := newFixture(t)
	f.detector.script("bus-1", step{count: 4, block: true}, step{count: 0})

	require.NoError(t, f.s.Start(model.Vehicle{ID: "bus-1"}))
	<-f.detector.entered

	for range 3 {
		f.clock.Step(interval)
		time.Sleep(5 * time.Millisecond)
	}
	assert.EqualValues(t, 1, f.detector.calls.Load())

	close(f.detector.release)
	records := f.pub.waitFor(t, "bus-1", 2)
	assert.Equal(t, model.StatusOvercrowded, records[1].status.Status)

	f.clock.Step(interval)
	f.pub.waitFor(t, "bus-1", 3)
	assert.EqualValues(t, 1, f.detector.maxSeen.Load())
}

func TestStopDiscardsInFlightCycle(t *testing.T) {
	f := newFixture(t)
	f.detector.script("bus-1", step{count: 3}, step{count: 8, block: true})

	require.NoError(t, f.s.Start(model.Vehicle{ID: "bus-1"}))
	f.pub.waitFor(t, "bus-1", 2)
	f.clock.Step(interval)
	<-f.detector.entered
	<-f.detector.entered

	require.NoError(t, f.s.Stop("bus-1"))
	assert.Empty(t, f.s.Active())

	records := f.pub.get("bus-1")
	require.Len(t, records, 3, "the in-flight result must be discarded")
	last := records[2]
	assert.Equal(t, model.StatusOffline, last.status.Status)
	require.NotNil(t, last.tr)
	assert.Equal(t, model.CauseDeactivation, last.tr.Cause)
	assert.Zero(t, f.tracker.Count("bus-1"))

	assert.ErrorIs(t, f.s.Stop("bus-1"), ErrNotRunning)
}

func TestStartIsIdempotent(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.s.Start(model.Vehicle{ID: "bus-1"}))
	assert.ErrorIs(t, f.s.Start(model.Vehicle{ID: "bus-1", Capacity: 50}), ErrAlreadyRunning)
	assert.Equal(t, []string{"bus-1"}, f.s.Active())

	f.pub.waitFor(t, "bus-1", 1)
	require.Eventually(t, func() bool {
		f.clock.Step(interval)
		records := f.pub.get("bus-1")
		return records[len(records)-1].status.Capacity == 50
	}, 2*time.Second, 5*time.Millisecond)
}

func TestRestartStartsOver(t *testing.T) {
	f := newFixture(t)
	f.detector.script("bus-1", step{count: -1}, step{count: 4})

	require.NoError(t, f.s.Start(model.Vehicle{ID: "bus-1"}))
	records := f.pub.waitFor(t, "bus-1", 2)
	require.Equal(t, 1, records[1].status.Failures)

	require.NoError(t, f.s.Stop("bus-1"))
	records = f.pub.get("bus-1")
	require.Len(t, records, 3)
	assert.Equal(t, model.StatusOffline, records[2].status.Status)

	require.NoError(t, f.s.Start(model.Vehicle{ID: "bus-1"}))
	records = f.pub.waitFor(t, "bus-1", 5)
	assert.Equal(t, model.StatusUnknown, records[3].status.Status)
	assert.Zero(t, records[3].status.Failures)
	assert.Nil(t, records[3].tr)

	require.NotNil(t, records[4].tr)
	assert.Equal(t, model.StatusUnknown, records[4].tr.FromStatus)
	assert.Equal(t, model.StatusOvercrowded, records[4].tr.ToStatus)
}

func TestOutageAfterReactivationAlerts(t *testing.T) {
	f := newFixture(t)
	f.detector.script("bus-1", step{count: 4}, step{count: -1}, step{count: -1}, step{count: -1})

	require.NoError(t, f.s.Start(model.Vehicle{ID: "bus-1"}))
	f.pub.waitFor(t, "bus-1", 2)
	require.NoError(t, f.s.Stop("bus-1"))
	require.NoError(t, f.s.Start(model.Vehicle{ID: "bus-1"}))

	// deactivation, restart snapshot, then three failed cycles
	for i := 5; i < 7; i++ {
		f.pub.waitFor(t, "bus-1", i)
		f.clock.Step(interval)
	}
	records := f.pub.waitFor(t, "bus-1", 7)

	for i, r := range records[4:6] {
		assert.Equal(t, model.StatusUnknown, r.status.Status, "failure %d", i+1)
		assert.Equal(t, i+1, r.status.Failures)
		assert.Nil(t, r.tr)
	}

	escalated := records[6]
	require.NotNil(t, escalated.tr)
	assert.Equal(t, model.StatusUnknown, escalated.tr.FromStatus)
	assert.Equal(t, model.StatusOffline, escalated.status.Status)
	assert.Equal(t, 3, escalated.status.Failures)
	kind, ok := alert.Evaluate(escalated.tr)
	assert.True(t, ok)
	assert.Equal(t, model.AlertServiceUnavailable, kind)
}

func TestRemoveForgetsVehicle(t *testing.T) {
	f := newFixture(t)
	f.detector.script("bus-1", step{count: -1})

	require.NoError(t, f.s.Start(model.Vehicle{ID: "bus-1"}))
	f.pub.waitFor(t, "bus-1", 2)
	require.Equal(t, 1, f.tracker.Count("bus-1"))

	require.NoError(t, f.s.Remove("bus-1"))
	assert.Zero(t, f.tracker.Count("bus-1"))
	assert.Equal(t, []string{"bus-1"}, f.pub.forgotten)
	assert.Empty(t, f.s.Active())

	// A removed vehicle starts over from unknown.
	require.NoError(t, f.s.Start(model.Vehicle{ID: "bus-1"}))
	records := f.pub.waitFor(t, "bus-1", 2)
	require.NotNil(t, records[1].tr)
	assert.Equal(t, model.StatusUnknown, records[1].tr.FromStatus)
}

func TestPanicIsIsolated(t *testing.T) {
	f := newFixture(t)
	f.detector.script("bus-a", step{panic: true}, step{count: 1})
	f.detector.script("bus-b", step{count: 7})

	require.NoError(t, f.s.Start(model.Vehicle{ID: "bus-a"}))
	require.NoError(t, f.s.Start(model.Vehicle{ID: "bus-b"}))

	records := f.pub.waitFor(t, "bus-b", 2)
	assert.Equal(t, model.SeverityHigh, records[1].status.Severity)
	assert.Equal(t, []string{"bus-a", "bus-b"}, f.s.Active())

	require.Eventually(t, func() bool {
		f.clock.Step(interval)
		return len(f.pub.get("bus-a")) >= 2
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, model.StatusNormal, f.pub.get("bus-a")[1].status.Status)
}

func TestHungDetectionDoesNotStallOthers(t *testing.T) {
	f := newFixture(t)
	f.detector.script("bus-1", step{block: true})
	f.detector.script("bus-2", step{count: 0}, step{count: 3}, step{count: 9}, step{count: 14})

	require.NoError(t, f.s.Start(model.Vehicle{ID: "bus-1"}))
	for id := range f.detector.entered {
		if id == "bus-1" {
			break
		}
	}
	require.NoError(t, f.s.Start(model.Vehicle{ID: "bus-2"}))

	for i := 2; i < 5; i++ {
		f.pub.waitFor(t, "bus-2", i)
		f.clock.Step(interval)
	}
	records := f.pub.waitFor(t, "bus-2", 5)

	assert.Equal(t, model.StatusNormal, records[1].status.Status)
	assert.Equal(t, model.SeverityModerate, records[2].status.Severity)
	assert.Equal(t, model.SeverityHigh, records[3].status.Severity)
	assert.Equal(t, model.SeverityCritical, records[4].status.Severity)

	// bus-1 is still stuck in its first cycle: only the start snapshot exists.
	assert.Len(t, f.pub.get("bus-1"), 1)
	assert.Equal(t, []string{"bus-1", "bus-2"}, f.s.Active())
}

func TestShutdown(t *testing.T) {
	f := newFixture(t)
	f.detector.script("bus-1", step{count: 0, block: true})

	require.NoError(t, f.s.Start(model.Vehicle{ID: "bus-1"}))
	require.NoError(t, f.s.Start(model.Vehicle{ID: "bus-2"}))
	<-f.detector.entered

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, f.s.Shutdown(ctx))

	assert.Empty(t, f.s.Active())
	assert.ErrorIs(t, f.s.Start(model.Vehicle{ID: "bus-3"}), ErrShutdown)
	for _, r := range f.pub.get("bus-1") {
		assert.NotEqual(t, model.StatusOffline, r.status.Status, "shutdown must not deactivate vehicles")
	}
}

func TestRunShutsDownOnCancel(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.s.Start(model.Vehicle{ID: "bus-1"}))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- f.s.Run(ctx) }()
	cancel()

	select {
	case err := <-errCh:
		assert.True(t, err == nil || errors.Is(err, context.DeadlineExceeded))
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
	assert.Empty(t, f.s.Active())
}

type loggingFrames struct{}

func (loggingFrames) NextFrame(ctx context.Context, vehicleID string) (*model.Frame, error) {
	log.FromContext(ctx).Info("Grabbing frame")
	return nil, core.ErrNoFrame
}

func TestCycleContextCarriesVehicleLogger(t *testing.T) {
	zc, logs := observer.New(zapcore.InfoLevel)
	tracker := failure.NewTracker()
	s, err := New(Config{Interval: interval, EscalationThreshold: 3}, loggingFrames{}, newDetector(tracker), tracker, newRecorder(),
		WithClock(clocktesting.NewFakeClock(time.Now())), WithLogger(log.NewFromZap(zap.New(zc)).WithName("scheduler")))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Shutdown(context.Background()) })

	require.NoError(t, s.Start(model.Vehicle{ID: "bus-7"}))
	require.Eventually(t, func() bool {
		return logs.FilterMessage("Grabbing frame").Len() == 1
	}, time.Second, time.Millisecond)

	entry := logs.FilterMessage("Grabbing frame").All()[0]
	assert.Equal(t, "scheduler", entry.LoggerName)
	assert.Equal(t, "bus-7", entry.ContextMap()["vehicleID"])
}
