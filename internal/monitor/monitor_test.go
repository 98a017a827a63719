package monitor

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autopeer-io/occupeye/internal/monitor/core/model"
	"github.com/autopeer-io/occupeye/pkg/options"
)

// fakeBackend plays both the detection service and the alert webhook.
type fakeBackend struct {
	healthy atomic.Bool
	faces   atomic.Int32

	mu     sync.Mutex
	alerts []map[string]any
}

func (b *fakeBackend) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/detect_faces":
		if !b.healthy.Load() {
			// Hang until the client gives up. The body must be read for the
			// server to notice the client going away.
			_, _ = io.Copy(io.Discard, r.Body)
			<-r.Context().Done()
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"face_count": b.faces.Load()})

	case "/api/overcrowding-alert":
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		b.mu.Lock()
		b.alerts = append(b.alerts, body)
		b.mu.Unlock()
		_ = json.NewEncoder(w).Encode(map[string]any{"status": "success", "email_sent": true})

	default:
		http.NotFound(w, r)
	}
}

func (b *fakeBackend) Alerts() []map[string]any {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]map[string]any(nil), b.alerts...)
}

func testConfig(t *testing.T, backendURL string) *Config {
	t.Helper()
	dir := t.TempDir()

	frames := filepath.Join(dir, "frames", "bus-2")
	require.NoError(t, os.MkdirAll(frames, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(frames, "0001.jpg"), []byte("\xff\xd8jpeg\xff\xd9"), 0o644))

	rosterFile := filepath.Join(dir, "roster.yaml")
	require.NoError(t, os.WriteFile(rosterFile, []byte("vehicles:\n  - id: bus-2\n    capacity: 30\n"), 0o644))

	cfg := &Config{
		CaptureOptions:   options.NewCaptureOptions(),
		DetectionOptions: options.NewDetectionOptions(),
		FrameOptions:     options.NewFrameOptions(),
		RosterOptions:    options.NewRosterOptions(),
		NotifyOptions:    options.NewNotifyOptions(),
		RelayOptions:     options.NewRelayOptions(),
		HttpOptions:      options.NewHttpOptions(),
		GrpcOptions:      options.NewGrpcOptions(),
		MqttOptions:      options.NewMqttOptions(),
		S3Options:        options.NewS3Options(),
	}
	cfg.CaptureOptions.Interval = 100 * time.Millisecond
	cfg.DetectionOptions.Endpoint = backendURL + "/detect_faces"
	cfg.DetectionOptions.PerAttemptTimeout = 50 * time.Millisecond
	cfg.DetectionOptions.RetryDelay = 10 * time.Millisecond
	cfg.FrameOptions.Dir = filepath.Join(dir, "frames")
	cfg.RosterOptions.File = rosterFile
	cfg.RosterOptions.Watch = false
	cfg.NotifyOptions.URL = backendURL + "/api/overcrowding-alert"
	cfg.HttpOptions.Addr = "127.0.0.1:0"
	cfg.GrpcOptions.Addr = "127.0.0.1:0"
	return cfg
}

func TestMonitorRecoversFromOutage(t *testing.T) {
	backend := &fakeBackend{}
	backend.faces.Store(2)
	srv := httptest.NewServer(backend)
	defer srv.Close()

	m, err := testConfig(t, srv.URL).NewMonitor()
	require.NoError(t, err)
	assert.ErrorIs(t, m.Ready(), errNotStarted)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	require.Eventually(t, func() bool { return m.Ready() == nil }, 5*time.Second, 10*time.Millisecond)

	// Three cycles of three timed-out attempts each take the vehicle offline.
	require.Eventually(t, func() bool {
		st, ok := m.Board().CurrentStatus("bus-2")
		return ok && st.Status == model.StatusOffline
	}, 10*time.Second, 20*time.Millisecond)

	st, _ := m.Board().CurrentStatus("bus-2")
	assert.Equal(t, model.UnknownFaceCount, st.FaceCount)
	assert.GreaterOrEqual(t, st.Failures, 3)
	assert.Equal(t, 30, st.Capacity)

	backend.healthy.Store(true)

	require.Eventually(t, func() bool {
		st, ok := m.Board().CurrentStatus("bus-2")
		return ok && st.Status == model.StatusOvercrowded
	}, 5*time.Second, 20*time.Millisecond)

	st, _ = m.Board().CurrentStatus("bus-2")
	assert.Equal(t, model.SeverityModerate, st.Severity)
	assert.Equal(t, 2, st.FaceCount)
	assert.Zero(t, st.Failures)

	// Only overcrowding reaches the webhook; the earlier outage does not.
	require.Eventually(t, func() bool { return len(backend.Alerts()) == 1 }, 5*time.Second, 20*time.Millisecond)
	alert := backend.Alerts()[0]
	assert.Equal(t, "bus-2", alert["busId"])
	assert.EqualValues(t, 2, alert["faceCount"])

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(15 * time.Second):
		t.Fatal("monitor did not stop")
	}
	assert.ErrorIs(t, m.Ready(), errNotStarted)
	assert.Empty(t, m.Scheduler().Active())
}

func TestMonitorListsVehicleWithoutFrames(t *testing.T) {
	backend := &fakeBackend{}
	backend.healthy.Store(true)
	srv := httptest.NewServer(backend)
	defer srv.Close()

	cfg := testConfig(t, srv.URL)
	require.NoError(t, os.WriteFile(cfg.RosterOptions.File,
		[]byte("vehicles:\n  - id: bus-2\n    capacity: 30\n  - id: bus-9\n    capacity: 12\n"), 0o644))

	m, err := cfg.NewMonitor()
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	require.Eventually(t, func() bool {
		_, ok := m.Board().CurrentStatus("bus-9")
		return ok
	}, 5*time.Second, 10*time.Millisecond)

	st, _ := m.Board().CurrentStatus("bus-9")
	assert.Equal(t, model.StatusUnknown, st.Status)
	assert.Equal(t, model.UnknownFaceCount, st.FaceCount)
	assert.Equal(t, 12, st.Capacity)
	assert.Zero(t, st.Failures)

	// bus-9 never gets a frame, so it stays unknown while bus-2 is sampled.
	require.Eventually(t, func() bool {
		st, ok := m.Board().CurrentStatus("bus-2")
		return ok && st.Status == model.StatusNormal
	}, 5*time.Second, 20*time.Millisecond)
	st, _ = m.Board().CurrentStatus("bus-9")
	assert.Equal(t, model.StatusUnknown, st.Status)
	assert.Len(t, m.Board().List(), 2)
	assert.Equal(t, []string{"bus-2", "bus-9"}, m.Scheduler().Active())

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(15 * time.Second):
		t.Fatal("monitor did not stop")
	}
}

func TestMonitorFailsOnInvalidRoster(t *testing.T) {
	backend := &fakeBackend{}
	srv := httptest.NewServer(backend)
	defer srv.Close()

	cfg := testConfig(t, srv.URL)
	require.NoError(t, os.WriteFile(cfg.RosterOptions.File, []byte("vehicles:\n  - capacity: 3\n"), 0o644))

	m, err := cfg.NewMonitor()
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	assert.Error(t, m.Run(ctx))
}

func TestNewMonitorRejectsRosterOverMQTTWithoutBroker(t *testing.T) {
	cfg := testConfig(t, "http://127.0.0.1:1")
	cfg.RosterOptions.MQTT = true

	_, err := cfg.NewMonitor()
	assert.Error(t, err)
}
