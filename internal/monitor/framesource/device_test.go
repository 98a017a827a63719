package framesource

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autopeer-io/occupeye/internal/monitor/core"
)

type fakeGrabber struct {
	vehicleID string
	block     chan struct{}
	errs      []error
	closed    atomic.Bool
}

func (g *fakeGrabber) Grab() ([]byte, error) {
	if g.block != nil {
		<-g.block
	}
	if len(g.errs) > 0 {
		err := g.errs[0]
		g.errs = g.errs[1:]
		return nil, err
	}
	return []byte(g.vehicleID), nil
}

func (g *fakeGrabber) Close() error {
	g.closed.Store(true)
	return nil
}

type fakeCameras struct {
	mu     sync.Mutex
	opened map[string][]*fakeGrabber
	setup  func(g *fakeGrabber)
}

func (c *fakeCameras) open(ctx context.Context, vehicleID string) (grabber, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	g := &fakeGrabber{vehicleID: vehicleID}
	if c.setup != nil {
		c.setup(g)
	}
	c.opened[vehicleID] = append(c.opened[vehicleID], g)
	return g, nil
}

func (c *fakeCameras) count(vehicleID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.opened[vehicleID])
}

func TestDevicePoolIsolatesStalledDevice(t *testing.T) {
	stall := make(chan struct{})
	cams := &fakeCameras{
		opened: make(map[string][]*fakeGrabber),
		setup: func(g *fakeGrabber) {
			if g.vehicleID == "bus-1" {
				g.block = stall
			}
		},
	}
	pool := newDevicePool(cams.open)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := pool.frame(ctx, "bus-1")
		errCh <- err
	}()
	require.Eventually(t, func() bool { return cams.count("bus-1") == 1 }, time.Second, time.Millisecond)

	for range 3 {
		data, err := pool.frame(context.Background(), "bus-2")
		require.NoError(t, err)
		assert.Equal(t, "bus-2", string(data))
	}

	// A second read of the stalled device waits for the device, not forever.
	shortCtx, shortCancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer shortCancel()
	_, err := pool.frame(shortCtx, "bus-1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	cancel()
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("stalled read ignored cancellation")
	}

	close(stall)
	require.Eventually(t, func() bool {
		data, err := pool.frame(context.Background(), "bus-1")
		return err == nil && string(data) == "bus-1"
	}, time.Second, time.Millisecond)
	assert.Equal(t, 1, cams.count("bus-1"))
}

func TestDevicePoolReopensDroppedStream(t *testing.T) {
	cams := &fakeCameras{opened: make(map[string][]*fakeGrabber)}
	cams.setup = func(g *fakeGrabber) {
		// Only the first device misbehaves.
		if cams.opened[g.vehicleID] == nil {
			g.errs = []error{core.ErrNoFrame, errStreamDropped}
		}
	}
	pool := newDevicePool(cams.open)

	_, err := pool.frame(context.Background(), "bus-1")
	assert.ErrorIs(t, err, core.ErrNoFrame)
	_, err = pool.frame(context.Background(), "bus-1")
	assert.ErrorIs(t, err, core.ErrNoFrame)
	assert.Equal(t, 1, cams.count("bus-1"))

	data, err := pool.frame(context.Background(), "bus-1")
	require.NoError(t, err)
	assert.Equal(t, "bus-1", string(data))
	require.Equal(t, 2, cams.count("bus-1"))
	assert.True(t, cams.opened["bus-1"][0].closed.Load())
	assert.False(t, cams.opened["bus-1"][1].closed.Load())
}

func TestDevicePoolClose(t *testing.T) {
	stall := make(chan struct{})
	cams := &fakeCameras{
		opened: make(map[string][]*fakeGrabber),
		setup: func(g *fakeGrabber) {
			if g.vehicleID == "bus-1" {
				g.block = stall
			}
		},
	}
	pool := newDevicePool(cams.open)

	_, err := pool.frame(context.Background(), "bus-2")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = pool.frame(ctx, "bus-1")
	require.True(t, errors.Is(err, context.DeadlineExceeded))
	require.Eventually(t, func() bool { return cams.count("bus-1") == 1 }, time.Second, time.Millisecond)

	require.NoError(t, pool.Close())
	assert.True(t, cams.opened["bus-2"][0].closed.Load())

	cams.mu.Lock()
	busy := cams.opened["bus-1"][0]
	cams.mu.Unlock()
	assert.False(t, busy.closed.Load())
	close(stall)
	require.Eventually(t, busy.closed.Load, time.Second, time.Millisecond)

	_, err = pool.frame(context.Background(), "bus-3")
	assert.Error(t, err)
}
