package framesource

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/autopeer-io/occupeye/internal/monitor/core"
)

// errStreamDropped makes the pool close the device and reopen it on the next read.
var errStreamDropped = fmt.Errorf("%w: stream dropped", core.ErrNoFrame)

// grabber is an open capture device. Grab blocks until a frame is read and encoded.
type grabber interface {
	Grab() ([]byte, error)
	Close() error
}

type openFunc func(ctx context.Context, vehicleID string) (grabber, error)

// device serializes reads of one capture device. sem is held by the read in
// progress, including one its caller has given up on.
type device struct {
	sem    chan struct{}
	g      grabber
	closed atomic.Bool
}

// devicePool hands out frames from per-vehicle devices. A stalled device only
// blocks reads of its own vehicle, and callers stop waiting when their context ends.
type devicePool struct {
	open openFunc

	mu      sync.Mutex
	closed  bool
	devices map[string]*device
}

func newDevicePool(open openFunc) *devicePool {
	return &devicePool{
		open:    open,
		devices: make(map[string]*device),
	}
}

func (p *devicePool) device(vehicleID string) (*device, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, errors.New("frame source is closed")
	}
	d, ok := p.devices[vehicleID]
	if !ok {
		d = &device{sem: make(chan struct{}, 1)}
		p.devices[vehicleID] = d
	}
	return d, nil
}

func (p *devicePool) frame(ctx context.Context, vehicleID string) ([]byte, error) {
	d, err := p.device(vehicleID)
	if err != nil {
		return nil, err
	}

	select {
	case d.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, context.Cause(ctx)
	}

	type result struct {
		data []byte
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		data, err := p.read(ctx, d, vehicleID)
		p.release(d)
		ch <- result{data: data, err: err}
	}()

	select {
	case r := <-ch:
		return r.data, r.err
	case <-ctx.Done():
		// The read finishes in the background and releases the device.
		return nil, context.Cause(ctx)
	}
}

// read runs with d.sem held.
func (p *devicePool) read(ctx context.Context, d *device, vehicleID string) ([]byte, error) {
	if d.closed.Load() {
		return nil, errors.New("frame source is closed")
	}
	if d.g == nil {
		g, err := p.open(ctx, vehicleID)
		if err != nil {
			return nil, err
		}
		d.g = g
	}

	data, err := d.g.Grab()
	if errors.Is(err, errStreamDropped) {
		_ = d.g.Close()
		d.g = nil
	}
	return data, err
}

// release gives d back. Holding p.mu orders it against Close.
func (p *devicePool) release(d *device) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if d.closed.Load() && d.g != nil {
		_ = d.g.Close()
		d.g = nil
	}
	<-d.sem
}

// Close releases idle devices now and busy ones once their read returns.
func (p *devicePool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true

	for id, d := range p.devices {
		d.closed.Store(true)
		select {
		case d.sem <- struct{}{}:
			if d.g != nil {
				_ = d.g.Close()
				d.g = nil
			}
			<-d.sem
		default:
		}
		delete(p.devices, id)
	}
	return nil
}
