package notifier

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"

	"github.com/autopeer-io/occupeye/internal/monitor/core"
	"github.com/autopeer-io/occupeye/internal/monitor/core/model"
	"github.com/autopeer-io/occupeye/pkg/log"
	"github.com/autopeer-io/occupeye/pkg/options"
)

// Relay controller line protocol.
const (
	cmdHandshake = "HANDSHAKE"
	cmdShutdown  = "SHUTDOWN"
	cmdPing      = "PING"

	replyReady          = "ARDUINO_READY"
	replyShutdownOK     = "SHUTDOWN_OK"
	replyNoHandshake    = "ERROR_NO_HANDSHAKE"
	replyPong           = "PONG"
	replyUnknownCommand = "UNKNOWN_COMMAND"

	handshakeTimeout = 5 * time.Second
)

// ErrNoReply is returned when the controller stays silent past the read timeout.
var ErrNoReply = errors.New("no reply from relay controller")

// Port is the part of serial.Port the relay uses.
type Port interface {
	io.ReadWriteCloser
	SetReadTimeout(t time.Duration) error
	ResetInputBuffer() error
}

// PortOpener opens the controller's serial port.
type PortOpener func() (Port, error)

// SerialOpener opens name with go.bug.st/serial.
func SerialOpener(name string, baudRate int) PortOpener {
	return func() (Port, error) {
		p, err := serial.Open(name, &serial.Mode{BaudRate: baudRate})
		if err != nil {
			return nil, fmt.Errorf("open serial port %s: %w", name, err)
		}
		return p, nil
	}
}

// Relay cuts power to the boarding door through a serial relay controller
// when overcrowding reaches a minimum severity.
type Relay struct {
	open        PortOpener
	readTimeout time.Duration
	settle      time.Duration
	minSeverity model.Severity

	mu    sync.Mutex
	port  Port
	ready bool
	buf   []byte
}

var _ core.NotificationSink = (*Relay)(nil)

// NewRelay returns a relay sink. The port is opened on first use.
func NewRelay(opts *options.RelayOptions, open PortOpener) (*Relay, error) {
	minSeverity, ok := model.ParseSeverity(opts.MinSeverity)
	if !ok {
		return nil, fmt.Errorf("invalid relay severity %q", opts.MinSeverity)
	}
	if open == nil {
		open = SerialOpener(opts.Port, opts.BaudRate)
	}
	return &Relay{
		open:        open,
		readTimeout: opts.ReadTimeout,
		settle:      opts.SettleDelay,
		minSeverity: minSeverity,
	}, nil
}

func (r *Relay) Name() string { return "relay" }

// Notify sends SHUTDOWN for overcrowding alerts at or above the minimum severity.
func (r *Relay) Notify(ctx context.Context, event *model.AlertEvent) error {
	if event.Kind != model.AlertOvercrowding || event.Severity.Rank() < r.minSeverity.Rank() {
		return nil
	}

	reply, err := r.Command(ctx, cmdShutdown)
	if err != nil {
		return err
	}

	if reply == replyNoHandshake {
		// The controller rebooted since our handshake.
		r.mu.Lock()
		r.ready = false
		r.mu.Unlock()
		if reply, err = r.Command(ctx, cmdShutdown); err != nil {
			return err
		}
	}
	if reply != replyShutdownOK {
		return fmt.Errorf("relay refused shutdown for %s: %q", event.VehicleID, reply)
	}

	log.Info("Relay shutdown acknowledged", "vehicleID", event.VehicleID, "severity", event.Severity)
	return nil
}

// Ping checks that the controller answers.
func (r *Relay) Ping(ctx context.Context) error {
	reply, err := r.Command(ctx, cmdPing)
	if err != nil {
		return err
	}
	if reply != replyPong {
		return fmt.Errorf("unexpected ping reply %q", reply)
	}
	return nil
}

// Command sends cmd, handshaking first if needed, and returns the reply line.
// Any I/O error closes the port so the next call reconnects.
func (r *Relay) Command(ctx context.Context, cmd string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.connect(ctx); err != nil {
		return "", err
	}

	if err := r.send(cmd); err != nil {
		r.reset()
		return "", err
	}
	reply, err := r.readLine(ctx, r.readTimeout)
	if err != nil {
		if !errors.Is(err, ErrNoReply) {
			r.reset()
		}
		return "", fmt.Errorf("%s: %w", cmd, err)
	}
	if reply == replyUnknownCommand {
		return "", fmt.Errorf("relay controller does not know %s", cmd)
	}
	return reply, nil
}

// Close releases the serial port.
func (r *Relay) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.port == nil {
		return nil
	}
	err := r.port.Close()
	r.port, r.ready, r.buf = nil, false, nil
	return err
}

func (r *Relay) connect(ctx context.Context) error {
	if r.port == nil {
		port, err := r.open()
		if err != nil {
			return err
		}
		r.port = port

		if r.settle > 0 {
			// Opening the port resets the controller.
			select {
			case <-time.After(r.settle):
			case <-ctx.Done():
				r.reset()
				return ctx.Err()
			}
		}
		_ = r.port.ResetInputBuffer()
	}
	if r.ready {
		return nil
	}

	if err := r.send(cmdHandshake); err != nil {
		r.reset()
		return err
	}

	deadline := time.Now().Add(handshakeTimeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			r.reset()
			return errors.New("relay handshake timed out")
		}
		line, err := r.readLine(ctx, remaining)
		if errors.Is(err, ErrNoReply) {
			continue
		}
		if err != nil {
			r.reset()
			return fmt.Errorf("relay handshake: %w", err)
		}
		if line == replyReady {
			r.ready = true
			log.Info("Relay controller ready")
			return nil
		}
		log.Debug("Ignoring relay output during handshake", "line", line)
	}
}

func (r *Relay) send(cmd string) error {
	if _, err := r.port.Write([]byte(cmd + "\n")); err != nil {
		return fmt.Errorf("write %s: %w", cmd, err)
	}
	return nil
}

// readLine returns the next non-empty line. The serial driver returns
// (0, nil) when its read timeout expires.
func (r *Relay) readLine(ctx context.Context, timeout time.Duration) (string, error) {
	deadline := time.Now().Add(timeout)
	chunk := make([]byte, 64)

	for {
		if i := bytes.IndexByte(r.buf, '\n'); i >= 0 {
			line := strings.TrimSpace(string(r.buf[:i]))
			r.buf = r.buf[i+1:]
			if line != "" {
				return line, nil
			}
			continue
		}

		if err := ctx.Err(); err != nil {
			return "", err
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return "", ErrNoReply
		}
		if err := r.port.SetReadTimeout(min(remaining, 100*time.Millisecond)); err != nil {
			return "", err
		}

		n, err := r.port.Read(chunk)
		if n > 0 {
			r.buf = append(r.buf, chunk[:n]...)
		}
		if err != nil && !errors.Is(err, io.EOF) {
			return "", err
		}
	}
}

func (r *Relay) reset() {
	if r.port != nil {
		_ = r.port.Close()
	}
	r.port, r.ready, r.buf = nil, false, nil
}
