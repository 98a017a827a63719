package detection

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"mime/multipart"
	"net/http"
	"time"

	"k8s.io/utils/clock"

	"github.com/autopeer-io/occupeye/internal/monitor/core"
	"github.com/autopeer-io/occupeye/internal/monitor/core/model"
	"github.com/autopeer-io/occupeye/internal/monitor/failure"
	"github.com/autopeer-io/occupeye/internal/pkg/metrics"
	"github.com/autopeer-io/occupeye/pkg/log"
	"github.com/autopeer-io/occupeye/pkg/options"
)

const (
	formField = "video_frame"

	// maxResponseBytes bounds how much of a response body is read.
	maxResponseBytes = 1 << 20
)

// HTTPDoer is satisfied by *http.Client.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// response mirrors the detection service's JSON answer.
type response struct {
	FaceCount   *int    `json:"face_count"`
	Faces       [][]int `json:"faces,omitempty"`
	Overcrowded bool    `json:"overcrowded,omitempty"`
	Threshold   int     `json:"threshold,omitempty"`
	Message     string  `json:"message,omitempty"`
	Error       string  `json:"error,omitempty"`
}

// Client submits frames to the detection service.
type Client struct {
	opts    *options.DetectionOptions
	doer    HTTPDoer
	tracker *failure.Tracker
	clock   clock.WithDelayedExecution
	jitter  func() float64
	log     log.Logger
}

var _ core.Detector = (*Client)(nil)

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(doer HTTPDoer) Option {
	return func(c *Client) { c.doer = doer }
}

// WithClock sets the clock used for attempt timeouts and retry delays.
func WithClock(clk clock.WithDelayedExecution) Option {
	return func(c *Client) { c.clock = clk }
}

// WithLogger sets the logger.
func WithLogger(l log.Logger) Option {
	return func(c *Client) { c.log = l }
}

// NewClient returns a detection client that reports cycle outcomes to tracker.
func NewClient(opts *options.DetectionOptions, tracker *failure.Tracker, fns ...Option) (*Client, error) {
	if errs := opts.Validate(); len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	c := &Client{
		opts:    opts,
		doer:    &http.Client{},
		tracker: tracker,
		clock:   clock.RealClock{},
		jitter:  rand.Float64,
		log:     log.WithName("detection"),
	}
	for _, fn := range fns {
		fn(c)
	}
	return c, nil
}

// Detect runs up to MaxAttempts requests for frame. It resets the vehicle's
// failure count on success and increments it once when every attempt failed,
// returning an *ExhaustedError. If ctx ends first, or the frame is too large
// to upload, the tracker is left alone.
func (c *Client) Detect(ctx context.Context, vehicleID string, frame *model.Frame) model.DetectionResult {
	logger := c.log.WithValues("vehicleID", vehicleID)

	if int64(len(frame.Data)) > c.opts.MaxFrameBytes {
		err := fmt.Errorf("%w: %d > %d bytes", ErrFrameTooLarge, len(frame.Data), c.opts.MaxFrameBytes)
		return model.DetectionResult{Err: err, Failures: c.tracker.Count(vehicleID)}
	}

	var lastErr error
	attempt := 0
	for attempt < c.opts.MaxAttempts {
		if attempt > 0 {
			if err := c.wait(ctx, c.retryDelay()); err != nil {
				return model.DetectionResult{Err: err, Attempts: attempt, Failures: c.tracker.Count(vehicleID)}
			}
		}
		attempt++

		count, err := c.attempt(ctx, vehicleID, frame)
		if err == nil {
			c.tracker.RecordSuccess(vehicleID)
			logger.Debug("Detection succeeded", "faceCount", count, "attempt", attempt)
			return model.DetectionResult{FaceCount: count, Attempts: attempt}
		}
		if ctx.Err() != nil {
			return model.DetectionResult{Err: context.Cause(ctx), Attempts: attempt, Failures: c.tracker.Count(vehicleID)}
		}

		lastErr = err
		logger.Warn("Detection attempt failed", "attempt", attempt, "maxAttempts", c.opts.MaxAttempts, "error", err)
	}

	failures := c.tracker.RecordFailure(vehicleID)
	return model.DetectionResult{
		Err:      &ExhaustedError{Attempts: attempt, Last: lastErr},
		Attempts: attempt,
		Failures: failures,
	}
}

// attempt performs a single request bounded by PerAttemptTimeout.
func (c *Client) attempt(ctx context.Context, vehicleID string, frame *model.Frame) (int, error) {
	attemptCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	timer := c.clock.AfterFunc(c.opts.PerAttemptTimeout, func() { cancel(ErrTimeout) })
	defer timer.Stop()

	start := time.Now()
	count, err := c.send(attemptCtx, vehicleID, frame)
	if err != nil && context.Cause(attemptCtx) == ErrTimeout && ctx.Err() == nil {
		err = ErrTimeout
	}

	outcome := outcomeOf(err)
	metrics.DetectionAttemptsTotal.WithLabelValues(outcome).Inc()
	metrics.DetectionLatency.WithLabelValues(outcome).Observe(time.Since(start).Seconds())

	return count, err
}

func (c *Client) send(ctx context.Context, vehicleID string, frame *model.Frame) (int, error) {
	body, contentType, err := encodeFrame(vehicleID, frame)
	if err != nil {
		return 0, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.opts.Endpoint, body)
	if err != nil {
		return 0, fmt.Errorf("build detection request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")

	resp, err := c.doer.Do(req)
	if err != nil {
		return 0, fmt.Errorf("detection request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return 0, fmt.Errorf("read detection response: %w", err)
	}

	var payload response
	decodeErr := json.Unmarshal(raw, &payload)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := payload.Message
		if msg == "" {
			msg = payload.Error
		}
		return 0, &StatusError{Code: resp.StatusCode, Message: msg}
	}
	if decodeErr != nil {
		return 0, fmt.Errorf("%w: %v", ErrMalformedResponse, decodeErr)
	}
	if payload.FaceCount == nil {
		return 0, fmt.Errorf("%w: face_count missing", ErrMalformedResponse)
	}
	if *payload.FaceCount < 0 {
		return 0, fmt.Errorf("%w: negative face_count %d", ErrMalformedResponse, *payload.FaceCount)
	}

	return *payload.FaceCount, nil
}

func encodeFrame(vehicleID string, frame *model.Frame) (io.Reader, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	part, err := w.CreateFormFile(formField, fmt.Sprintf("bus-%s-frame.jpg", vehicleID))
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(frame.Data); err != nil {
		return nil, "", err
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return &buf, w.FormDataContentType(), nil
}

func (c *Client) retryDelay() time.Duration {
	d := c.opts.RetryDelay
	if c.opts.RetryJitter > 0 {
		d += time.Duration(c.opts.RetryJitter * c.jitter() * float64(d))
	}
	return d
}

// wait blocks for d on the client's clock or until ctx ends.
func (c *Client) wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := c.clock.NewTimer(d)
	defer t.Stop()

	select {
	case <-t.C():
		return nil
	case <-ctx.Done():
		return context.Cause(ctx)
	}
}

func outcomeOf(err error) string {
	var statusErr *StatusError
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.As(err, &statusErr):
		return "status"
	case errors.Is(err, ErrMalformedResponse):
		return "malformed"
	default:
		return "transport"
	}
}
