package options

import (
	"errors"
	"net/url"
	"time"

	"github.com/spf13/pflag"
)

var _ IOptions = (*DetectionOptions)(nil)

// DetectionOptions describe the external detection service and the retry
// policy applied to every capture cycle.
type DetectionOptions struct {
	// Endpoint receives multipart frame uploads and answers with face_count.
	Endpoint string `json:"endpoint" mapstructure:"endpoint"`

	MaxAttempts       int           `json:"max-attempts" mapstructure:"max-attempts"`
	PerAttemptTimeout time.Duration `json:"per-attempt-timeout" mapstructure:"per-attempt-timeout"`
	RetryDelay        time.Duration `json:"retry-delay" mapstructure:"retry-delay"`

	// RetryJitter adds up to RetryJitter*RetryDelay to each delay. Zero keeps the delay fixed.
	RetryJitter float64 `json:"retry-jitter" mapstructure:"retry-jitter"`

	// EscalationThreshold is the number of consecutive exhausted-retry failures
	// after which a vehicle is reported offline.
	EscalationThreshold int `json:"escalation-threshold" mapstructure:"escalation-threshold"`

	// MaxFrameBytes rejects frames larger than this before upload.
	MaxFrameBytes int64 `json:"max-frame-bytes" mapstructure:"max-frame-bytes"`
}

func NewDetectionOptions() *DetectionOptions {
	return &DetectionOptions{
		Endpoint:            "http://localhost:5000/detect_faces",
		MaxAttempts:         3,
		PerAttemptTimeout:   10 * time.Second,
		RetryDelay:          2 * time.Second,
		EscalationThreshold: 3,
		MaxFrameBytes:       5 << 20,
	}
}

func (o *DetectionOptions) Validate() []error {
	if o == nil {
		return nil
	}

	var errs []error
	if u, err := url.Parse(o.Endpoint); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, errors.New("detection.endpoint must be an absolute URL"))
	}
	if o.MaxAttempts < 1 {
		errs = append(errs, errors.New("detection.max-attempts must be at least 1"))
	}
	if o.PerAttemptTimeout <= 0 {
		errs = append(errs, errors.New("detection.per-attempt-timeout must be positive"))
	}
	if o.RetryDelay < 0 {
		errs = append(errs, errors.New("detection.retry-delay must not be negative"))
	}
	if o.RetryJitter < 0 || o.RetryJitter > 1 {
		errs = append(errs, errors.New("detection.retry-jitter must be within [0,1]"))
	}
	if o.EscalationThreshold < 1 {
		errs = append(errs, errors.New("detection.escalation-threshold must be at least 1"))
	}
	if o.MaxFrameBytes <= 0 {
		errs = append(errs, errors.New("detection.max-frame-bytes must be positive"))
	}

	return errs
}

func (o *DetectionOptions) AddFlags(fs *pflag.FlagSet, prefixes ...string) {
	fs.StringVar(&o.Endpoint, "detection.endpoint", o.Endpoint, "URL of the face detection service.")
	fs.IntVar(&o.MaxAttempts, "detection.max-attempts", o.MaxAttempts, "Attempts per capture cycle before the cycle counts as failed.")
	fs.DurationVar(&o.PerAttemptTimeout, "detection.per-attempt-timeout", o.PerAttemptTimeout, "Timeout of a single detection request.")
	fs.DurationVar(&o.RetryDelay, "detection.retry-delay", o.RetryDelay, "Delay between detection attempts.")
	fs.Float64Var(&o.RetryJitter, "detection.retry-jitter", o.RetryJitter, "Random fraction of retry-delay added to each delay (0 disables).")
	fs.IntVar(&o.EscalationThreshold, "detection.escalation-threshold", o.EscalationThreshold, "Consecutive failed cycles before a vehicle is marked offline.")
	fs.Int64Var(&o.MaxFrameBytes, "detection.max-frame-bytes", o.MaxFrameBytes, "Largest frame accepted for upload.")
}
