package options

import (
	"errors"
	"time"

	"github.com/spf13/pflag"
)

var _ IOptions = (*CaptureOptions)(nil)

// CaptureOptions control the per-vehicle sampling loop and alert fan-out.
type CaptureOptions struct {
	Interval time.Duration `json:"interval" mapstructure:"interval"`

	// AlertQueueSize bounds pending notifications. Events beyond it are dropped.
	AlertQueueSize int `json:"alert-queue-size" mapstructure:"alert-queue-size"`
	AlertWorkers   int `json:"alert-workers" mapstructure:"alert-workers"`
}

func NewCaptureOptions() *CaptureOptions {
	return &CaptureOptions{
		Interval:       2 * time.Second,
		AlertQueueSize: 64,
		AlertWorkers:   2,
	}
}

func (o *CaptureOptions) Validate() []error {
	var errs []error
	if o.Interval <= 0 {
		errs = append(errs, errors.New("capture.interval must be positive"))
	}
	if o.AlertQueueSize < 1 {
		errs = append(errs, errors.New("capture.alert-queue-size must be at least 1"))
	}
	if o.AlertWorkers < 1 {
		errs = append(errs, errors.New("capture.alert-workers must be at least 1"))
	}
	return errs
}

func (o *CaptureOptions) AddFlags(fs *pflag.FlagSet, prefixes ...string) {
	fs.DurationVar(&o.Interval, "capture.interval", o.Interval, "Time between capture cycles of one vehicle.")
	fs.IntVar(&o.AlertQueueSize, "capture.alert-queue-size", o.AlertQueueSize, "Pending notification capacity.")
	fs.IntVar(&o.AlertWorkers, "capture.alert-workers", o.AlertWorkers, "Goroutines delivering notifications.")
}
