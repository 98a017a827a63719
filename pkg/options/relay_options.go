package options

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/pflag"
)

var _ IOptions = (*RelayOptions)(nil)

// RelayOptions configure the serial relay controller that cuts the engine
// interlock on severe overcrowding.
type RelayOptions struct {
	Enabled     bool          `json:"enabled" mapstructure:"enabled"`
	Port        string        `json:"port" mapstructure:"port"`
	BaudRate    int           `json:"baud-rate" mapstructure:"baud-rate"`
	ReadTimeout time.Duration `json:"read-timeout" mapstructure:"read-timeout"`
	SettleDelay time.Duration `json:"settle-delay" mapstructure:"settle-delay"`

	// MinSeverity is the lowest overcrowding severity that triggers SHUTDOWN.
	MinSeverity string `json:"min-severity" mapstructure:"min-severity"`
}

func NewRelayOptions() *RelayOptions {
	return &RelayOptions{
		Port:        "/dev/ttyUSB0",
		BaudRate:    9600,
		ReadTimeout: 2 * time.Second,
		SettleDelay: 2 * time.Second,
		MinSeverity: "critical",
	}
}

func (o *RelayOptions) Validate() []error {
	if !o.Enabled {
		return nil
	}
	var errs []error
	if o.Port == "" {
		errs = append(errs, errors.New("relay.port is required when the relay is enabled"))
	}
	if o.BaudRate <= 0 {
		errs = append(errs, errors.New("relay.baud-rate must be positive"))
	}
	switch o.MinSeverity {
	case "moderate", "high", "critical":
	default:
		errs = append(errs, fmt.Errorf("relay.min-severity %q must be moderate, high or critical", o.MinSeverity))
	}
	return errs
}

func (o *RelayOptions) AddFlags(fs *pflag.FlagSet, prefixes ...string) {
	fs.BoolVar(&o.Enabled, "relay.enabled", o.Enabled, "Send SHUTDOWN to the serial relay controller on severe overcrowding.")
	fs.StringVar(&o.Port, "relay.port", o.Port, "Serial port of the relay controller.")
	fs.IntVar(&o.BaudRate, "relay.baud-rate", o.BaudRate, "Serial baud rate.")
	fs.DurationVar(&o.ReadTimeout, "relay.read-timeout", o.ReadTimeout, "Timeout waiting for a controller reply.")
	fs.DurationVar(&o.SettleDelay, "relay.settle-delay", o.SettleDelay, "Wait after opening the port while the controller resets.")
	fs.StringVar(&o.MinSeverity, "relay.min-severity", o.MinSeverity, "Lowest severity that triggers SHUTDOWN (moderate, high, critical).")
}
