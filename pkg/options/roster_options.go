package options

import (
	"errors"

	"github.com/spf13/pflag"
)

var _ IOptions = (*RosterOptions)(nil)

// RosterOptions locate the vehicle roster.
type RosterOptions struct {
	// File is a yaml/json roster watched for changes.
	File string `json:"file" mapstructure:"file"`

	// Watch reloads File when it changes on disk.
	Watch bool `json:"watch" mapstructure:"watch"`

	// MQTT subscribes to {topic-root}/roster/+ for activation events.
	MQTT bool `json:"mqtt" mapstructure:"mqtt"`
}

func NewRosterOptions() *RosterOptions {
	return &RosterOptions{
		File:  "roster.yaml",
		Watch: true,
	}
}

func (o *RosterOptions) Validate() []error {
	if o.File == "" && !o.MQTT {
		return []error{errors.New("either roster.file or roster.mqtt must be set")}
	}
	return nil
}

func (o *RosterOptions) AddFlags(fs *pflag.FlagSet, prefixes ...string) {
	fs.StringVar(&o.File, "roster.file", o.File, "Path of the vehicle roster file.")
	fs.BoolVar(&o.Watch, "roster.watch", o.Watch, "Reload the roster file when it changes.")
	fs.BoolVar(&o.MQTT, "roster.mqtt", o.MQTT, "Accept roster events over MQTT (requires --mqtt.enabled).")
}
