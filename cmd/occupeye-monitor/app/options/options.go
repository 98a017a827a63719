package options

import (
	"fmt"

	utilerrors "k8s.io/apimachinery/pkg/util/errors"
	cliflag "k8s.io/component-base/cli/flag"

	"github.com/autopeer-io/occupeye/internal/monitor"
	"github.com/autopeer-io/occupeye/pkg/app"
	"github.com/autopeer-io/occupeye/pkg/log"
	"github.com/autopeer-io/occupeye/pkg/options"
)

type MonitorOptions struct {
	CaptureOptions   *options.CaptureOptions   `json:"capture" mapstructure:"capture"`
	DetectionOptions *options.DetectionOptions `json:"detection" mapstructure:"detection"`
	FrameOptions     *options.FrameOptions     `json:"frame" mapstructure:"frame"`
	RosterOptions    *options.RosterOptions    `json:"roster" mapstructure:"roster"`
	NotifyOptions    *options.NotifyOptions    `json:"notify" mapstructure:"notify"`
	RelayOptions     *options.RelayOptions     `json:"relay" mapstructure:"relay"`
	HttpOptions      *options.HttpOptions      `json:"http" mapstructure:"http"`
	GrpcOptions      *options.GrpcOptions      `json:"grpc" mapstructure:"grpc"`
	MqttOptions      *options.MqttOptions      `json:"mqtt" mapstructure:"mqtt"`
	S3Options        *options.S3Options        `json:"s3" mapstructure:"s3"`
	Log              *log.Options              `json:"log" mapstructure:"log"`
}

var _ app.NamedFlagSetOptions = (*MonitorOptions)(nil)

func NewMonitorOptions() *MonitorOptions {
	o := &MonitorOptions{
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
		Log:              log.NewOptions(),
	}

	return o
}

func (o *MonitorOptions) Flags() cliflag.NamedFlagSets {
	fss := cliflag.NamedFlagSets{}
	o.CaptureOptions.AddFlags(fss.FlagSet("capture"))
	o.DetectionOptions.AddFlags(fss.FlagSet("detection"))
	o.FrameOptions.AddFlags(fss.FlagSet("frame"))
	o.RosterOptions.AddFlags(fss.FlagSet("roster"))
	o.NotifyOptions.AddFlags(fss.FlagSet("notify"))
	o.RelayOptions.AddFlags(fss.FlagSet("relay"))
	o.HttpOptions.AddFlags(fss.FlagSet("http"))
	o.GrpcOptions.AddFlags(fss.FlagSet("grpc"))
	o.MqttOptions.AddFlags(fss.FlagSet("mqtt"))
	o.S3Options.AddFlags(fss.FlagSet("s3"))
	o.Log.AddFlags(fss.FlagSet("log"))
	return fss
}

func (o *MonitorOptions) Complete() error {
	if o.Log.Name == "" {
		o.Log.Name = "monitor"
	}
	return nil
}

func (o *MonitorOptions) Validate() error {
	errs := []error{}
	errs = append(errs, o.CaptureOptions.Validate()...)
	errs = append(errs, o.DetectionOptions.Validate()...)
	errs = append(errs, o.FrameOptions.Validate()...)
	errs = append(errs, o.RosterOptions.Validate()...)
	errs = append(errs, o.NotifyOptions.Validate()...)
	errs = append(errs, o.RelayOptions.Validate()...)
	errs = append(errs, o.HttpOptions.Validate()...)
	errs = append(errs, o.GrpcOptions.Validate()...)
	errs = append(errs, o.MqttOptions.Validate()...)
	errs = append(errs, o.S3Options.Validate()...)
	errs = append(errs, o.Log.Validate()...)

	if o.RosterOptions.MQTT && !o.MqttOptions.Enabled {
		errs = append(errs, fmt.Errorf("roster.mqtt requires mqtt.enabled"))
	}

	return utilerrors.NewAggregate(errs)
}

func (o *MonitorOptions) Config() (*monitor.Config, error) {
	return &monitor.Config{
		CaptureOptions:   o.CaptureOptions,
		DetectionOptions: o.DetectionOptions,
		FrameOptions:     o.FrameOptions,
		RosterOptions:    o.RosterOptions,
		NotifyOptions:    o.NotifyOptions,
		RelayOptions:     o.RelayOptions,
		HttpOptions:      o.HttpOptions,
		GrpcOptions:      o.GrpcOptions,
		MqttOptions:      o.MqttOptions,
		S3Options:        o.S3Options,
	}, nil
}
