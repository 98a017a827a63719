package app

import (
	"fmt"

	genericapiserver "k8s.io/apiserver/pkg/server"

	"github.com/autopeer-io/occupeye/cmd/occupeye-monitor/app/options"
	"github.com/autopeer-io/occupeye/pkg/app"
	"github.com/autopeer-io/occupeye/pkg/log"
)

const (
	commandName = "occupeye-monitor"
	commandDesc = `The occupeye monitor samples a camera frame of every active vehicle at a
fixed interval, counts the faces in it through the detection service and
classifies the vehicle as normal, overcrowded or offline.

Status changes are served over HTTP, websocket and gRPC health checks, and
overcrowding or outage alerts are pushed to the configured webhook, MQTT
broker, evidence bucket and relay controller.`
)

func NewApp() *app.App {
	opts := options.NewMonitorOptions()
	application := app.NewApp(
		commandName,
		"Launch the vehicle overcrowding monitor",
		app.WithDescription(commandDesc),
		app.WithOptions(opts),
		app.WithDefaultValidArgs(),
		app.WithRunFunc(run(opts)),
		app.WithCommands(newVehiclesCommand()),
	)
	return application
}

func run(opts *options.MonitorOptions) app.RunFunc {
	return func() error {
		log.Init(opts.Log)
		defer func() { _ = log.Sync() }()

		ctx := genericapiserver.SetupSignalContext()

		cfg, err := opts.Config()
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}

		m, err := cfg.NewMonitor()
		if err != nil {
			return fmt.Errorf("failed to create monitor: %w", err)
		}

		return m.Run(ctx)
	}
}
