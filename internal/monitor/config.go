package monitor

import (
	"fmt"
	"os"

	"github.com/autopeer-io/occupeye/internal/monitor/alert"
	"github.com/autopeer-io/occupeye/internal/monitor/core/model"
	"github.com/autopeer-io/occupeye/internal/monitor/detection"
	"github.com/autopeer-io/occupeye/internal/monitor/failure"
	"github.com/autopeer-io/occupeye/internal/monitor/framesource"
	"github.com/autopeer-io/occupeye/internal/monitor/notifier"
	"github.com/autopeer-io/occupeye/internal/monitor/roster"
	"github.com/autopeer-io/occupeye/internal/monitor/scheduler"
	"github.com/autopeer-io/occupeye/internal/monitor/server"
	grpcserver "github.com/autopeer-io/occupeye/internal/monitor/server/grpc"
	httpserver "github.com/autopeer-io/occupeye/internal/monitor/server/http"
	"github.com/autopeer-io/occupeye/internal/monitor/server/ws"
	"github.com/autopeer-io/occupeye/internal/monitor/status"
	"github.com/autopeer-io/occupeye/internal/monitor/storage"
	"github.com/autopeer-io/occupeye/internal/pkg/mqtt/paths"
	"github.com/autopeer-io/occupeye/pkg/log"
	"github.com/autopeer-io/occupeye/pkg/mqtt"
	mqtttopic "github.com/autopeer-io/occupeye/pkg/mqtt/topic"
	"github.com/autopeer-io/occupeye/pkg/options"
)

type Config struct {
	CaptureOptions   *options.CaptureOptions
	DetectionOptions *options.DetectionOptions
	FrameOptions     *options.FrameOptions
	RosterOptions    *options.RosterOptions
	NotifyOptions    *options.NotifyOptions
	RelayOptions     *options.RelayOptions
	HttpOptions      *options.HttpOptions
	GrpcOptions      *options.GrpcOptions
	MqttOptions      *options.MqttOptions
	S3Options        *options.S3Options
}

// NewMonitor assembles the pipeline. Nothing touches the network until Run.
func (cfg *Config) NewMonitor() (*Monitor, error) {
	m := &Monitor{cfg: cfg}

	// 1. Status board and failure bookkeeping
	m.board = status.NewBoard()
	tracker := failure.NewTracker()

	// 2. Frame supply and detection
	frames, err := framesource.New(cfg.FrameOptions)
	if err != nil {
		return nil, fmt.Errorf("failed to init frame source: %w", err)
	}
	m.frames = frames

	detector, err := detection.NewClient(cfg.DetectionOptions, tracker, detection.WithLogger(log.WithName("detection")))
	if err != nil {
		return nil, fmt.Errorf("failed to init detection client: %w", err)
	}

	// 3. Alert fan-out
	m.dispatcher, err = alert.NewDispatcher(alert.Config{
		QueueSize: cfg.CaptureOptions.AlertQueueSize,
		Workers:   cfg.CaptureOptions.AlertWorkers,
		Timeout:   cfg.NotifyOptions.Timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to init alert dispatcher: %w", err)
	}
	m.dispatcher.AddStatusSink(m.board)

	if cfg.NotifyOptions.URL != "" {
		m.dispatcher.AddNotifier(notifier.NewWebhook(cfg.NotifyOptions), model.AlertOvercrowding)
	}

	if cfg.RelayOptions.Enabled {
		m.relay, err = notifier.NewRelay(cfg.RelayOptions, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to init relay: %w", err)
		}
		m.dispatcher.AddNotifier(m.relay, model.AlertOvercrowding)
	}

	if cfg.S3Options.Enabled {
		m.storage, err = storage.NewMinIOProvider(cfg.S3Options)
		if err != nil {
			return nil, fmt.Errorf("failed to init evidence storage: %w", err)
		}
		m.dispatcher.AddNotifier(notifier.NewEvidence(m.storage, cfg.S3Options.URLExpiry), model.AlertOvercrowding)
	}

	if cfg.MqttOptions.Enabled {
		m.topics = mqtttopic.NewBuilder(cfg.MqttOptions.TopicRoot)
		m.mqtt, m.presenceTopic, err = cfg.initMqttClient(m.topics)
		if err != nil {
			return nil, fmt.Errorf("failed to init mqtt client: %w", err)
		}
		m.dispatcher.AddNotifier(notifier.NewMQTTNotifier(m.mqtt, m.topics, cfg.MqttOptions.QoS))
		m.statusPublisher = notifier.NewStatusPublisher(m.mqtt, m.topics, cfg.MqttOptions.QoS)
		m.dispatcher.AddStatusSink(m.statusPublisher)
	}

	// 4. Dashboards
	m.hub = ws.NewHub(m.board)
	m.dispatcher.AddStatusSink(m.hub)

	servers := []server.Server{
		httpserver.NewServer(cfg.HttpOptions, m.board, m.hub, m.Ready),
	}
	if cfg.GrpcOptions.Enabled {
		m.grpc = grpcserver.NewServer(cfg.GrpcOptions)
		m.dispatcher.AddStatusSink(m.grpc)
		servers = append(servers, m.grpc)
	}
	m.servers = server.NewManager(servers...)

	// 5. Sampling
	m.scheduler, err = scheduler.New(scheduler.Config{
		Interval:            cfg.CaptureOptions.Interval,
		EscalationThreshold: cfg.DetectionOptions.EscalationThreshold,
	}, frames, detector, tracker, m.dispatcher)
	if err != nil {
		return nil, fmt.Errorf("failed to init scheduler: %w", err)
	}

	// 6. Roster sources
	m.reconciler = roster.NewReconciler(m.scheduler)
	if cfg.RosterOptions.File != "" {
		m.rosterFile = roster.NewFile(cfg.RosterOptions.File, cfg.RosterOptions.Watch, m.reconciler)
	}
	if cfg.RosterOptions.MQTT {
		if m.mqtt == nil {
			return nil, fmt.Errorf("roster over mqtt requires --mqtt.enabled")
		}
		m.rosterMQTT = roster.NewMQTT(m.mqtt, m.topics, cfg.MqttOptions.QoS, m.reconciler)
	}

	return m, nil
}

// initMqttClient returns the client and the retained presence topic it owns.
func (cfg *Config) initMqttClient(topics *mqtttopic.Builder) (mqtt.Client, string, error) {
	mqttConfig := cfg.MqttOptions.ToClientConfig()
	if mqttConfig.ClientID == "" {
		hostname, _ := os.Hostname()
		mqttConfig.ClientID = fmt.Sprintf("occupeye-monitor-%s", hostname)
	}

	mqttConfig.WillTopic = topics.Build(paths.Online, mqttConfig.ClientID)
	mqttConfig.WillPayload = []byte(presenceOffline)
	mqttConfig.WillQoS = byte(cfg.MqttOptions.QoS)
	mqttConfig.WillRetain = true

	client, err := mqtt.NewClient(mqttConfig)
	if err != nil {
		return nil, "", err
	}
	return client, mqttConfig.WillTopic, nil
}
