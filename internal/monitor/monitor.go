// Package monitor wires the capture pipeline: roster, scheduler, detection,
// status board, alert fan-out and the dashboard servers.
package monitor

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/autopeer-io/occupeye/internal/monitor/alert"
	"github.com/autopeer-io/occupeye/internal/monitor/framesource"
	"github.com/autopeer-io/occupeye/internal/monitor/notifier"
	"github.com/autopeer-io/occupeye/internal/monitor/roster"
	"github.com/autopeer-io/occupeye/internal/monitor/scheduler"
	"github.com/autopeer-io/occupeye/internal/monitor/server"
	grpcserver "github.com/autopeer-io/occupeye/internal/monitor/server/grpc"
	"github.com/autopeer-io/occupeye/internal/monitor/server/ws"
	"github.com/autopeer-io/occupeye/internal/monitor/status"
	"github.com/autopeer-io/occupeye/internal/monitor/storage"
	"github.com/autopeer-io/occupeye/internal/pkg/metrics"
	"github.com/autopeer-io/occupeye/pkg/log"
	"github.com/autopeer-io/occupeye/pkg/mqtt"
	mqtttopic "github.com/autopeer-io/occupeye/pkg/mqtt/topic"
)

const (
	presenceOnline  = "online"
	presenceOffline = "offline"

	brokerCheckPeriod = 5 * time.Second
	startupTimeout    = 10 * time.Second
)

var (
	errNotStarted   = errors.New("monitor not started")
	errBrokerAbsent = errors.New("mqtt broker not connected")
)

type Monitor struct {
	cfg *Config

	board      *status.Board
	frames     framesource.Source
	dispatcher *alert.Dispatcher
	scheduler  *scheduler.Scheduler
	reconciler *roster.Reconciler
	rosterFile *roster.File
	rosterMQTT *roster.MQTT

	hub     *ws.Hub
	grpc    *grpcserver.Server
	servers *server.Manager

	relay   *notifier.Relay
	storage storage.Provider

	mqtt            mqtt.Client
	topics          *mqtttopic.Builder
	presenceTopic   string
	statusPublisher *notifier.StatusPublisher

	started atomic.Bool
}

// Board exposes the status board for queries.
func (m *Monitor) Board() *status.Board {
	return m.board
}

// Scheduler exposes the capture scheduler.
func (m *Monitor) Scheduler() *scheduler.Scheduler {
	return m.scheduler
}

// Ready reports why the monitor cannot serve yet, or nil.
func (m *Monitor) Ready() error {
	if !m.started.Load() {
		return errNotStarted
	}
	if m.mqtt != nil && !m.mqtt.IsConnected() {
		return errBrokerAbsent
	}
	return nil
}

// Run starts every component and blocks until ctx ends or one of them fails.
func (m *Monitor) Run(ctx context.Context) error {
	log.Info("Starting occupeye monitor",
		"interval", m.cfg.CaptureOptions.Interval,
		"frameSource", m.cfg.FrameOptions.Source,
		"detection", m.cfg.DetectionOptions.Endpoint,
	)

	if err := m.prepare(ctx); err != nil {
		return err
	}
	defer m.release()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return m.dispatcher.Run(ctx) })
	g.Go(func() error { return m.hub.Run(ctx) })
	g.Go(func() error { return m.servers.Start(ctx) })
	g.Go(func() error { return m.scheduler.Run(ctx) })
	g.Go(func() error { return m.reconciler.Run(ctx) })

	if m.statusPublisher != nil {
		g.Go(func() error { return m.statusPublisher.Run(ctx) })
	}
	if m.mqtt != nil {
		g.Go(func() error {
			m.watchBroker(ctx)
			return nil
		})
	}
	if m.rosterFile != nil {
		g.Go(func() error { return m.rosterFile.Run(ctx) })
	}
	if m.rosterMQTT != nil {
		g.Go(func() error { return m.rosterMQTT.Run(ctx) })
	}

	m.started.Store(true)
	err := g.Wait()
	m.started.Store(false)

	log.Info("Monitor stopped")
	return err
}

// prepare checks the optional outputs before any vehicle is sampled.
// Failures of the relay are tolerated; the sink retries the handshake on use.
func (m *Monitor) prepare(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, startupTimeout)
	defer cancel()

	if m.storage != nil {
		if err := m.storage.CheckBucket(ctx); err != nil {
			return err
		}
	}

	if m.relay != nil {
		if err := m.relay.Ping(ctx); err != nil {
			log.Warn("Relay controller not answering", "port", m.cfg.RelayOptions.Port, "error", err)
		} else {
			log.Info("Relay controller ready", "port", m.cfg.RelayOptions.Port)
		}
	}

	if m.mqtt != nil {
		// Start does not block; connection state is followed by watchBroker.
		if err := m.mqtt.Start(context.WithoutCancel(ctx)); err != nil {
			return err
		}
	}

	return nil
}

func (m *Monitor) release() {
	ctx, cancel := context.WithTimeout(context.Background(), startupTimeout)
	defer cancel()

	if m.mqtt != nil {
		if err := m.mqtt.Publish(ctx, m.presenceTopic, m.cfg.MqttOptions.QoS, true, []byte(presenceOffline)); err != nil {
			log.Warn("Failed to publish presence", "topic", m.presenceTopic, "error", err)
		}
		m.mqtt.Disconnect(ctx)
		metrics.BrokerConnectivityStatus.Set(0)
	}
	if m.relay != nil {
		if err := m.relay.Close(); err != nil {
			log.Warn("Failed to close relay port", "error", err)
		}
	}
	if err := m.frames.Close(); err != nil {
		log.Warn("Failed to close frame source", "error", err)
	}
}

// watchBroker mirrors the broker connection into the connectivity gauge and
// announces presence on every (re)connect.
func (m *Monitor) watchBroker(ctx context.Context) {
	ticker := time.NewTicker(brokerCheckPeriod)
	defer ticker.Stop()

	wasConnected := false
	for {
		connected := m.mqtt.IsConnected()
		if connected {
			metrics.BrokerConnectivityStatus.Set(1)
		} else {
			metrics.BrokerConnectivityStatus.Set(0)
		}

		if connected && !wasConnected {
			if err := m.mqtt.Publish(ctx, m.presenceTopic, m.cfg.MqttOptions.QoS, true, []byte(presenceOnline)); err != nil {
				log.Warn("Failed to publish presence", "topic", m.presenceTopic, "error", err)
				connected = false
			}
		}
		wasConnected = connected

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
