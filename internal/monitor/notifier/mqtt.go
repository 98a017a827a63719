package notifier

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/autopeer-io/occupeye/internal/monitor/core"
	"github.com/autopeer-io/occupeye/internal/monitor/core/model"
	"github.com/autopeer-io/occupeye/internal/pkg/mqtt/paths"
	"github.com/autopeer-io/occupeye/pkg/log"
	pkgmqtt "github.com/autopeer-io/occupeye/pkg/mqtt"
	"github.com/autopeer-io/occupeye/pkg/mqtt/topic"
)

// MQTTNotifier publishes alert events to {root}/alert/{vehicleID}.
type MQTTNotifier struct {
	client  pkgmqtt.Client
	builder *topic.Builder
	qos     int
}

var _ core.NotificationSink = (*MQTTNotifier)(nil)

func NewMQTTNotifier(client pkgmqtt.Client, builder *topic.Builder, qos int) *MQTTNotifier {
	return &MQTTNotifier{client: client, builder: builder, qos: qos}
}

func (n *MQTTNotifier) Name() string { return "mqtt" }

func (n *MQTTNotifier) Notify(ctx context.Context, event *model.AlertEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return n.client.Publish(ctx, n.builder.Build(paths.Alert, event.VehicleID), n.qos, false, payload)
}

// StatusPublisher mirrors vehicle snapshots to retained {root}/status/{vehicleID}
// messages. Update only records the latest snapshot; Run does the publishing,
// so a slow broker never holds up a capture cycle.
type StatusPublisher struct {
	client  pkgmqtt.Client
	builder *topic.Builder
	qos     int
	timeout time.Duration

	mu      sync.Mutex
	pending map[string]*model.VehicleStatus // nil value: clear the retained message
	wake    chan struct{}
}

var _ core.StatusSink = (*StatusPublisher)(nil)

func NewStatusPublisher(client pkgmqtt.Client, builder *topic.Builder, qos int) *StatusPublisher {
	return &StatusPublisher{
		client:  client,
		builder: builder,
		qos:     qos,
		timeout: 5 * time.Second,
		pending: make(map[string]*model.VehicleStatus),
		wake:    make(chan struct{}, 1),
	}
}

func (p *StatusPublisher) Update(status *model.VehicleStatus) {
	snapshot := *status
	p.set(status.VehicleID, &snapshot)
}

func (p *StatusPublisher) Forget(vehicleID string) {
	p.set(vehicleID, nil)
}

func (p *StatusPublisher) set(vehicleID string, status *model.VehicleStatus) {
	p.mu.Lock()
	p.pending[vehicleID] = status
	p.mu.Unlock()

	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Run publishes pending snapshots until ctx ends.
func (p *StatusPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-p.wake:
			p.flush(ctx)
		}
	}
}

func (p *StatusPublisher) flush(ctx context.Context) {
	p.mu.Lock()
	batch := p.pending
	p.pending = make(map[string]*model.VehicleStatus, len(batch))
	p.mu.Unlock()

	for id, status := range batch {
		var payload []byte
		if status != nil {
			var err error
			if payload, err = json.Marshal(status); err != nil {
				log.Error(err, "Failed to encode vehicle status", "vehicleID", id)
				continue
			}
		}

		pubCtx, cancel := context.WithTimeout(ctx, p.timeout)
		// An empty retained payload deletes the retained message.
		err := p.client.Publish(pubCtx, p.builder.Build(paths.Status, id), p.qos, true, payload)
		cancel()
		if err != nil {
			log.Warn("Failed to publish vehicle status", "vehicleID", id, "error", err)
		}
	}
}
