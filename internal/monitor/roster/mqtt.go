package roster

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/autopeer-io/occupeye/internal/pkg/mqtt/paths"
	"github.com/autopeer-io/occupeye/pkg/log"
	pkgmqtt "github.com/autopeer-io/occupeye/pkg/mqtt"
	"github.com/autopeer-io/occupeye/pkg/mqtt/topic"
)

// MQTT accepts roster events published to {root}/roster/{vehicleID}.
type MQTT struct {
	client  pkgmqtt.Client
	builder *topic.Builder
	qos     int
	rec     *Reconciler
}

func NewMQTT(client pkgmqtt.Client, builder *topic.Builder, qos int, rec *Reconciler) *MQTT {
	return &MQTT{client: client, builder: builder, qos: qos, rec: rec}
}

// Run subscribes to roster events until ctx ends.
func (m *MQTT) Run(ctx context.Context) error {
	filter := m.builder.BuildWildcard(paths.Roster)
	if err := m.client.Subscribe(ctx, filter, m.qos, m.handle); err != nil {
		return fmt.Errorf("subscribe to roster events: %w", err)
	}

	<-ctx.Done()

	unsubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	_ = m.client.Unsubscribe(unsubCtx, filter)
	return nil
}

func (m *MQTT) handle(ctx context.Context, t string, payload []byte) {
	ev, err := m.parse(t, payload)
	if err != nil {
		log.Warn("Discarding roster message", "topic", t, "error", err)
		return
	}
	if err := m.rec.Submit(ctx, ev); err != nil {
		log.Error(err, "Failed to queue roster event", "vehicleID", ev.Vehicle.ID)
	}
}

// parse decodes a roster message. The vehicle id comes from the topic; a
// payload id, if present, must agree with it.
func (m *MQTT) parse(t string, payload []byte) (Event, error) {
	id, ok := m.builder.ParseID(paths.Roster, t)
	if !ok {
		return Event{}, fmt.Errorf("unexpected topic %q", t)
	}

	var ev Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		return Event{}, fmt.Errorf("invalid payload: %w", err)
	}
	if ev.Vehicle.ID == "" {
		ev.Vehicle.ID = id
	}
	if ev.Vehicle.ID != id {
		return Event{}, fmt.Errorf("payload vehicle %q does not match topic vehicle %q", ev.Vehicle.ID, id)
	}
	return ev, ev.Validate()
}
