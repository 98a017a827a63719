package mqtt_test

import (
	"context"
	"fmt"
	"time"

	"github.com/autopeer-io/occupeye/pkg/log"
	"github.com/autopeer-io/occupeye/pkg/mqtt"
	"github.com/autopeer-io/occupeye/pkg/mqtt/topic"
)

// ExampleClient shows how a monitor publishes an alert and listens for roster events.
func ExampleClient() {
	cfg := &mqtt.ClientConfig{
		BrokerURL:      "tcp://localhost:1883",
		ClientID:       "occupeye-monitor-example",
		KeepAlive:      60,
		ConnectTimeout: 5 * time.Second,
		CleanStart:     true,
	}

	client, err := mqtt.NewClient(cfg)
	if err != nil {
		log.Error(err, "Failed to create MQTT client")
		return
	}

	// Start returns immediately; the connection is maintained in the background.
	ctx := context.Background()
	if err := client.Start(ctx); err != nil {
		log.Error(err, "Failed to start MQTT client")
		return
	}
	defer client.Disconnect(ctx)

	topics := topic.NewBuilder("occupeye/v1")

	onRoster := func(ctx context.Context, t string, payload []byte) {
		fmt.Printf("roster event on %s: %s\n", t, payload)
	}
	if err := client.Subscribe(ctx, topics.BuildWildcard("roster"), 1, onRoster); err != nil {
		log.Error(err, "Failed to subscribe")
	}

	if err := client.AwaitConnection(ctx); err != nil {
		log.Error(err, "Connection timed out")
		return
	}

	payload := []byte(`{"vehicleId":"bus-1","kind":"overcrowding","severity":"high","faceCount":7}`)
	if err := client.Publish(ctx, topics.Build("alert", "bus-1"), 1, false, payload); err != nil {
		log.Error(err, "Failed to publish alert")
	}
}
