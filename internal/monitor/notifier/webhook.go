package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/autopeer-io/occupeye/internal/monitor/core"
	"github.com/autopeer-io/occupeye/internal/monitor/core/model"
	"github.com/autopeer-io/occupeye/pkg/log"
	"github.com/autopeer-io/occupeye/pkg/options"
)

// webhookRequest is the body expected by the overcrowding alert endpoint.
type webhookRequest struct {
	BusID     string `json:"busId"`
	FaceCount int    `json:"faceCount"`
}

// webhookResponse is what the endpoint answers with.
type webhookResponse struct {
	Status          string `json:"status"`
	EmailSent       bool   `json:"email_sent"`
	ArduinoResponse string `json:"arduino_response"`
	Threshold       int    `json:"threshold"`
	Message         string `json:"message"`
}

// Webhook posts overcrowding alerts to an HTTP endpoint.
type Webhook struct {
	url    string
	client *http.Client
}

var _ core.NotificationSink = (*Webhook)(nil)

func NewWebhook(opts *options.NotifyOptions) *Webhook {
	return &Webhook{
		url:    opts.URL,
		client: &http.Client{Timeout: opts.Timeout},
	}
}

func (w *Webhook) Name() string { return "webhook" }

// Notify posts {busId, faceCount}. Any 2xx answer counts as delivered.
func (w *Webhook) Notify(ctx context.Context, event *model.AlertEvent) error {
	body, err := json.Marshal(webhookRequest{BusID: event.VehicleID, FaceCount: event.FaceCount})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request: %w", err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var answer webhookResponse
	_ = json.Unmarshal(raw, &answer)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		if answer.Message != "" {
			return fmt.Errorf("webhook returned %s: %s", resp.Status, answer.Message)
		}
		return fmt.Errorf("webhook returned %s", resp.Status)
	}

	log.Info("Overcrowding alert delivered", "vehicleID", event.VehicleID, "faceCount", event.FaceCount,
		"status", answer.Status, "emailSent", answer.EmailSent, "arduino", answer.ArduinoResponse)
	return nil
}
