package notifier

import (
	"context"
	"fmt"
	"time"

	"github.com/autopeer-io/occupeye/internal/monitor/core"
	"github.com/autopeer-io/occupeye/internal/monitor/core/model"
	"github.com/autopeer-io/occupeye/internal/monitor/storage"
	"github.com/autopeer-io/occupeye/pkg/log"
)

// Evidence archives the frame behind an overcrowding alert.
type Evidence struct {
	provider storage.Provider
	expiry   time.Duration
}

var _ core.NotificationSink = (*Evidence)(nil)

func NewEvidence(provider storage.Provider, expiry time.Duration) *Evidence {
	return &Evidence{provider: provider, expiry: expiry}
}

func (e *Evidence) Name() string { return "evidence" }

func (e *Evidence) Notify(ctx context.Context, event *model.AlertEvent) error {
	if event.Frame == nil || len(event.Frame.Data) == 0 {
		return nil
	}

	key := ObjectKey(event)
	contentType := event.Frame.ContentType
	if contentType == "" {
		contentType = "image/jpeg"
	}
	if err := e.provider.Put(ctx, key, event.Frame.Data, contentType); err != nil {
		return err
	}

	url, err := e.provider.GeneratePresignedURL(ctx, key, e.expiry)
	if err != nil {
		// The upload itself succeeded.
		log.Warn("Evidence stored without a download link", "object", key, "error", err)
		return nil
	}
	log.Info("Evidence stored", "vehicleID", event.VehicleID, "alertID", event.ID, "url", url)
	return nil
}

// ObjectKey is {vehicleID}/{yyyy-mm-dd}/{alertID}.jpg.
func ObjectKey(event *model.AlertEvent) string {
	return fmt.Sprintf("%s/%s/%s.jpg", event.VehicleID, event.Timestamp.UTC().Format(time.DateOnly), event.ID)
}
