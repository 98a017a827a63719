package framesource

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/autopeer-io/occupeye/internal/monitor/core"
	"github.com/autopeer-io/occupeye/internal/monitor/core/model"
	"github.com/autopeer-io/occupeye/pkg/log"
)

// maxSnapshotBytes bounds a downloaded snapshot. Oversized frames are
// rejected later by the detection client, so this only guards memory.
const maxSnapshotBytes = 32 << 20

// HTTPSource fetches JPEG snapshots from cameras that expose them over HTTP.
type HTTPSource struct {
	template string
	client   *http.Client
}

func NewHTTPSource(template string, timeout time.Duration) *HTTPSource {
	return &HTTPSource{
		template: template,
		client:   &http.Client{Timeout: timeout},
	}
}

// NextFrame downloads the snapshot of vehicleID. 404 and 204 mean no frame yet.
func (s *HTTPSource) NextFrame(ctx context.Context, vehicleID string) (*model.Frame, error) {
	target := strings.ReplaceAll(s.template, "{id}", url.PathEscape(vehicleID))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "image/jpeg")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch snapshot: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusNoContent:
		return nil, core.ErrNoFrame
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("fetch snapshot: %s", resp.Status)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxSnapshotBytes))
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	if len(data) == 0 {
		return nil, core.ErrNoFrame
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "image/jpeg"
	}
	log.FromContext(ctx).Debug("Fetched snapshot", "bytes", len(data), "contentType", contentType)
	return &model.Frame{VehicleID: vehicleID, Data: data, ContentType: contentType, CapturedAt: time.Now()}, nil
}

func (s *HTTPSource) Close() error {
	s.client.CloseIdleConnections()
	return nil
}
