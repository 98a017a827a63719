//go:build gocv

package framesource

import (
	"bytes"
	"context"
	"fmt"
	"strconv"
	"time"

	"gocv.io/x/gocv"

	"github.com/autopeer-io/occupeye/internal/monitor/core"
	"github.com/autopeer-io/occupeye/internal/monitor/core/model"
	"github.com/autopeer-io/occupeye/pkg/log"
)

// CameraSource grabs frames from local capture devices or network streams with OpenCV.
type CameraSource struct {
	devices map[string]string
	quality int
	pool    *devicePool
}

// NewCameraSource maps vehicle ids to device indexes or stream URLs.
// Devices are opened on first use.
func NewCameraSource(devices map[string]string, quality int) (Source, error) {
	s := &CameraSource{
		devices: devices,
		quality: quality,
	}
	s.pool = newDevicePool(s.open)
	return s, nil
}

func (s *CameraSource) NextFrame(ctx context.Context, vehicleID string) (*model.Frame, error) {
	data, err := s.pool.frame(ctx, vehicleID)
	if err != nil {
		return nil, err
	}
	return &model.Frame{
		VehicleID:   vehicleID,
		Data:        data,
		ContentType: "image/jpeg",
		CapturedAt:  time.Now(),
	}, nil
}

func (s *CameraSource) open(ctx context.Context, vehicleID string) (grabber, error) {
	device, ok := s.devices[vehicleID]
	if !ok {
		return nil, fmt.Errorf("no camera configured for vehicle %s", vehicleID)
	}

	var (
		c   *gocv.VideoCapture
		err error
	)
	if index, convErr := strconv.Atoi(device); convErr == nil {
		c, err = gocv.OpenVideoCapture(index)
	} else {
		c, err = gocv.OpenVideoCapture(device)
	}
	if err != nil {
		return nil, fmt.Errorf("open camera %q: %w", device, err)
	}
	// Only the newest frame matters.
	c.Set(gocv.VideoCaptureBufferSize, 1)

	log.FromContext(ctx).Info("Opened camera", "device", device)
	return &camera{capture: c, quality: s.quality}, nil
}

func (s *CameraSource) Close() error {
	return s.pool.Close()
}

type camera struct {
	capture *gocv.VideoCapture
	quality int
}

func (c *camera) Grab() ([]byte, error) {
	img := gocv.NewMat()
	defer img.Close()

	if ok := c.capture.Read(&img); !ok {
		return nil, errStreamDropped
	}
	if img.Empty() {
		return nil, core.ErrNoFrame
	}

	buf, err := gocv.IMEncodeWithParams(gocv.JPEGFileExt, img, []int{gocv.IMWriteJpegQuality, c.quality})
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	defer buf.Close()

	return bytes.Clone(buf.GetBytes()), nil
}

func (c *camera) Close() error {
	return c.capture.Close()
}
