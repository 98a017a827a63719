package options

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
)

var _ IOptions = (*FrameOptions)(nil)

const (
	FrameSourceHTTP   = "http"
	FrameSourceDir    = "dir"
	FrameSourceCamera = "camera"
)

// FrameOptions select where frames come from.
type FrameOptions struct {
	// Source is one of http, dir or camera.
	Source string `json:"source" mapstructure:"source"`

	// URLTemplate is used by the http source; "{id}" is replaced by the vehicle id.
	URLTemplate string        `json:"url-template" mapstructure:"url-template"`
	Timeout     time.Duration `json:"timeout" mapstructure:"timeout"`

	// Dir is used by the dir source; frames are read from Dir/{id}/.
	Dir string `json:"dir" mapstructure:"dir"`

	// Cameras maps vehicle ids to capture devices for the camera source.
	// A value is a device index ("0") or a stream URL.
	Cameras map[string]string `json:"cameras" mapstructure:"cameras"`

	// JPEGQuality is used when frames are encoded locally.
	JPEGQuality int `json:"jpeg-quality" mapstructure:"jpeg-quality"`
}

func NewFrameOptions() *FrameOptions {
	return &FrameOptions{
		Source:      FrameSourceDir,
		URLTemplate: "http://localhost:8000/cameras/{id}/snapshot.jpg",
		Timeout:     5 * time.Second,
		Dir:         "./frames",
		Cameras:     map[string]string{},
		JPEGQuality: 80,
	}
}

func (o *FrameOptions) Validate() []error {
	var errs []error
	switch o.Source {
	case FrameSourceHTTP:
		if !strings.Contains(o.URLTemplate, "{id}") {
			errs = append(errs, fmt.Errorf("frame.url-template %q must contain {id}", o.URLTemplate))
		}
	case FrameSourceDir:
		if o.Dir == "" {
			errs = append(errs, fmt.Errorf("frame.dir is required for the dir source"))
		}
	case FrameSourceCamera:
	default:
		errs = append(errs, fmt.Errorf("unknown frame.source %q", o.Source))
	}
	if o.JPEGQuality < 1 || o.JPEGQuality > 100 {
		errs = append(errs, fmt.Errorf("frame.jpeg-quality must be within [1,100]"))
	}
	return errs
}

func (o *FrameOptions) AddFlags(fs *pflag.FlagSet, prefixes ...string) {
	fs.StringVar(&o.Source, "frame.source", o.Source, "Frame source: http, dir or camera.")
	fs.StringVar(&o.URLTemplate, "frame.url-template", o.URLTemplate, "Snapshot URL for the http source; {id} is the vehicle id.")
	fs.DurationVar(&o.Timeout, "frame.timeout", o.Timeout, "Timeout of a snapshot fetch.")
	fs.StringVar(&o.Dir, "frame.dir", o.Dir, "Root directory for the dir source.")
	fs.StringToStringVar(&o.Cameras, "frame.cameras", o.Cameras, "Vehicle to capture device mapping for the camera source (id=device).")
	fs.IntVar(&o.JPEGQuality, "frame.jpeg-quality", o.JPEGQuality, "JPEG quality for locally encoded frames.")
}
