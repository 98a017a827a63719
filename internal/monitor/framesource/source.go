// Package framesource provides the frame sources a capture cycle can sample from.
package framesource

import (
	"fmt"
	"io"

	"github.com/autopeer-io/occupeye/internal/monitor/core"
	"github.com/autopeer-io/occupeye/pkg/options"
)

// Source is a FrameSource that may hold devices open.
type Source interface {
	core.FrameSource
	io.Closer
}

// New builds the source selected by opts.Source.
func New(opts *options.FrameOptions) (Source, error) {
	switch opts.Source {
	case options.FrameSourceHTTP:
		return NewHTTPSource(opts.URLTemplate, opts.Timeout), nil
	case options.FrameSourceDir:
		return NewDirSource(opts.Dir), nil
	case options.FrameSourceCamera:
		return NewCameraSource(opts.Cameras, opts.JPEGQuality)
	default:
		return nil, fmt.Errorf("unknown frame source %q", opts.Source)
	}
}
