//go:build !gocv

package framesource

import "errors"

// NewCameraSource needs OpenCV; build with -tags gocv.
func NewCameraSource(devices map[string]string, quality int) (Source, error) {
	return nil, errors.New("camera frame source requires a build with -tags gocv")
}
