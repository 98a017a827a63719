package model

import "time"

// Frame is one encoded camera sample.
type Frame struct {
	VehicleID   string
	Data        []byte
	ContentType string
	CapturedAt  time.Time
}

// DetectionResult is the outcome of one capture cycle's detection call.
type DetectionResult struct {
	// FaceCount is valid when Err is nil.
	FaceCount int

	// Err is set when every attempt failed or the call was canceled.
	Err error

	// Attempts is the number of requests made.
	Attempts int

	// Failures is the consecutive failure count after this result.
	Failures int
}

// OK reports whether the detection succeeded.
func (r DetectionResult) OK() bool {
	return r.Err == nil
}
