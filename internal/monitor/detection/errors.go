package detection

import (
	"errors"
	"fmt"
)

var (
	// ErrTimeout is the cause of an attempt that exceeded the per-attempt timeout.
	ErrTimeout = errors.New("detection attempt timed out")

	// ErrMalformedResponse is returned for bodies without a usable face_count.
	ErrMalformedResponse = errors.New("malformed detection response")

	// ErrFrameTooLarge is returned before upload for oversized frames.
	ErrFrameTooLarge = errors.New("frame exceeds upload limit")
)

// StatusError is a non-2xx answer from the detection service.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("detection service returned %d", e.Code)
	}
	return fmt.Sprintf("detection service returned %d: %s", e.Code, e.Message)
}

// ExhaustedError is returned once every attempt of a cycle has failed.
type ExhaustedError struct {
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("detection failed after %d attempts: %v", e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Last
}
