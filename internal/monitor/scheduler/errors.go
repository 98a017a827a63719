package scheduler

import "errors"

var (
	// ErrAlreadyRunning is returned by Start for a vehicle that is already sampled.
	ErrAlreadyRunning = errors.New("vehicle is already being sampled")

	// ErrNotRunning is returned by Stop for a vehicle without a worker.
	ErrNotRunning = errors.New("vehicle is not being sampled")

	// ErrShutdown is returned once the scheduler has been shut down.
	ErrShutdown = errors.New("scheduler is shut down")

	// ErrDeactivated is the cancel cause of a worker stopped through Stop or Remove.
	ErrDeactivated = errors.New("vehicle deactivated")
)
