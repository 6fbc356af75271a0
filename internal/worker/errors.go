package worker

import "errors"

var (
	// ErrStartup - the process could not be spawned or died before READY.
	ErrStartup = errors.New("worker: startup failed")
	// ErrInitTimeout - READY was not seen within the init timeout.
	ErrInitTimeout = errors.New("worker: ready sentinel not received in time")
	// ErrNotReady - the worker cannot take a call (starting or exited).
	ErrNotReady = errors.New("worker: not ready")
	// ErrBusy - a call is already in flight on this worker.
	ErrBusy = errors.New("worker: busy")
	// ErrPredictionTimeout - no response within the effective call timeout.
	ErrPredictionTimeout = errors.New("worker: prediction timed out")
	// ErrCrashed - the process exited while a call was in flight.
	ErrCrashed = errors.New("worker: process exited during prediction")
	// ErrWrite - the request could not be written to the worker's stdin.
	ErrWrite = errors.New("worker: failed to write request")
)
