package pool

import (
	"context"
	"errors"

	"github.com/goccy/go-json"

	"github.com/e7canasta/orion-care-classifier/internal/protocol"
	"github.com/e7canasta/orion-care-classifier/internal/worker"
)

// Code classifies a failed Result.
type Code string

const (
	CodeStartupError       Code = "STARTUP_ERROR"
	CodeInitTimeout        Code = "INIT_TIMEOUT"
	CodeWorkerUnavailable  Code = "WORKER_UNAVAILABLE"
	CodePredictionTimeout  Code = "PREDICTION_TIMEOUT"
	CodeWorkerCrashed      Code = "WORKER_CRASHED"
	CodeMalformedResponse  Code = "MALFORMED_RESPONSE"
	CodeOutputSizeExceeded Code = "OUTPUT_SIZE_EXCEEDED"
	CodeWorkerError        Code = "WORKER_ERROR"
	CodePredictionFailed   Code = "PREDICTION_FAILED"
	CodeNotInitialized     Code = "NOT_INITIALIZED"
	CodeCancelled          Code = "CANCELLED"
	CodeInternalError      Code = "INTERNAL_ERROR"
)

// Result is the outcome of one prediction. Exactly one of Data (Success)
// or Error/Code is meaningful.
type Result struct {
	Success   bool            `json:"success"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     string          `json:"error,omitempty"`
	Code      Code            `json:"code,omitempty"`
	ErrorType string          `json:"error_type,omitempty"`
	RequestID string          `json:"request_id,omitempty"`
	WorkerID  int             `json:"worker_id"`
	Attempts  int             `json:"attempts"`
}

// Success wraps a worker payload.
func Success(data json.RawMessage) Result {
	return Result{Success: true, Data: data, WorkerID: -1}
}

// Failure builds a failed Result.
func Failure(code Code, msg string) Result {
	return Result{Error: msg, Code: code, WorkerID: -1}
}

// CodeOf maps an error from the worker or pool to a Result code.
func CodeOf(err error) Code {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, worker.ErrStartup):
		return CodeStartupError
	case errors.Is(err, worker.ErrInitTimeout):
		return CodeInitTimeout
	case errors.Is(err, ErrWorkerUnavailable), errors.Is(err, worker.ErrNotReady), errors.Is(err, worker.ErrBusy):
		return CodeWorkerUnavailable
	case errors.Is(err, worker.ErrPredictionTimeout):
		return CodePredictionTimeout
	case errors.Is(err, worker.ErrCrashed), errors.Is(err, worker.ErrWrite):
		return CodeWorkerCrashed
	case errors.Is(err, protocol.ErrMalformedResponse):
		return CodeMalformedResponse
	case errors.Is(err, protocol.ErrOutputSizeExceeded):
		return CodeOutputSizeExceeded
	case errors.Is(err, ErrNotInitialized):
		return CodeNotInitialized
	case errors.Is(err, ErrClosed), errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return CodeCancelled
	default:
		return CodePredictionFailed
	}
}

// Retryable reports whether another attempt may succeed.
func Retryable(err error) bool {
	switch CodeOf(err) {
	case CodeWorkerUnavailable, CodePredictionTimeout, CodeWorkerCrashed:
		return true
	default:
		return false
	}
}
