package classifier

import (
	"github.com/e7canasta/orion-care-classifier/internal/pool"
)

// Result is the outcome of one prediction.
type Result = pool.Result

// Code classifies a failed Result.
type Code = pool.Code

// Stats is a snapshot of the worker pool.
type Stats = pool.Stats

// Job is a prediction request with an optional explicit timeout.
type Job = pool.Job

// Result codes.
const (
	CodeStartupError       = pool.CodeStartupError
	CodeInitTimeout        = pool.CodeInitTimeout
	CodeWorkerUnavailable  = pool.CodeWorkerUnavailable
	CodePredictionTimeout  = pool.CodePredictionTimeout
	CodeWorkerCrashed      = pool.CodeWorkerCrashed
	CodeMalformedResponse  = pool.CodeMalformedResponse
	CodeOutputSizeExceeded = pool.CodeOutputSizeExceeded
	CodeWorkerError        = pool.CodeWorkerError
	CodePredictionFailed   = pool.CodePredictionFailed
	CodeNotInitialized     = pool.CodeNotInitialized
	CodeCancelled          = pool.CodeCancelled
	CodeInternalError      = pool.CodeInternalError
)
