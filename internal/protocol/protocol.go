// Package protocol implements the line-delimited JSON wire format spoken with
// inference worker processes.
//
// Wire format:
//
//	startup (worker -> host):  READY\n
//	request (host -> worker):  {"id":"<uuid>","imagePath":"/path/to/image.jpg"}\n
//	response (worker -> host): {"success":true,"data":{...}}\n
//	                           {"success":false,"error":"...","error_type":"..."}\n
//
// One message per line. Anything a worker prints on stdout that is not a
// response object (stray prints, log text) is skipped by the decoder.
//
// A reply that echoes "id" is matched against the in-flight request and
// dropped when it belongs to an abandoned one. Replies without "id" cannot
// be matched.
//
// TODO: echo "id" from inference_server.py's --server-mode loop so late
// replies after a timeout are always dropped.
package protocol

import (
	"errors"
	"fmt"

	"github.com/goccy/go-json"
)

// ReadySentinel is printed once by a worker after its model is loaded.
const ReadySentinel = "READY"

// ServerModeArg switches the inference script into long-running server mode.
const ServerModeArg = "--server-mode"

// DefaultMaxOutputBytes caps the stdout bytes accumulated for a single call.
const DefaultMaxOutputBytes = 1 << 20

var (
	// ErrOutputSizeExceeded is returned when a worker writes more than the
	// configured cap without producing a complete response line.
	ErrOutputSizeExceeded = errors.New("protocol: worker output exceeded size limit")

	// ErrMalformedResponse is returned when a call's deadline passes after the
	// worker answered only with shape-invalid lines (success without data).
	ErrMalformedResponse = errors.New("protocol: malformed response")
)

// Request is one inference job as sent to a worker.
type Request struct {
	ID        string         `json:"id,omitempty"`
	ImagePath string         `json:"imagePath"`
	Params    map[string]any `json:"params,omitempty"`
}

// Response is one decoded worker reply.
type Response struct {
	ID        string          `json:"id,omitempty"`
	Success   bool            `json:"success"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     string          `json:"error,omitempty"`
	ErrorType string          `json:"error_type,omitempty"`
}

// EncodeRequest serializes req as a single newline-terminated line.
func EncodeRequest(req Request) ([]byte, error) {
	if req.ImagePath == "" {
		return nil, fmt.Errorf("protocol: request has no image path")
	}

	b, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal request: %w", err)
	}

	return append(b, '\n'), nil
}
