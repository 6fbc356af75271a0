package protocol

import (
	"bytes"

	"github.com/goccy/go-json"
)

// LineDecoder accumulates raw worker stdout and extracts the first complete
// response line.
//
// Algorithm:
//  1. Append the chunk to the buffer and add its size to the running total
//  2. Fail with ErrOutputSizeExceeded once the total passes the cap
//  3. While the buffer holds a newline, cut the text before it
//  4. Accept the candidate if it is an object with a boolean "success"
//     (and, when both sides carry one, a matching id); otherwise drop it
//  5. A success reply without data is dropped too, and counted so the
//     caller can tell a worker that only answers malformed from a slow one
//
// A LineDecoder serves a single call and is not safe for concurrent use.
type LineDecoder struct {
	buf       []byte
	total     int
	max       int
	requestID string
	malformed int
}

// wireResponse mirrors Response with a pointer to tell a missing "success"
// apart from false.
type wireResponse struct {
	ID        string          `json:"id"`
	Success   *bool           `json:"success"`
	Data      json.RawMessage `json:"data"`
	Error     string          `json:"error"`
	ErrorType string          `json:"error_type"`
}

// NewLineDecoder returns a decoder for the call identified by requestID.
// maxBytes <= 0 selects DefaultMaxOutputBytes.
func NewLineDecoder(requestID string, maxBytes int) *LineDecoder {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxOutputBytes
	}
	return &LineDecoder{max: maxBytes, requestID: requestID}
}

// Feed consumes one chunk of output. It returns a non-nil Response once a
// complete response line has been seen, nil while more output is needed, or
// ErrOutputSizeExceeded once the cap is passed.
func (d *LineDecoder) Feed(chunk []byte) (*Response, error) {
	d.total += len(chunk)
	if d.total > d.max {
		d.buf = nil
		return nil, ErrOutputSizeExceeded
	}

	d.buf = append(d.buf, chunk...)

	for {
		i := bytes.IndexByte(d.buf, '\n')
		if i < 0 {
			return nil, nil
		}

		line := bytes.TrimSpace(d.buf[:i])
		d.buf = d.buf[i+1:]

		resp, err := d.parse(line)
		if err != nil {
			return nil, err
		}
		if resp != nil {
			return resp, nil
		}
	}
}

// Malformed returns how many response lines were dropped for their shape.
func (d *LineDecoder) Malformed() int {
	return d.malformed
}

// Pending returns the bytes buffered after the last newline.
func (d *LineDecoder) Pending() []byte {
	return d.buf
}

// Flush treats buffered output without a trailing newline as a final
// candidate line. Used once the worker's stdout has been closed.
func (d *LineDecoder) Flush() (*Response, error) {
	line := bytes.TrimSpace(d.buf)
	d.buf = nil
	return d.parse(line)
}

func (d *LineDecoder) parse(line []byte) (*Response, error) {
	if len(line) == 0 || line[0] != '{' {
		return nil, nil
	}

	var w wireResponse
	if err := json.Unmarshal(line, &w); err != nil {
		return nil, nil
	}
	if w.Success == nil {
		return nil, nil
	}
	// Late reply to an earlier, abandoned request.
	if w.ID != "" && d.requestID != "" && w.ID != d.requestID {
		return nil, nil
	}

	if *w.Success && (len(w.Data) == 0 || bytes.Equal(w.Data, []byte("null"))) {
		d.malformed++
		return nil, nil
	}

	return &Response{
		ID:        w.ID,
		Success:   *w.Success,
		Data:      w.Data,
		Error:     w.Error,
		ErrorType: w.ErrorType,
	}, nil
}
