package protocol

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeRequest(t *testing.T) {
	line, err := EncodeRequest(Request{ID: "abc", ImagePath: "/tmp/leaf.jpg"})
	require.NoError(t, err)

	assert.Equal(t, "{\"id\":\"abc\",\"imagePath\":\"/tmp/leaf.jpg\"}\n", string(line))
	assert.Equal(t, 1, strings.Count(string(line), "\n"))
}

func TestEncodeRequestEscapesNewlines(t *testing.T) {
	line, err := EncodeRequest(Request{ImagePath: "/tmp/a\nb.jpg"})
	require.NoError(t, err)

	assert.Equal(t, 1, strings.Count(string(line), "\n"))
	assert.True(t, strings.HasSuffix(string(line), "\n"))
}

func TestEncodeRequestRequiresPath(t *testing.T) {
	_, err := EncodeRequest(Request{ID: "abc"})
	assert.Error(t, err)
}

func TestDecoderSkipsGarbage(t *testing.T) {
	d := NewLineDecoder("", 0)

	resp, err := d.Feed([]byte("garbage\n{\"success\":true,\"data\":{\"x\":1}}\n"))
	require.NoError(t, err)
	require.NotNil(t, resp)

	assert.True(t, resp.Success)
	assert.JSONEq(t, `{"x":1}`, string(resp.Data))
}

func TestDecoderPartialLines(t *testing.T) {
	d := NewLineDecoder("", 0)

	chunks := []string{`{"succ`, `ess":true,"da`, `ta":{"label":"Healthy"}`, "}\n"}
	var resp *Response
	for i, c := range chunks {
		r, err := d.Feed([]byte(c))
		require.NoError(t, err)
		if i < len(chunks)-1 {
			assert.Nil(t, r, "chunk %d must not complete a response", i)
		}
		resp = r
	}

	require.NotNil(t, resp)
	assert.JSONEq(t, `{"label":"Healthy"}`, string(resp.Data))
}

func TestDecoderSkipsObjectsWithoutSuccess(t *testing.T) {
	d := NewLineDecoder("", 0)

	resp, err := d.Feed([]byte("{\"progress\":0.5}\n{\"success\":\"yes\"}\n"))
	require.NoError(t, err)
	assert.Nil(t, resp)

	resp, err = d.Feed([]byte("{\"success\":false,\"error\":\"Image not found\",\"error_type\":\"FileNotFoundError\"}\n"))
	require.NoError(t, err)
	require.NotNil(t, resp)
	assert.False(t, resp.Success)
	assert.Equal(t, "Image not found", resp.Error)
	assert.Equal(t, "FileNotFoundError", resp.ErrorType)
}

func TestDecoderDropsStaleReplies(t *testing.T) {
	d := NewLineDecoder("req-2", 0)

	resp, err := d.Feed([]byte("{\"id\":\"req-1\",\"success\":true,\"data\":{\"n\":1}}\n"))
	require.NoError(t, err)
	assert.Nil(t, resp)

	resp, err = d.Feed([]byte("{\"id\":\"req-2\",\"success\":true,\"data\":{\"n\":2}}\n"))
	require.NoError(t, err)
	require.NotNil(t, resp)
	assert.JSONEq(t, `{"n":2}`, string(resp.Data))
}

func TestDecoderOutputSizeExceeded(t *testing.T) {
	d := NewLineDecoder("", 64)

	_, err := d.Feed([]byte(strings.Repeat("x", 40)))
	require.NoError(t, err)

	_, err = d.Feed([]byte(strings.Repeat("x", 40)))
	assert.ErrorIs(t, err, ErrOutputSizeExceeded)
}

func TestDecoderSkipsSuccessWithoutData(t *testing.T) {
	d := NewLineDecoder("", 0)

	resp, err := d.Feed([]byte("{\"success\":true}\n"))
	require.NoError(t, err)
	assert.Nil(t, resp)
	assert.Equal(t, 1, d.Malformed())

	resp, err = d.Feed([]byte("{\"success\":true,\"data\":null}\n{\"success\":true,\"data\":{\"x\":1}}\n"))
	require.NoError(t, err)
	require.NotNil(t, resp)
	assert.JSONEq(t, `{"x":1}`, string(resp.Data))
	assert.Equal(t, 2, d.Malformed())
}

func TestDecoderSuccessWithoutDataThenValidInOneChunk(t *testing.T) {
	d := NewLineDecoder("", 0)

	resp, err := d.Feed([]byte("{\"success\":true}\n{\"success\":true,\"data\":{\"x\":1}}\n"))
	require.NoError(t, err)
	require.NotNil(t, resp)
	assert.True(t, resp.Success)
	assert.JSONEq(t, `{"x":1}`, string(resp.Data))
}

func TestDecoderFlush(t *testing.T) {
	d := NewLineDecoder("", 0)

	resp, err := d.Feed([]byte(`{"success":true,"data":{"x":2}}`))
	require.NoError(t, err)
	assert.Nil(t, resp)
	assert.NotEmpty(t, d.Pending())

	resp, err = d.Flush()
	require.NoError(t, err)
	require.NotNil(t, resp)
	assert.JSONEq(t, `{"x":2}`, string(resp.Data))
}
