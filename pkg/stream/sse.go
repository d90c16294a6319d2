package stream

import (
	"bufio"
	"bytes"
	"io"

	"github.com/inferd-io/inferd/pkg/errs"
)

// sseMaxLineSize bounds one event line; cloud providers send whole tool-call
// payloads in a single data line.
const sseMaxLineSize = 1 << 20

var (
	ssePrefix  = []byte("data:")
	sseDone    = []byte("[DONE]")
	sseComment = []byte(":")
)

// SSEReader extracts event payloads from a text/event-stream body. Lines
// prefixed "data:" carry events; the literal [DONE] payload terminates the
// stream. Comment lines and other fields (event:, id:, retry:) are skipped.
type SSEReader struct {
	scanner *bufio.Scanner
	done    bool
}

// NewSSEReader wraps an event-stream body, typically an http.Response.Body.
// The caller keeps ownership of r and must close it.
func NewSSEReader(r io.Reader) *SSEReader {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), sseMaxLineSize)
	return &SSEReader{scanner: scanner}
}

// Next returns the next event payload. It returns io.EOF after the [DONE]
// terminator, and a STREAM_001 error if the body ends without one.
func (r *SSEReader) Next() ([]byte, error) {
	if r.done {
		return nil, io.EOF
	}
	for r.scanner.Scan() {
		line := r.scanner.Bytes()
		if len(line) == 0 || bytes.HasPrefix(line, sseComment) {
			continue
		}
		if !bytes.HasPrefix(line, ssePrefix) {
			continue
		}
		data := bytes.TrimSpace(line[len(ssePrefix):])
		if bytes.Equal(data, sseDone) {
			r.done = true
			return nil, io.EOF
		}
		if len(data) == 0 {
			continue
		}
		// Copy out: the scanner reuses its buffer on the next Scan.
		return bytes.Clone(data), nil
	}
	if err := r.scanner.Err(); err != nil {
		return nil, errs.Wrap(errs.StreamDisconnected, err)
	}
	return nil, errs.Newf(errs.StreamDisconnected, "event stream ended without [DONE]")
}
