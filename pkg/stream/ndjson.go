package stream

import (
	"bufio"
	"encoding/json"
	"io"

	"github.com/inferd-io/inferd/pkg/errs"
)

// NDJSONReader decodes newline-delimited JSON bodies, the wire format of
// Ollama's /api/chat. The caller detects the terminator from the decoded
// value (Ollama sets "done": true) and reports a disconnect if the body
// ends before it.
type NDJSONReader struct {
	scanner *bufio.Scanner
}

// NewNDJSONReader wraps an NDJSON body. The caller keeps ownership of r.
func NewNDJSONReader(r io.Reader) *NDJSONReader {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), sseMaxLineSize)
	return &NDJSONReader{scanner: scanner}
}

// Next decodes the next line into v. It returns io.EOF at the end of the
// body and a validation error on malformed JSON.
func (r *NDJSONReader) Next(v any) error {
	for r.scanner.Scan() {
		line := r.scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		if err := json.Unmarshal(line, v); err != nil {
			return errs.Wrap(errs.StreamDisconnected, err)
		}
		return nil
	}
	if err := r.scanner.Err(); err != nil {
		return errs.Wrap(errs.StreamDisconnected, err)
	}
	return io.EOF
}
