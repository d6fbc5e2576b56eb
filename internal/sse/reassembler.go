// Package sse reassembles JSON records from a server-push event stream.
//
// The upstream frames each record as one or more "data:"-prefixed UTF-8
// lines followed by a blank line. The transport may split the byte stream at
// any offset, including mid-line, so the reassembler buffers until it sees a
// complete frame before decoding.
package sse

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
)

const dataPrefix = "data:"

// Reassembler turns a byte stream of framed lines into a forward-only
// sequence of decoded JSON records. Not safe for concurrent use; one
// Reassembler serves exactly one response body.
type Reassembler struct {
	r   *bufio.Reader
	log *slog.Logger
	buf bytes.Buffer
	eof bool
}

// New wraps a response body. log may be nil.
func New(r io.Reader, log *slog.Logger) *Reassembler {
	if log == nil {
		log = slog.Default()
	}
	return &Reassembler{r: bufio.NewReader(r), log: log}
}

// Next returns the next decoded record, or io.EOF when the stream is
// exhausted. A record that fails to decode is logged and skipped; it never
// ends the sequence. Any other read error is returned as-is.
func (s *Reassembler) Next() (json.RawMessage, error) {
	if s.eof {
		return nil, io.EOF
	}

	for {
		line, err := s.r.ReadString('\n')

		if line != "" {
			if rec, ok := s.consumeLine(line); ok {
				return rec, nil
			}
		}

		if err != nil {
			s.eof = true
			if err == io.EOF {
				// Best-effort final record: the upstream sometimes ends the
				// stream without the terminating blank line.
				if rec, ok := s.flush(); ok {
					return rec, nil
				}
				return nil, io.EOF
			}
			return nil, err
		}
	}
}

// consumeLine feeds one line into the current frame. It returns a record
// only when the line completes a frame that decodes cleanly.
func (s *Reassembler) consumeLine(line string) (json.RawMessage, bool) {
	line = strings.TrimRight(line, "\r\n")

	if line == "" {
		return s.flush()
	}

	if strings.HasPrefix(line, dataPrefix) {
		frag := strings.TrimPrefix(line, dataPrefix)
		frag = strings.TrimPrefix(frag, " ")
		s.buf.WriteString(frag)
	}
	// Lines without the marker (comments, event names) carry no payload.
	return nil, false
}

// flush decodes and resets the accumulated frame. Empty frames and frames
// that fail to decode yield nothing.
func (s *Reassembler) flush() (json.RawMessage, bool) {
	if s.buf.Len() == 0 {
		return nil, false
	}
	payload := make([]byte, s.buf.Len())
	copy(payload, s.buf.Bytes())
	s.buf.Reset()

	if !json.Valid(payload) {
		s.log.Warn("skipping malformed stream record",
			"record_bytes", len(payload),
		)
		return nil, false
	}
	return payload, true
}
