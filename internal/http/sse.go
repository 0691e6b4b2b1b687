package http

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strings"
)

// SSEEvent is a server-sent event.
type SSEEvent struct {
	Event string
	Data  []byte
}

// WriteSSEEvent writes a server-sent event to w. The data must not contain
// newlines.
func WriteSSEEvent(w io.Writer, event string, data []byte) error {
	_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}

// SSEReader reads server-sent events.
type SSEReader struct {
	scanner *bufio.Scanner
}

func NewSSEReader(r io.Reader) *SSEReader {
	scanner := bufio.NewScanner(r)
	// terminal output can make for long events
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	return &SSEReader{scanner: scanner}
}

// Next returns the next event, or io.EOF once the stream ends.
func (r *SSEReader) Next() (*SSEEvent, error) {
	var (
		event   SSEEvent
		data    bytes.Buffer
		started bool
	)
	for r.scanner.Scan() {
		line := r.scanner.Text()
		if line == "" {
			if !started {
				continue
			}
			event.Data = data.Bytes()
			return &event, nil
		}
		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "event":
			event.Event = value
			started = true
		case "data":
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(value)
			started = true
		}
		// comments and unknown fields are ignored
	}
	if err := r.scanner.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}
