package direct

import (
	"bufio"
	"io"
	"strings"
)

// doneMarker ends a stream before the connection closes.
const doneMarker = "[DONE]"

// sseEvent is one server-sent event.
type sseEvent struct {
	Type string
	Data string
}

// sseScanner reads server-sent events. Events end at a blank line; data
// lines are joined with newlines. Comments and other fields are skipped.
type sseScanner struct {
	reader  *bufio.Reader
	current sseEvent
	err     error
}

func newSSEScanner(r io.Reader) *sseScanner {
	return &sseScanner{reader: bufio.NewReaderSize(r, 64*1024)}
}

// Next advances to the next event. It returns false at the end of the
// stream or on error.
func (s *sseScanner) Next() bool {
	s.current = sseEvent{}

	var data []string
	var typ string
	hasData := false

	for {
		line, err := s.reader.ReadString('\n')
		if err != nil && line == "" {
			if err == io.EOF && hasData {
				s.current = sseEvent{Type: typ, Data: strings.Join(data, "\n")}
				s.err = io.EOF
				return true
			}
			s.err = err
			return false
		}

		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			if hasData {
				s.current = sseEvent{Type: typ, Data: strings.Join(data, "\n")}
				return true
			}
			typ = ""
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, ok := strings.Cut(line, ":")
		if !ok {
			field, value = line, ""
		}
		value = strings.TrimPrefix(value, " ")

		switch field {
		case "data":
			data = append(data, value)
			hasData = true
		case "event":
			typ = value
		}
	}
}

// Event returns the event read by the last successful Next.
func (s *sseScanner) Event() sseEvent {
	return s.current
}

// Err returns the error that stopped the scanner, or nil at a clean end.
func (s *sseScanner) Err() error {
	if s.err == io.EOF {
		return nil
	}
	return s.err
}
