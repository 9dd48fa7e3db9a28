package upstream

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

// MaxLineSize bounds a single event-stream line.
const MaxLineSize = 1024 * 1024

// Event is one server-sent event.
type Event struct {
	ID    string
	Event string
	Data  string
}

// OversizedEventError reports an event dropped because one of its lines
// exceeded MaxLineSize. The stream stays readable.
type OversizedEventError struct {
	ID string
}

func (e *OversizedEventError) Error() string {
	return fmt.Sprintf("event %q has a line over %d bytes", e.ID, MaxLineSize)
}

// EventStream is a lazy reader of server-sent events.
type EventStream struct {
	body   io.ReadCloser
	reader *bufio.Reader
}

// NewEventStream wraps an event-stream body.
func NewEventStream(body io.ReadCloser) *EventStream {
	return &EventStream{body: body, reader: bufio.NewReaderSize(body, 64*1024)}
}

// Next blocks until the next complete event is available. It returns io.EOF
// once the stream ends cleanly and *OversizedEventError for an event it had
// to skip.
func (s *EventStream) Next() (Event, error) {
	var event Event
	var data []string
	pending := false
	oversized := false

	for {
		line, tooLong, err := s.readLine()
		if err == io.EOF {
			break
		}
		if err != nil {
			return Event{}, err
		}

		if tooLong {
			oversized = true
			continue
		}

		// Empty line marks end of event
		if line == "" {
			if oversized {
				return Event{}, &OversizedEventError{ID: event.ID}
			}
			if pending {
				event.Data = strings.Join(data, "\n")
				if event.Event == "" {
					event.Event = "message"
				}
				return event, nil
			}
			continue
		}

		// Comments keep the connection alive
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")

		switch field {
		case "id":
			event.ID = value
			pending = true
		case "event":
			event.Event = value
			pending = true
		case "data":
			data = append(data, value)
			pending = true
		}
		// retry and unknown fields are ignored
	}

	// Handle any remaining event
	if pending && !oversized && len(data) > 0 {
		event.Data = strings.Join(data, "\n")
		if event.Event == "" {
			event.Event = "message"
		}
		return event, nil
	}
	return Event{}, io.EOF
}

// readLine returns the next line without its terminator. A line longer than
// MaxLineSize is consumed in full and reported as tooLong with no content.
func (s *EventStream) readLine() (line string, tooLong bool, err error) {
	var buf []byte
	for {
		chunk, err := s.reader.ReadSlice('\n')
		if !tooLong && len(buf)+len(chunk) > MaxLineSize {
			tooLong, buf = true, nil
		}
		if !tooLong {
			buf = append(buf, chunk...)
		}
		if err == bufio.ErrBufferFull {
			continue
		}
		if err != nil && (err != io.EOF || (len(buf) == 0 && !tooLong)) {
			return "", false, err
		}
		line = strings.TrimSuffix(strings.TrimSuffix(string(buf), "\n"), "\r")
		return line, tooLong, nil
	}
}

// Close releases the underlying connection.
func (s *EventStream) Close() error {
	return s.body.Close()
}
