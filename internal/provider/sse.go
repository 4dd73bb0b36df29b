package provider

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"
)

const maxSSELine = 1 << 20

// SSEEvent is one dispatched server-sent event.
type SSEEvent struct {
	Event string
	Data  string
}

// ErrStopSSE may be returned by an SSE handler to end reading without error.
var ErrStopSSE = errors.New("stop reading event stream")

// ReadSSE reads a text/event-stream body and calls handle for every event.
// Multi-line data fields are joined with newlines. Reading ends at EOF, on the
// OpenAI-style "[DONE]" sentinel, or when handle returns ErrStopSSE.
func ReadSSE(body io.Reader, handle func(SSEEvent) error) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxSSELine)

	var (
		event string
		data  []string
	)
	dispatch := func() error {
		if len(data) == 0 {
			event = ""
			return nil
		}
		ev := SSEEvent{Event: event, Data: strings.Join(data, "\n")}
		event, data = "", nil
		if ev.Data == "[DONE]" {
			return ErrStopSSE
		}
		return handle(ev)
	}

	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if line == "" {
			if err := dispatch(); err != nil {
				return stopOrErr(err)
			}
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "event":
			event = value
		case "data":
			data = append(data, value)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read event stream: %w", err)
	}
	return stopOrErr(dispatch())
}

func stopOrErr(err error) error {
	if errors.Is(err, ErrStopSSE) {
		return nil
	}
	return err
}
