package workflow

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
)

const dataPrefix = "data: "

// StreamResult is either a decoded event or a terminal read error.
type StreamResult struct {
	Event *StreamingEvent
	Err   error
}

// Decode reads an event stream from r and sends each decoded event on the
// returned channel in the order it was received. Lines are split at the byte
// level, so a multi-byte character spanning two reads is never cut. Keep-alive
// pings are dropped and malformed lines are logged and skipped. A read error
// other than io.EOF is sent as the final result. The channel is closed when the
// stream ends or ctx is cancelled.
func Decode(ctx context.Context, r io.Reader, logger *slog.Logger) <-chan StreamResult {
	ch := make(chan StreamResult, 16)

	go func() {
		defer close(ch)

		br := bufio.NewReader(r)
		for {
			line, readErr := br.ReadBytes('\n')
			if len(line) > 0 {
				ev, ok := parseLine(line, logger)
				if ok {
					select {
					case ch <- StreamResult{Event: ev}:
					case <-ctx.Done():
						return
					}
				}
			}
			if readErr == nil {
				continue
			}
			if !errors.Is(readErr, io.EOF) && ctx.Err() == nil {
				select {
				case ch <- StreamResult{Err: fmt.Errorf("read event stream: %w", readErr)}:
				case <-ctx.Done():
				}
			}
			return
		}
	}()

	return ch
}

// parseLine returns the event carried by a single "data: " line. It reports
// false for blank lines, non-data fields, pings and lines that fail to parse.
func parseLine(line []byte, logger *slog.Logger) (*StreamingEvent, bool) {
	line = bytes.TrimRight(line, "\r\n")
	if !bytes.HasPrefix(line, []byte(dataPrefix)) {
		return nil, false
	}

	var ev StreamingEvent
	if err := json.Unmarshal(line[len(dataPrefix):], &ev); err != nil {
		logger.Error("failed to parse stream event", "error", err)
		return nil, false
	}
	if ev.Event == EventPing {
		return nil, false
	}
	return &ev, true
}

// Handlers receives dispatched events. Nil fields are skipped.
type Handlers struct {
	OnWorkflowStarted  func(*StreamingEvent)
	OnNodeStarted      func(*StreamingEvent)
	OnTextChunk        func(*StreamingEvent)
	OnNodeFinished     func(*StreamingEvent)
	OnWorkflowFinished func(*StreamingEvent)
	OnError            func(error)
	OnComplete         func()
}

// Dispatch drains results and invokes the matching handler for each event.
// OnComplete runs once the stream ends normally; OnError runs instead if the
// stream failed, and its error is returned.
func Dispatch(ctx context.Context, results <-chan StreamResult, h Handlers, logger *slog.Logger) error {
	for res := range results {
		if res.Err != nil {
			h.onError(res.Err)
			return res.Err
		}
		h.dispatch(res.Event, logger)
	}

	// The decoder also closes on cancellation; that is not a normal end of stream.
	if err := ctx.Err(); err != nil {
		h.onError(err)
		return err
	}
	if h.OnComplete != nil {
		h.OnComplete()
	}
	return nil
}

func (h Handlers) dispatch(ev *StreamingEvent, logger *slog.Logger) {
	var fn func(*StreamingEvent)
	switch ev.Event {
	case EventWorkflowStarted:
		fn = h.OnWorkflowStarted
	case EventNodeStarted:
		fn = h.OnNodeStarted
	case EventTextChunk:
		fn = h.OnTextChunk
	case EventNodeFinished:
		fn = h.OnNodeFinished
	case EventWorkflowFinished:
		fn = h.OnWorkflowFinished
	case EventPing:
		return
	default:
		logger.Info("unknown stream event type", "event", ev.Event)
		return
	}
	if fn != nil {
		fn(ev)
	}
}

func (h Handlers) onError(err error) {
	if h.OnError != nil {
		h.OnError(err)
	}
}
