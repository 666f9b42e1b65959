package workflow

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vbonduro/homeinv/internal/logging"
)

func collect(t *testing.T, ch <-chan StreamResult) ([]*StreamingEvent, error) {
	t.Helper()
	var events []*StreamingEvent
	for res := range ch {
		if res.Err != nil {
			return events, res.Err
		}
		events = append(events, res.Event)
	}
	return events, nil
}

func TestDecode(t *testing.T) {
	tests := []struct {
		name       string
		stream     string
		wantEvents []EventType
	}{
		{
			name: "ping is dropped",
			stream: "data: {\"event\":\"workflow_started\",\"task_id\":\"t1\"}\n\n" +
				"data: {\"event\":\"ping\"}\n\n" +
				"data: {\"event\":\"workflow_finished\",\"task_id\":\"t1\"}\n",
			wantEvents: []EventType{EventWorkflowStarted, EventWorkflowFinished},
		},
		{
			name: "malformed line skipped",
			stream: "data: {\"event\":\"node_started\"}\n" +
				"data: {not json\n" +
				"data: {\"event\":\"node_finished\"}\n",
			wantEvents: []EventType{EventNodeStarted, EventNodeFinished},
		},
		{
			name: "non-data fields and CRLF",
			stream: "event: message\r\n" +
				": comment\r\n" +
				"data: {\"event\":\"text_chunk\"}\r\n\r\n",
			wantEvents: []EventType{EventTextChunk},
		},
		{
			name:       "final line without newline",
			stream:     "data: {\"event\":\"workflow_finished\"}",
			wantEvents: []EventType{EventWorkflowFinished},
		},
		{
			name:       "unknown events are passed through",
			stream:     "data: {\"event\":\"tts_message\"}\n",
			wantEvents: []EventType{EventTTSMessage},
		},
		{
			name:   "empty stream",
			stream: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			events, err := collect(t, Decode(context.Background(), strings.NewReader(tt.stream), logging.Nop()))
			require.NoError(t, err)

			var got []EventType
			for _, ev := range events {
				got = append(got, ev.Event)
			}
			assert.Equal(t, tt.wantEvents, got)
		})
	}
}

func TestDecodeKeepsFields(t *testing.T) {
	stream := "data: {\"event\":\"text_chunk\",\"task_id\":\"task-1\",\"workflow_run_id\":\"run-1\",\"data\":{\"text\":\"hi\"}}\n"

	events, err := collect(t, Decode(context.Background(), strings.NewReader(stream), logging.Nop()))
	require.NoError(t, err)
	require.Len(t, events, 1)

	assert.Equal(t, "task-1", events[0].TaskID)
	assert.Equal(t, "run-1", events[0].WorkflowRunID)
	assert.JSONEq(t, `{"text":"hi"}`, string(events[0].Data))
}

func TestDecodeMultiByteAcrossReads(t *testing.T) {
	stream := "data: {\"event\":\"text_chunk\",\"data\":{\"text\":\"ソファー 🛋️\"}}\n"

	// One byte per read splits every multi-byte rune across reads.
	events, err := collect(t, Decode(context.Background(), iotest.OneByteReader(strings.NewReader(stream)), logging.Nop()))
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.JSONEq(t, `{"text":"ソファー 🛋️"}`, string(events[0].Data))
}

func TestDecodeReadError(t *testing.T) {
	boom := errors.New("connection reset")
	r := io.MultiReader(
		strings.NewReader("data: {\"event\":\"workflow_started\"}\n"),
		iotest.ErrReader(boom),
	)

	events, err := collect(t, Decode(context.Background(), r, logging.Nop()))
	require.Len(t, events, 1)
	assert.ErrorIs(t, err, boom)
}

func TestDecodeLongLine(t *testing.T) {
	text := strings.Repeat("x", 256*1024)
	stream := "data: {\"event\":\"text_chunk\",\"data\":{\"text\":\"" + text + "\"}}\n"

	events, err := collect(t, Decode(context.Background(), strings.NewReader(stream), logging.Nop()))
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Len(t, events[0].Data, len(text)+len(`{"text":""}`))
}

func TestDecodeCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	pr, pw := io.Pipe()
	t.Cleanup(func() { _ = pw.Close() })

	ch := Decode(ctx, pr, logging.Nop())
	go func() {
		_, _ = io.WriteString(pw, "data: {\"event\":\"workflow_started\"}\n")
	}()
	first := <-ch
	require.NotNil(t, first.Event)

	cancel()
	_, _ = io.WriteString(pw, "data: {\"event\":\"node_started\"}\n")
	_ = pw.Close()

	// The channel closes without delivering an error for the cancellation.
	for res := range ch {
		assert.NoError(t, res.Err)
	}
}

func TestDispatchOrder(t *testing.T) {
	stream := "data: {\"event\":\"workflow_started\",\"task_id\":\"t\"}\n\n" +
		"data: {\"event\":\"ping\"}\n\n" +
		"data: {\"event\":\"node_started\"}\n\n" +
		"data: {\"event\":\"text_chunk\"}\n\n" +
		"data: {\"event\":\"tts_message\"}\n\n" +
		"data: {\"event\":\"node_finished\"}\n\n" +
		"data: {\"event\":\"workflow_finished\",\"task_id\":\"t\"}\n"

	var calls []string
	record := func(name string) func(*StreamingEvent) {
		return func(*StreamingEvent) { calls = append(calls, name) }
	}
	h := Handlers{
		OnWorkflowStarted:  record("workflow_started"),
		OnNodeStarted:      record("node_started"),
		OnTextChunk:        record("text_chunk"),
		OnNodeFinished:     record("node_finished"),
		OnWorkflowFinished: record("workflow_finished"),
		OnError:            func(err error) { calls = append(calls, "error") },
		OnComplete:         func() { calls = append(calls, "complete") },
	}

	ctx := context.Background()
	err := Dispatch(ctx, Decode(ctx, strings.NewReader(stream), logging.Nop()), h, logging.Nop())
	require.NoError(t, err)
	assert.Equal(t, []string{
		"workflow_started",
		"node_started",
		"text_chunk",
		"node_finished",
		"workflow_finished",
		"complete",
	}, calls)
}

func TestDispatchNilHandlers(t *testing.T) {
	stream := "data: {\"event\":\"workflow_started\"}\ndata: {\"event\":\"workflow_finished\"}\n"
	ctx := context.Background()

	err := Dispatch(ctx, Decode(ctx, strings.NewReader(stream), logging.Nop()), Handlers{}, logging.Nop())
	assert.NoError(t, err)
}

func TestDispatchError(t *testing.T) {
	boom := errors.New("upstream went away")
	r := io.MultiReader(strings.NewReader("data: {\"event\":\"workflow_started\"}\n"), iotest.ErrReader(boom))

	var started, completed int
	var gotErr error
	h := Handlers{
		OnWorkflowStarted: func(*StreamingEvent) { started++ },
		OnError:           func(err error) { gotErr = err },
		OnComplete:        func() { completed++ },
	}

	ctx := context.Background()
	err := Dispatch(ctx, Decode(ctx, r, logging.Nop()), h, logging.Nop())

	assert.ErrorIs(t, err, boom)
	assert.ErrorIs(t, gotErr, boom)
	assert.Equal(t, 1, started)
	assert.Zero(t, completed)
}
