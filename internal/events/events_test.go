package events

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStreamMonotonicSequenceAndSingleIdle(t *testing.T) {
	s := NewStream("trace-1", 16)

	require.NoError(t, s.Emit(context.Background(), Text(KindStageResult, "drafting")))
	require.NoError(t, s.Emit(context.Background(), Text(KindStageResult, "validating")))
	_, err := s.Close(Text(KindReviewResult, "done"))
	require.NoError(t, err)

	var got []Event
	for ev := range s.Events() {
		got = append(got, ev)
	}
	require.Len(t, got, 3)
	for i, ev := range got {
		assert.Equal(t, int64(i+1), ev.Seq)
		assert.Equal(t, "trace-1", ev.TraceID)
	}
	assert.Equal(t, StatusRunning, got[0].Status)
	assert.Equal(t, StatusRunning, got[1].Status)
	assert.Equal(t, StatusIdle, got[2].Status)
}

func TestStreamRejectsAfterClose(t *testing.T) {
	s := NewStream("trace-1", 4)
	_, err := s.Close(Text(KindRuntimeError, "cancelled"))
	require.NoError(t, err)

	assert.ErrorIs(t, s.Emit(context.Background(), Text(KindStageResult, "late")), ErrStreamClosed)
	_, err = s.Close(Text(KindReviewResult, "again"))
	assert.ErrorIs(t, err, ErrStreamClosed)

	// Exactly one event, the idle terminal.
	var got []Event
	for ev := range s.Events() {
		got = append(got, ev)
	}
	require.Len(t, got, 1)
	assert.Equal(t, StatusIdle, got[0].Status)
}

func TestStreamBackPressure(t *testing.T) {
	s := NewStream("trace-1", 1)
	require.NoError(t, s.Emit(context.Background(), Text(KindStageResult, "one")))

	// The buffer is full; the next emit must block until a consumer drains.
	emitted := make(chan error, 1)
	go func() {
		emitted <- s.Emit(context.Background(), Text(KindStageResult, "two"))
	}()

	select {
	case err := <-emitted:
		t.Fatalf("emit returned before drain: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	<-s.Events()
	require.NoError(t, <-emitted)
}

func TestStreamEmitCancellation(t *testing.T) {
	s := NewStream("trace-1", 1)
	require.NoError(t, s.Emit(context.Background(), Text(KindStageResult, "fill")))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, s.Emit(ctx, Text(KindStageResult, "blocked")), context.Canceled)
}

func TestBroadcasterReplaysHistory(t *testing.T) {
	s := NewStream("trace-1", 16)
	b := NewBroadcaster()
	go b.Run(s)

	require.NoError(t, s.Emit(context.Background(), Text(KindStageResult, "early")))
	_, err := s.Close(Text(KindReviewResult, "done"))
	require.NoError(t, err)

	// Wait for the broadcaster to finish consuming.
	deadline := time.After(time.Second)
	for len(b.History()) < 2 {
		select {
		case <-deadline:
			t.Fatal("broadcaster never consumed the stream")
		case <-time.After(5 * time.Millisecond):
		}
	}

	events, done, unsub := b.Subscribe()
	defer unsub()
	var got []Event
	for ev := range events {
		got = append(got, ev)
	}
	require.Len(t, got, 2)
	assert.Equal(t, "early", got[0].Message.Blocks[0].Content)
	select {
	case <-done:
	default:
		t.Fatal("done channel should be closed after the stream ends")
	}
}

func TestWriteSSEFrames(t *testing.T) {
	s := NewStream("trace-9", 16)
	require.NoError(t, s.Emit(context.Background(), Text(KindStageResult, "working")))
	_, err := s.Close(Text(KindReviewResult, "done"))
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/v1/generate", nil)
	require.NoError(t, WriteSSE(rec, req, s.Events()))

	body := rec.Body.String()
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t, 2, strings.Count(body, "data: "))
	assert.Contains(t, body, `"status":"running"`)
	assert.Contains(t, body, `"status":"idle"`)
	assert.Contains(t, body, `"trace_id":"trace-9"`)
}
