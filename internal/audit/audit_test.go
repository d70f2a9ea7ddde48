package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestChannelSinkDeliversInOrder(t *testing.T) {
	sink := NewChannelSink(4)
	ctx := context.Background()

	sink.Emit(ctx, Event{EventType: "login_success"})
	sink.Emit(ctx, Event{EventType: "session_rotated"})

	got := <-sink.Events()
	if got.EventType != "login_success" {
		t.Fatalf("first event: %q", got.EventType)
	}
	got = <-sink.Events()
	if got.EventType != "session_rotated" {
		t.Fatalf("second event: %q", got.EventType)
	}
}

func TestChannelSinkHonorsContextWhenFull(t *testing.T) {
	sink := NewChannelSink(1)
	sink.Emit(context.Background(), Event{EventType: "first"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan struct{})
	go func() {
		sink.Emit(ctx, Event{EventType: "second"})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Emit blocked on a full channel despite cancelled context")
	}
}

func TestJSONWriterSinkWritesOneLinePerEvent(t *testing.T) {
	var buf bytes.Buffer
	sink := NewJSONWriterSink(&buf)
	ctx := context.Background()

	sink.Emit(ctx, Event{
		Timestamp:   time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		EventType:   "login_blocked",
		PrincipalID: "principal-a",
		RiskScore:   93,
		Success:     false,
	})
	sink.Emit(ctx, Event{EventType: "logout", Success: true})

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("lines: %d", len(lines))
	}

	var first Event
	if err := json.Unmarshal([]byte(lines[0]), &first); err != nil {
		t.Fatalf("unmarshal first line: %v", err)
	}
	if first.EventType != "login_blocked" || first.RiskScore != 93 {
		t.Fatalf("first event: %+v", first)
	}
}

func TestJSONWriterSinkNilSafe(t *testing.T) {
	var sink *JSONWriterSink
	sink.Emit(context.Background(), Event{EventType: "ignored"})
	NewJSONWriterSink(nil).Emit(context.Background(), Event{EventType: "ignored"})
}

func TestNoOpSink(t *testing.T) {
	NoOpSink{}.Emit(context.Background(), Event{EventType: "dropped"})
}
