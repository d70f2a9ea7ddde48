package authcore

import (
	"context"
	"sync"
	"testing"
	"time"
)

// captureSink records every event it receives.
type captureSink struct {
	mu     sync.Mutex
	events []AuditEvent
}

func (s *captureSink) Emit(_ context.Context, event AuditEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
}

func (s *captureSink) byType(eventType string) []AuditEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]AuditEvent, 0)
	for _, ev := range s.events {
		if ev.EventType == eventType {
			out = append(out, ev)
		}
	}
	return out
}

// gateSink blocks inside Emit until released, to back-pressure the
// dispatcher's drain goroutine.
type gateSink struct {
	release chan struct{}
}

func (s *gateSink) Emit(context.Context, AuditEvent) {
	<-s.release
}

func TestDispatcherDeliversAndStampsTimestamps(t *testing.T) {
	sink := &captureSink{}
	d := newAuditDispatcher(AuditConfig{Enabled: true, BufferSize: 16, DropIfFull: true}, sink)

	for i := 0; i < 5; i++ {
		d.Emit(context.Background(), AuditEvent{EventType: "login_success", Success: true})
	}
	d.Close()

	got := sink.byType("login_success")
	if len(got) != 5 {
		t.Fatalf("expected 5 events after drain, got %d", len(got))
	}
	for _, ev := range got {
		if ev.Timestamp.IsZero() {
			t.Fatal("dispatcher must stamp missing timestamps")
		}
	}
	if d.Dropped() != 0 {
		t.Fatalf("nothing should have been dropped: %d", d.Dropped())
	}
}

func TestDispatcherShedsWhenBufferFull(t *testing.T) {
	gate := &gateSink{release: make(chan struct{})}
	d := newAuditDispatcher(AuditConfig{Enabled: true, BufferSize: 1, DropIfFull: true}, gate)

	for i := 0; i < 10; i++ {
		d.Emit(context.Background(), AuditEvent{EventType: "login_failure"})
	}
	if d.Dropped() == 0 {
		t.Fatal("a full buffer must shed events")
	}

	close(gate.release)
	d.Close()
}

func TestDispatcherDisabledIsNil(t *testing.T) {
	d := newAuditDispatcher(AuditConfig{Enabled: false}, &captureSink{})
	if d != nil {
		t.Fatal("disabled auditing must not start a dispatcher")
	}
	// Nil receivers are safe on the hot path.
	d.Emit(context.Background(), AuditEvent{EventType: "noop"})
	d.Close()
	if d.Dropped() != 0 {
		t.Fatal("nil dispatcher reports zero drops")
	}
}

func TestDispatcherCloseIsIdempotent(t *testing.T) {
	d := newAuditDispatcher(AuditConfig{Enabled: true, BufferSize: 4, DropIfFull: true}, &captureSink{})
	d.Close()
	d.Close()
	// Emitting after close is a no-op, not a panic.
	d.Emit(context.Background(), AuditEvent{EventType: "late"})
}

func TestEngineEmitsLoginAuditTrail(t *testing.T) {
	sink := &captureSink{}

	e, _ := newTestEngineWithSink(t, sink)
	register(t, e, "user@example.com")
	establishSession(t, e, "user@example.com", testPassword)
	e.Close()

	if got := sink.byType("account_created"); len(got) != 1 {
		t.Fatalf("account_created events: %d", len(got))
	}
	if got := sink.byType("step_up_required"); len(got) == 0 {
		t.Fatal("step-up must be audited")
	}
	if got := sink.byType("mfa_approved"); len(got) != 1 {
		t.Fatalf("mfa_approved events: %d", len(got))
	}

	success := sink.byType("login_success")
	if len(success) != 1 {
		t.Fatalf("login_success events: %d", len(success))
	}
	ev := success[0]
	if ev.PrincipalID == "" || ev.SessionID == "" || ev.Fingerprint == "" || !ev.Success {
		t.Fatalf("incomplete login_success event: %+v", ev)
	}
	if ev.IP != "203.0.x.x" {
		t.Fatalf("audit events must carry masked IPs: %q", ev.IP)
	}
	if ev.Timestamp.IsZero() {
		t.Fatal("event must be timestamped")
	}
	if time.Since(ev.Timestamp) > time.Minute {
		t.Fatalf("timestamp implausibly old: %v", ev.Timestamp)
	}
}
