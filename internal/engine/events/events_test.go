package events

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"

	"github.com/R3E-Network/service_kernel/internal/engine/state"
)

func TestRingBuffer_Log(t *testing.T) {
	rb := NewRingBuffer(10)

	rb.Log(Event{
		Type:     EventResourceStarted,
		Resource: "c1",
		Kind:     state.KindCache,
		Status:   state.StatusRunning,
	})

	if rb.Count() != 1 {
		t.Errorf("Count() = %d, want 1", rb.Count())
	}
	recent := rb.Recent(1)
	if len(recent) != 1 {
		t.Fatalf("Recent(1) len = %d, want 1", len(recent))
	}
	if recent[0].Resource != "c1" {
		t.Errorf("Resource = %q, want c1", recent[0].Resource)
	}
	if recent[0].ID == "" {
		t.Error("ID should be auto-generated")
	}
	if recent[0].Timestamp.IsZero() {
		t.Error("Timestamp should be auto-set")
	}
	if recent[0].Severity != SeverityInfo {
		t.Errorf("Severity = %q, want info", recent[0].Severity)
	}
}

func TestRingBuffer_UniqueIDs(t *testing.T) {
	rb := NewRingBuffer(100)
	for i := 0; i < 50; i++ {
		rb.Log(Event{Type: EventTickSkipped})
	}
	seen := make(map[string]bool)
	for _, e := range rb.Recent(50) {
		if seen[e.ID] {
			t.Fatalf("duplicate event id %s", e.ID)
		}
		seen[e.ID] = true
	}
}

func TestRingBuffer_Overflow(t *testing.T) {
	rb := NewRingBuffer(5)
	for i := 0; i < 10; i++ {
		rb.Log(Event{Type: EventResourceStarted, Message: string(rune('A' + i))})
	}

	if rb.Count() != 5 {
		t.Errorf("Count() = %d, want 5", rb.Count())
	}
	recent := rb.Recent(10)
	if len(recent) != 5 {
		t.Fatalf("Recent len = %d, want 5", len(recent))
	}
	want := []string{"J", "I", "H", "G", "F"}
	for i, w := range want {
		if recent[i].Message != w {
			t.Errorf("recent[%d] = %q, want %q", i, recent[i].Message, w)
		}
	}
}

func TestRingBuffer_RecentFilters(t *testing.T) {
	rb := NewRingBuffer(20)
	rb.Log(Event{Type: EventResourceStarted, Resource: "c1"})
	rb.Log(Event{Type: EventResourceStarted, Resource: "m1"})
	rb.Log(Event{Type: EventTickFailed, Resource: "m1"})

	if got := rb.RecentByResource("m1", 10); len(got) != 2 {
		t.Errorf("RecentByResource(m1) = %d events, want 2", len(got))
	}
	if got := rb.RecentByType(EventResourceStarted, 10); len(got) != 2 {
		t.Errorf("RecentByType(started) = %d events, want 2", len(got))
	}
	if got := rb.RecentByType(EventTickFailed, 10); len(got) != 1 || got[0].Resource != "m1" {
		t.Errorf("RecentByType(tick_failed) = %v", got)
	}
	if got := rb.Recent(0); got != nil {
		t.Errorf("Recent(0) = %v, want nil", got)
	}
}

func TestRingBuffer_Subscribe(t *testing.T) {
	rb := NewRingBuffer(10)

	var calls int32
	unsub := rb.Subscribe(func(Event) { atomic.AddInt32(&calls, 1) })

	rb.Log(Event{Type: EventResourceStarted})
	rb.Log(Event{Type: EventResourceStartFailed, Severity: SeverityError})
	unsub()
	rb.Log(Event{Type: EventResourceStopFailed, Severity: SeverityError})

	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Errorf("handler calls = %d, want 2", got)
	}
}

func TestRingBuffer_Mirror(t *testing.T) {
	log, hook := test.NewNullLogger()
	rb := NewRingBuffer(4, WithMirror(logrus.NewEntry(log)))

	rb.Log(Event{Type: EventResourceStarted, Resource: "cache/c1"})
	rb.Log(Event{
		Type:     EventResourceStartFailed,
		Severity: SeverityError,
		Resource: "mq/q1",
		Error:    "dial tcp: refused",
		Metadata: map[string]string{"type": "rocketmq"},
	})

	entries := hook.AllEntries()
	if len(entries) != 2 {
		t.Fatalf("mirrored %d entries, want 2", len(entries))
	}
	if entries[0].Level != logrus.InfoLevel || entries[0].Message != string(EventResourceStarted) {
		t.Errorf("first entry = %v %q", entries[0].Level, entries[0].Message)
	}
	last := entries[1]
	if last.Level != logrus.ErrorLevel {
		t.Errorf("level = %v, want error", last.Level)
	}
	if last.Data["resource"] != "mq/q1" || last.Data["type"] != "rocketmq" || last.Data["error"] != "dial tcp: refused" {
		t.Errorf("fields = %v", last.Data)
	}
}

func TestRingBuffer_ConcurrentLog(t *testing.T) {
	rb := NewRingBuffer(1000)
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				rb.Log(Event{Type: EventResourceStarted})
				_ = rb.Recent(5)
			}
		}()
	}
	wg.Wait()
	if rb.Count() != 500 {
		t.Errorf("Count() = %d, want 500", rb.Count())
	}
}

func TestNoOpLogger(t *testing.T) {
	var l EventLogger = NoOpLogger{}
	l.Log(Event{Type: EventResourceStarted})
	if l.Recent(10) != nil {
		t.Error("NoOpLogger should not retain events")
	}
}
