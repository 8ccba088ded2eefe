package bus

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"suppliersync/internal/domain"
)

func testNotifier() (*Notifier, *ThreadRegistry) {
	r := testRegistry(time.Second)
	return NewNotifier(r, 10, testBusLogger()), r
}

func TestTruncate(t *testing.T) {
	long := strings.Repeat("a", 250)
	got := Truncate(long, ResponsePreviewLimit)
	if len(got) != 200+len(TruncationMarker) || !strings.HasSuffix(got, TruncationMarker) {
		t.Errorf("expected 200 chars plus marker, got %d chars", len(got))
	}
	if got[:200] != long[:200] {
		t.Error("preview should keep the leading characters")
	}

	short := strings.Repeat("b", 150)
	if Truncate(short, ResponsePreviewLimit) != short {
		t.Error("150-char body should pass through unmodified")
	}

	exact := strings.Repeat("c", 200)
	if Truncate(exact, ResponsePreviewLimit) != exact {
		t.Error("a body at the limit should not be marked")
	}

	accented := strings.Repeat("é", 201)
	if got := Truncate(accented, 200); got != strings.Repeat("é", 200)+TruncationMarker {
		t.Error("truncation should count characters, not bytes")
	}
}

func TestResponseReceived_Envelope(t *testing.T) {
	n, r := testNotifier()
	ch := newFakeChannel()
	r.Attach("thread-1", ch)

	n.ResponseReceived(context.Background(), "thread-1", "req-1", strings.Repeat("x", 250), domain.ResponseAccept)

	got := ch.received()
	if len(got) != 1 {
		t.Fatalf("expected 1 event, got %d", len(got))
	}
	raw, err := json.Marshal(got[0])
	if err != nil {
		t.Fatal(err)
	}
	var wire map[string]any
	if err := json.Unmarshal(raw, &wire); err != nil {
		t.Fatal(err)
	}

	if wire["type"] != "supplier_response_received" {
		t.Errorf("unexpected type %v", wire["type"])
	}
	if wire["thread_id"] != "thread-1" || wire["request_id"] != "req-1" {
		t.Errorf("unexpected ids: %v", wire)
	}
	if wire["action_required"] != "resume_workflow" || wire["response_type"] != "accept" {
		t.Errorf("unexpected payload: %v", wire)
	}
	preview, _ := wire["supplier_response_preview"].(string)
	if preview != strings.Repeat("x", 200)+"..." {
		t.Errorf("unexpected preview length %d", len(preview))
	}
	ts, _ := wire["timestamp"].(string)
	parsed, err := time.Parse(time.RFC3339, ts)
	if err != nil {
		t.Fatalf("timestamp %q is not RFC3339: %v", ts, err)
	}
	if parsed.Location() != time.UTC || !strings.HasSuffix(ts, "Z") {
		t.Errorf("timestamp should be UTC, got %q", ts)
	}
}

func TestStatusChanged_Fields(t *testing.T) {
	n, r := testNotifier()
	ch := newFakeChannel()
	r.Attach("thread-1", ch)

	n.StatusChanged(context.Background(), "thread-1", domain.StatusChange{
		Status:    "resume_failed",
		IsPaused:  true,
		RequestID: "req-1",
		Error:     "workflow not found",
	})

	got := ch.received()
	if len(got) != 1 {
		t.Fatalf("expected 1 event, got %d", len(got))
	}
	ev := got[0]
	if ev.Type != domain.EventStatusChanged {
		t.Errorf("unexpected type %s", ev.Type)
	}
	if ev.Fields["status"] != "resume_failed" || ev.Fields["is_paused"] != true {
		t.Errorf("unexpected fields %v", ev.Fields)
	}
	if ev.Fields["next_step"] != nil {
		t.Errorf("empty next_step should be null, got %v", ev.Fields["next_step"])
	}
	if ev.Fields["error"] != "workflow not found" {
		t.Errorf("missing error field: %v", ev.Fields)
	}
}

func TestMessageAdded_TruncatesContent(t *testing.T) {
	n, r := testNotifier()
	ch := newFakeChannel()
	r.Attach("thread-1", ch)

	n.MessageAdded(context.Background(), "thread-1", "assistant", strings.Repeat("m", 600), "negotiate")

	ev := ch.received()[0]
	content, _ := ev.Fields["content"].(string)
	if content != strings.Repeat("m", 500)+"..." {
		t.Errorf("expected 500 chars plus marker, got %d", len(content))
	}
	if ev.Fields["node"] != "negotiate" || ev.Fields["role"] != "assistant" {
		t.Errorf("unexpected fields %v", ev.Fields)
	}
}

func TestPublish_NoObserversDoesNotFail(t *testing.T) {
	n, _ := testNotifier()
	n.StatusChanged(context.Background(), "nobody", domain.StatusChange{Status: "running"})
	if len(n.History("nobody", time.Time{})) != 1 {
		t.Error("event should still be retained for replay")
	}
}

func TestConnectedAndPong_OnlyTargetChannel(t *testing.T) {
	n, r := testNotifier()
	a, b := newFakeChannel(), newFakeChannel()
	r.Attach("thread-1", a)
	r.Attach("thread-1", b)

	if err := n.Connected(context.Background(), a, "thread-1"); err != nil {
		t.Fatal(err)
	}
	if err := n.Pong(context.Background(), a, "thread-1"); err != nil {
		t.Fatal(err)
	}

	got := a.received()
	if len(got) != 2 || got[0].Type != domain.EventConnected || got[1].Type != domain.EventPong {
		t.Errorf("unexpected events %+v", got)
	}
	if got[0].Fields["message"] != connectedMessage {
		t.Errorf("unexpected greeting %v", got[0].Fields)
	}
	if len(b.received()) != 0 {
		t.Error("greeting and pong must not be broadcast")
	}
}

func TestReplay_SinceAndBound(t *testing.T) {
	n, _ := testNotifier()
	ctx := context.Background()

	for i := 0; i < 15; i++ {
		n.MessageAdded(ctx, "thread-1", "user", "hello", "")
	}
	all := n.History("thread-1", time.Time{})
	if len(all) != 10 {
		t.Fatalf("history should be capped at 10, got %d", len(all))
	}

	cut := all[6].Timestamp
	ch := newFakeChannel()
	sent, err := n.Replay(ctx, ch, "thread-1", cut)
	if err != nil {
		t.Fatal(err)
	}
	for _, ev := range ch.received() {
		if !ev.Timestamp.After(cut) {
			t.Errorf("replayed an event at %v, not after %v", ev.Timestamp, cut)
		}
	}
	if sent != len(ch.received()) {
		t.Errorf("reported %d, delivered %d", sent, len(ch.received()))
	}
}

type fakeRelay struct {
	mu   sync.Mutex
	err  error
	sent []domain.Event
}

func (f *fakeRelay) Publish(ctx context.Context, ev domain.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, ev)
	return nil
}

func TestPublish_ThroughRelay(t *testing.T) {
	n, r := testNotifier()
	relay := &fakeRelay{}
	n.SetRelay(relay)
	ch := newFakeChannel()
	r.Attach("thread-1", ch)

	n.StatusChanged(context.Background(), "thread-1", domain.StatusChange{Status: "running"})

	if len(relay.sent) != 1 {
		t.Fatalf("expected relay publish, got %d", len(relay.sent))
	}
	if len(ch.received()) != 0 {
		t.Error("relayed events are delivered by the forwarder, not the publisher")
	}

	n.Deliver(context.Background(), relay.sent[0])
	if len(ch.received()) != 1 {
		t.Error("forwarded event was not delivered")
	}
}

func TestPublish_RelayFailureFallsBackToLocal(t *testing.T) {
	n, r := testNotifier()
	n.SetRelay(&fakeRelay{err: errBroken})
	ch := newFakeChannel()
	r.Attach("thread-1", ch)

	n.MessageAdded(context.Background(), "thread-1", "user", "hi", "")

	if len(ch.received()) != 1 {
		t.Errorf("expected local fallback delivery, got %d", len(ch.received()))
	}
}

func TestDecodeRelayPayload(t *testing.T) {
	ev := domain.NewEvent(domain.EventStatusChanged, "thread-9", map[string]any{"status": "running", "is_paused": false})
	raw, err := json.Marshal(ev)
	if err != nil {
		t.Fatal(err)
	}

	got, err := decodeRelayPayload(string(raw))
	if err != nil {
		t.Fatal(err)
	}
	if got.Type != ev.Type || got.ThreadID != "thread-9" || got.Fields["status"] != "running" {
		t.Errorf("round trip mismatch: %+v", got)
	}
	if !got.Timestamp.Equal(ev.Timestamp.Truncate(time.Millisecond)) {
		t.Errorf("timestamp mismatch: %v vs %v", got.Timestamp, ev.Timestamp)
	}

	if _, err := decodeRelayPayload(`{"type":"pong"}`); err == nil {
		t.Error("payload without thread_id should be rejected")
	}
	if _, err := decodeRelayPayload(`not json`); err == nil {
		t.Error("garbage payload should be rejected")
	}
}

func TestPublish_CancelledContextStillDelivers(t *testing.T) {
	n, r := testNotifier()
	ch := newFakeChannel()
	ch.honorCtx = true
	r.Attach("thread-1", ch)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	n.MessageAdded(ctx, "thread-1", "assistant", "drafting reply", "")
	n.StatusChanged(ctx, "thread-1", domain.StatusChange{Status: "running"})

	if got := len(ch.received()); got != 2 {
		t.Errorf("expected 2 deliveries, got %d", got)
	}
	if r.Count("thread-1") != 1 || ch.closed.Load() {
		t.Error("observer dropped because the publisher went away")
	}
}

func TestObserve_GreetingThenReplayThenLive(t *testing.T) {
	n, r := testNotifier()
	ctx := context.Background()

	n.MessageAdded(ctx, "thread-1", "user", "old", "")
	time.Sleep(2 * time.Millisecond)
	n.MessageAdded(ctx, "thread-1", "user", "missed", "")
	cut := n.History("thread-1", time.Time{})[0].Timestamp

	ch := newFakeChannel()
	replayed, err := n.Observe(ctx, ch, "thread-1", cut)
	if err != nil {
		t.Fatal(err)
	}
	if replayed != 1 {
		t.Errorf("expected 1 replayed event, got %d", replayed)
	}
	if r.Count("thread-1") != 1 {
		t.Fatalf("observer not attached")
	}
	n.MessageAdded(ctx, "thread-1", "user", "live", "")

	got := ch.received()
	want := []string{"", "missed", "live"}
	if len(got) != len(want) {
		t.Fatalf("expected %d events, got %d: %+v", len(want), len(got), got)
	}
	if got[0].Type != domain.EventConnected {
		t.Errorf("first event should be the greeting, got %s", got[0].Type)
	}
	for i := 1; i < len(want); i++ {
		if got[i].Fields["content"] != want[i] {
			t.Errorf("event %d: got %v, want %q", i, got[i].Fields["content"], want[i])
		}
	}
}

func TestObserve_ConcurrentPublishWaitsForGreeting(t *testing.T) {
	n, r := testNotifier()
	ctx := context.Background()

	n.MessageAdded(ctx, "thread-1", "user", "retained", "")
	retained := n.History("thread-1", time.Time{})[0]

	ch := newFakeChannel()
	var once sync.Once
	ch.onSend = func(ev domain.Event) {
		if ev.Type != domain.EventConnected {
			return
		}
		once.Do(func() {
			// lands between attach and greeting
			n.MessageAdded(ctx, "thread-1", "assistant", "live", "")
			r.Broadcast(ctx, "thread-1", retained)
		})
	}

	if _, err := n.Observe(ctx, ch, "thread-1", retained.Timestamp.Add(-time.Second)); err != nil {
		t.Fatal(err)
	}

	got := ch.received()
	if len(got) != 3 {
		t.Fatalf("expected greeting, replay and live event, got %d: %+v", len(got), got)
	}
	if got[0].Type != domain.EventConnected {
		t.Errorf("first event should be the greeting, got %s", got[0].Type)
	}
	if got[1].Fields["content"] != "retained" || got[2].Fields["content"] != "live" {
		t.Errorf("unexpected order: %v, %v", got[1].Fields["content"], got[2].Fields["content"])
	}
}

func TestObserve_ClosedRegistry(t *testing.T) {
	n, r := testNotifier()
	r.Close()

	_, err := n.Observe(context.Background(), newFakeChannel(), "thread-1", time.Time{})
	if !errors.Is(err, ErrRegistryClosed) {
		t.Errorf("expected ErrRegistryClosed, got %v", err)
	}
}
