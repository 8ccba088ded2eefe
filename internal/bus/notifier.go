package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"suppliersync/internal/domain"
	"suppliersync/internal/metrics"
)

const (
	ResponsePreviewLimit = 200
	MessageContentLimit  = 500
	TruncationMarker     = "..."

	defaultHistorySize = 100
	historyTTL         = 24 * time.Hour
	pruneEvery         = 256
	connectedMessage   = "WebSocket connection established successfully"
)

// ErrRegistryClosed is returned by Observe once the registry stopped
// accepting observers.
var ErrRegistryClosed = errors.New("registry closed")

// Relay forwards events to every process serving observers, including the
// publishing one.
type Relay interface {
	Publish(ctx context.Context, ev domain.Event) error
}

// Notifier builds the typed thread events and hands them to the registry.
// Publishing never fails the caller.
type Notifier struct {
	registry *ThreadRegistry
	relay    Relay
	logger   *slog.Logger

	mu         sync.Mutex
	history    map[string][]domain.Event
	maxHistory int
	remembered int
	seq        uint64
}

var _ domain.Notifier = (*Notifier)(nil)

func NewNotifier(registry *ThreadRegistry, historySize int, logger *slog.Logger) *Notifier {
	if historySize <= 0 {
		historySize = defaultHistorySize
	}
	return &Notifier{
		registry:   registry,
		logger:     logger,
		history:    make(map[string][]domain.Event),
		maxHistory: historySize,
	}
}

// SetRelay routes publishes through r. Must be called before serving.
func (n *Notifier) SetRelay(r Relay) {
	n.relay = r
}

// Truncate caps s at limit characters and appends TruncationMarker when
// anything was cut.
func Truncate(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit]) + TruncationMarker
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func (n *Notifier) ResponseReceived(ctx context.Context, threadID, requestID, text string, responseType domain.ResponseType) {
	n.publish(ctx, domain.NewEvent(domain.EventResponseReceived, threadID, map[string]any{
		"request_id":                requestID,
		"supplier_response_preview": Truncate(text, ResponsePreviewLimit),
		"response_type":             nullable(string(responseType)),
		"action_required":           "resume_workflow",
	}))
}

func (n *Notifier) StatusChanged(ctx context.Context, threadID string, change domain.StatusChange) {
	fields := map[string]any{
		"status":    change.Status,
		"is_paused": change.IsPaused,
		"next_step": nullable(change.NextStep),
	}
	if change.RequestID != "" {
		fields["request_id"] = change.RequestID
	}
	if change.TriggerID != "" {
		fields["trigger_id"] = change.TriggerID
	}
	if change.Reason != "" {
		fields["reason"] = change.Reason
	}
	if change.Error != "" {
		fields["error"] = change.Error
	}
	n.publish(ctx, domain.NewEvent(domain.EventStatusChanged, threadID, fields))
}

func (n *Notifier) MessageAdded(ctx context.Context, threadID, role, content, node string) {
	n.publish(ctx, domain.NewEvent(domain.EventMessageAdded, threadID, map[string]any{
		"role":    role,
		"content": Truncate(content, MessageContentLimit),
		"node":    nullable(node),
	}))
}

// Connected greets a freshly attached observer.
func (n *Notifier) Connected(ctx context.Context, ch domain.EventChannel, threadID string) error {
	return n.registry.Send(ctx, ch, domain.NewEvent(domain.EventConnected, threadID, map[string]any{
		"message": connectedMessage,
	}))
}

// Pong answers a client ping on the same channel only.
func (n *Notifier) Pong(ctx context.Context, ch domain.EventChannel, threadID string) error {
	return n.registry.Send(ctx, ch, domain.NewEvent(domain.EventPong, threadID, nil))
}

// Replay sends the retained events of threadID newer than since to ch and
// returns how many were sent.
func (n *Notifier) Replay(ctx context.Context, ch domain.EventChannel, threadID string, since time.Time) (int, error) {
	sent := 0
	for _, ev := range n.History(threadID, since) {
		if err := n.registry.Send(ctx, ch, ev); err != nil {
			return sent, err
		}
		sent++
	}
	return sent, nil
}

// Observe attaches ch to threadID, greets it and, when since is set, replays
// the retained events newer than since. Live events published meanwhile are
// held back until the greeting and replay went out, and events already
// retained when ch attached are never delivered live. It returns the number
// of replayed events.
func (n *Notifier) Observe(ctx context.Context, ch domain.EventChannel, threadID string, since time.Time) (int, error) {
	g := newGatedChannel(ch, n.maxHistory)

	n.mu.Lock()
	g.cutoff = n.seq
	var missed []domain.Event
	if !since.IsZero() {
		missed = n.historyLocked(threadID, since)
	}
	attached := n.registry.Attach(threadID, g)
	n.mu.Unlock()
	if !attached {
		return 0, ErrRegistryClosed
	}

	if err := n.Connected(ctx, ch, threadID); err != nil {
		return 0, err
	}
	for i, ev := range missed {
		if err := n.registry.Send(ctx, ch, ev); err != nil {
			return i, err
		}
	}
	return len(missed), g.open(func(ev domain.Event) error {
		return n.registry.Send(ctx, ch, ev)
	})
}

// gatedChannel queues live events for an observer that is still being
// greeted, then passes them through once opened.
type gatedChannel struct {
	domain.EventChannel

	mu      sync.Mutex
	opened  bool
	cutoff  uint64
	limit   int
	pending []domain.Event
}

func newGatedChannel(ch domain.EventChannel, limit int) *gatedChannel {
	return &gatedChannel{EventChannel: ch, limit: limit}
}

func (g *gatedChannel) Send(ctx context.Context, ev domain.Event) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if ev.Seq != 0 && ev.Seq <= g.cutoff {
		return nil
	}
	if g.opened {
		return g.EventChannel.Send(ctx, ev)
	}
	select {
	case <-g.Done():
		return domain.ErrTransportClosed
	default:
	}
	if len(g.pending) >= g.limit {
		return fmt.Errorf("%d events queued before the greeting", len(g.pending))
	}
	g.pending = append(g.pending, ev)
	return nil
}

// open flushes the queued events through send in arrival order and lets
// later events through directly.
func (g *gatedChannel) open(send func(domain.Event) error) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	for _, ev := range g.pending {
		if err := send(ev); err != nil {
			return err
		}
	}
	g.pending = nil
	g.opened = true
	return nil
}

// History returns the retained events of threadID published after since.
func (n *Notifier) History(threadID string, since time.Time) []domain.Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.historyLocked(threadID, since)
}

func (n *Notifier) historyLocked(threadID string, since time.Time) []domain.Event {
	var out []domain.Event
	for _, ev := range n.history[threadID] {
		if ev.Timestamp.After(since) {
			out = append(out, ev)
		}
	}
	return out
}

func (n *Notifier) publish(ctx context.Context, ev domain.Event) {
	ctx = context.WithoutCancel(ctx)
	if n.relay != nil {
		err := n.relay.Publish(ctx, ev)
		if err == nil {
			return
		}
		metrics.RelayFallbacks.Inc()
		n.logger.Warn("relay publish failed, delivering locally",
			"thread_id", ev.ThreadID,
			"type", ev.Type,
			"err", err,
		)
	}
	n.Deliver(ctx, ev)
}

// Deliver records ev in the thread history and broadcasts it to local
// observers. Relay forwarders call it for every received event.
func (n *Notifier) Deliver(ctx context.Context, ev domain.Event) {
	defer func() {
		if r := recover(); r != nil {
			n.logger.Error("event delivery panicked",
				"thread_id", ev.ThreadID,
				"type", ev.Type,
				"panic", r,
			)
		}
	}()

	ev = n.remember(ev)
	delivered := n.registry.Broadcast(ctx, ev.ThreadID, ev)
	n.logger.Debug("event published",
		"thread_id", ev.ThreadID,
		"type", ev.Type,
		"delivered", delivered,
	)
}

func (n *Notifier) remember(ev domain.Event) domain.Event {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.seq++
	ev.Seq = n.seq

	h := n.history[ev.ThreadID]
	if len(h) >= n.maxHistory {
		h = h[1:]
	}
	n.history[ev.ThreadID] = append(h, ev)

	n.remembered++
	if n.remembered%pruneEvery == 0 {
		cutoff := time.Now().Add(-historyTTL)
		for threadID, events := range n.history {
			if events[len(events)-1].Timestamp.Before(cutoff) {
				delete(n.history, threadID)
			}
		}
	}
	return ev
}

// Forget drops the retained history of threadID.
func (n *Notifier) Forget(threadID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.history, threadID)
}
