package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"

	"suppliersync/internal/domain"
)

func testBusLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

var fakeSeq atomic.Int64

// fakeChannel records every event it is sent.
type fakeChannel struct {
	id string

	mu     sync.Mutex
	events []domain.Event

	failWith  error
	blockCtx  bool // wait for ctx before returning
	blockHard bool // ignore ctx, wait for Close
	honorCtx  bool // refuse once ctx is done
	onSend    func(ev domain.Event)

	done      chan struct{}
	closeOnce sync.Once
	closed    atomic.Bool
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{
		id:   fmt.Sprintf("fake-%d", fakeSeq.Add(1)),
		done: make(chan struct{}),
	}
}

func (f *fakeChannel) ID() string { return f.id }

func (f *fakeChannel) Send(ctx context.Context, ev domain.Event) error {
	if f.closed.Load() {
		return domain.ErrTransportClosed
	}
	switch {
	case f.blockHard:
		<-f.done
		return domain.ErrTransportClosed
	case f.blockCtx:
		<-ctx.Done()
		return ctx.Err()
	case f.failWith != nil:
		return f.failWith
	case f.honorCtx && ctx.Err() != nil:
		return ctx.Err()
	}
	if f.onSend != nil {
		f.onSend(ev)
	}
	f.mu.Lock()
	f.events = append(f.events, ev)
	f.mu.Unlock()
	return nil
}

func (f *fakeChannel) Receive(ctx context.Context) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-f.done:
		return "", domain.ErrTransportClosed
	}
}

func (f *fakeChannel) Done() <-chan struct{} { return f.done }

func (f *fakeChannel) Close() error {
	f.closeOnce.Do(func() {
		f.closed.Store(true)
		close(f.done)
	})
	return nil
}

func (f *fakeChannel) received() []domain.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.Event, len(f.events))
	copy(out, f.events)
	return out
}

var errBroken = errors.New("broken pipe")
