package channel

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"suppliersync/internal/bus"
	"suppliersync/internal/domain"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// isPing accepts both a bare "ping" frame and {"type":"ping"}.
func isPing(msg string) bool {
	msg = strings.TrimSpace(msg)
	if strings.EqualFold(msg, "ping") {
		return true
	}
	var frame struct {
		Type string `json:"type"`
	}
	if json.Unmarshal([]byte(msg), &frame) == nil {
		return strings.EqualFold(frame.Type, "ping")
	}
	return false
}

// handleConversation attaches an observer to a thread for as long as the
// socket stays open.
func (s *Server) handleConversation(w http.ResponseWriter, r *http.Request) {
	threadID := r.PathValue("thread_id")
	if strings.TrimSpace(threadID) == "" {
		writeErrorMessage(w, http.StatusBadRequest, "thread_id is required")
		return
	}
	var since time.Time
	if raw := r.URL.Query().Get("since"); raw != "" {
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			writeErrorMessage(w, http.StatusBadRequest, "since must be an RFC 3339 timestamp")
			return
		}
		since = t
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "thread_id", threadID, "err", err)
		return
	}
	ch := NewWSChannel(conn, s.cfg.QueueSize, s.logger)
	log := s.logger.With("thread_id", threadID, "channel_id", ch.ID())

	defer func() {
		s.deps.Registry.Detach(threadID, ch)
		ch.Close()
		log.Info("observer disconnected")
	}()

	ctx := context.WithoutCancel(r.Context())
	n, err := s.deps.Notifier.Observe(ctx, ch, threadID, since)
	if err != nil {
		if errors.Is(err, bus.ErrRegistryClosed) {
			log.Warn("observer refused, registry closed")
		} else {
			log.Debug("greeting failed", "err", err)
		}
		return
	}
	log.Info("observer connected")
	if n > 0 {
		log.Debug("replayed events", "count", n)
	}

	for {
		msg, err := ch.Receive(ctx)
		if err != nil {
			if !errors.Is(err, domain.ErrTransportClosed) {
				log.Debug("observer receive failed", "err", err)
			}
			return
		}
		if isPing(msg) {
			if err := s.deps.Notifier.Pong(ctx, ch, threadID); err != nil {
				return
			}
			continue
		}
		log.Debug("ignoring observer frame", "size", len(msg))
	}
}
