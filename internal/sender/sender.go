// Package sender owns the set of upstream workers and fans a session's
// request out to them: either the full broadcast list (the ordinary
// race) or a single dedicated server (a hosts "Dedicated" group route).
package sender

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/jroosing/crappydns/internal/session"
	"github.com/jroosing/crappydns/internal/upstream"
	"github.com/jroosing/crappydns/internal/worker"
)

// Sender holds the broadcast worker set (one per configured upstream,
// fixed at startup) and an on-demand worker map (created lazily, keyed by
// server identity, for hosts-dedicated routes).
type Sender struct {
	logger *slog.Logger
	onSend worker.OnSendFunc
	onRecv worker.OnRecvFunc

	broadcast []worker.Worker

	mu       sync.Mutex
	onDemand map[string]worker.Worker
}

// New builds the broadcast worker set from servers (the startup dns_list:
// every -g/-b upstream). onSend/onRecv are wired into every worker this
// Sender creates, broadcast or on-demand, so replies always funnel back
// through the same demultiplexing path (the session manager).
func New(servers []*upstream.Server, logger *slog.Logger, onSend worker.OnSendFunc, onRecv worker.OnRecvFunc) *Sender {
	s := &Sender{
		logger:   logger,
		onSend:   onSend,
		onRecv:   onRecv,
		onDemand: make(map[string]worker.Worker),
	}
	for _, srv := range servers {
		s.broadcast = append(s.broadcast, newWorker(srv, logger, onSend, onRecv))
	}
	return s
}

func newWorker(srv *upstream.Server, logger *slog.Logger, onSend worker.OnSendFunc, onRecv worker.OnRecvFunc) worker.Worker {
	if srv.Transport == upstream.TCP {
		return worker.NewTCP(srv, logger, onSend, onRecv)
	}
	return worker.NewUDP(srv, logger, onSend, onRecv)
}

// Send broadcasts s's request to every registered upstream, incrementing
// s.ResponseOnTheWay once per accepted dispatch. Called with no
// concurrent access to s (the manager dispatches a session exactly once,
// before any reply can reference it).
func (s *Sender) Send(sess *session.Session) {
	for _, w := range s.broadcast {
		sess.ResponseOnTheWay++
		if err := w.Send(sess.PipelinedID, sess.RequestPayload); err != nil {
			if s.logger != nil {
				s.logger.Warn("sender: broadcast send failed", "server", w.Server().String(), "err", err)
			}
			sess.ResponseOnTheWay--
		}
	}
}

// SendTo dispatches s's request to exactly one server, getting-or-creating
// its on-demand worker, and increments s.ResponseOnTheWay by one.
func (s *Sender) SendTo(sess *session.Session, srv *upstream.Server) error {
	w := s.getOrCreate(srv)
	sess.ResponseOnTheWay++
	if err := w.Send(sess.PipelinedID, sess.RequestPayload); err != nil {
		sess.ResponseOnTheWay--
		return fmt.Errorf("sender: send_to %s: %w", srv.String(), err)
	}
	return nil
}

func (s *Sender) getOrCreate(srv *upstream.Server) worker.Worker {
	key := srv.Key()
	s.mu.Lock()
	defer s.mu.Unlock()
	if w, ok := s.onDemand[key]; ok {
		return w
	}
	w := newWorker(srv, s.logger, s.onSend, s.onRecv)
	s.onDemand[key] = w
	return w
}

// Close releases every worker's socket/connection.
func (s *Sender) Close() {
	for _, w := range s.broadcast {
		_ = w.Close()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, w := range s.onDemand {
		_ = w.Close()
	}
}
