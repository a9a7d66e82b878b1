// Package sessionmgr implements the per-query session pool: pipelined id
// allocation, dispatch to the sender/hosts engine, reply demultiplexing,
// timeout-driven finalization, and restoring the client's original
// transaction id on the reply leg.
package sessionmgr

import (
	"encoding/binary"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/jroosing/crappydns/internal/dns"
	"github.com/jroosing/crappydns/internal/hosts"
	"github.com/jroosing/crappydns/internal/sender"
	"github.com/jroosing/crappydns/internal/session"
	"github.com/jroosing/crappydns/internal/trustednet"
	"github.com/jroosing/crappydns/internal/upstream"
	"github.com/jroosing/crappydns/internal/worker"
)

// DefaultTimeout is the per-session deadline applied when Manager is
// constructed with timeout<=0.
const DefaultTimeout = 3000 * time.Millisecond

// Manager owns the session pool (pipelined id -> Session) and everything
// that mutates a session after creation: dispatch, reply demultiplexing,
// finalization, and timeouts. One mutex serializes every state
// transition, standing in for a single-threaded cooperative event loop:
// replies and timeouts can arrive concurrently from many goroutines, but
// at most one is ever mutating session/pool state at a time.
type Manager struct {
	logger  *slog.Logger
	timeout time.Duration
	trusted *trustednet.Table
	hosts   *hosts.Index
	idgen   *idGenerator

	mu   sync.Mutex
	pool map[uint16]*session.Session

	sndr *sender.Sender
}

// New constructs a Manager and the Sender it dispatches through. upstreams
// is the startup broadcast list (every -g/-b server); trusted and hostsIdx
// may be nil (no trusted-net file / no hosts file configured).
func New(upstreams []*upstream.Server, hostsIdx *hosts.Index, trusted *trustednet.Table, timeout time.Duration, logger *slog.Logger) *Manager {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		logger:  logger,
		timeout: timeout,
		trusted: trusted,
		hosts:   hostsIdx,
		idgen:   newIDGenerator(time.Now().UnixNano()),
		pool:    make(map[uint16]*session.Session),
	}
	m.sndr = sender.New(upstreams, logger, m.onSend, m.onRecv)
	return m
}

// HandleQuery is the manager's single entry point: it parses/creates a
// Session for the raw client request, installs it in the pool, arms its
// timeout, and dispatches it. emit is called exactly once, with the final
// reply bytes, if and when the session resolves with a usable candidate;
// it is never called for a BadRequest or a session that times out with no
// candidate.
func (m *Manager) HandleQuery(raw []byte, replyTo net.Addr, emit func([]byte)) {
	id := m.idgen.next()
	sess := session.New(raw, replyTo, id, m.hosts)
	if sess.Status == session.StatusBadRequest {
		return
	}
	sess.Emit = emit

	m.mu.Lock()
	m.pool[sess.PipelinedID] = sess
	sess.Timer = time.AfterFunc(m.timeout, func() { m.onTimeout(sess.PipelinedID) })
	finalizeNow := m.dispatchLocked(sess)
	if finalizeNow {
		delete(m.pool, sess.PipelinedID)
	}
	m.mu.Unlock()

	if finalizeNow {
		m.finalize(sess)
	}
}

// dispatchLocked routes sess to its upstream set: a Dedicated session's
// hosts rule, or the ordinary broadcast race.
// Caller must hold m.mu. Returns true if the session is already resolved
// (or has no outstanding replies to wait for) and should finalize
// immediately rather than wait on its timer.
func (m *Manager) dispatchLocked(sess *session.Session) bool {
	if sess.Status == session.StatusDedicated && sess.MatchedRule != nil {
		rule := sess.MatchedRule
		if len(rule.Servers) > 0 {
			for _, srv := range rule.Servers {
				if err := m.sndr.SendTo(sess, srv); err != nil {
					m.logger.Warn("sessionmgr: dedicated send_to failed", "server", srv.String(), "err", err)
				}
			}
			return sess.ResponseOnTheWay <= 0
		}

		if addrs := rule.AddrsFor(sess.QueryType); len(addrs) > 0 {
			if done, ok := m.dispatchSyntheticLocked(sess, rule, addrs); ok {
				return done
			}
			// fall through to broadcast on assembly failure (defensive;
			// the hosts engine validates addresses at load time).
		}
		// RouteMiss: rule matched but carries no data usable for this
		// qtype. Falls through to the ordinary broadcast race below.
	}

	m.sndr.Send(sess)
	return sess.ResponseOnTheWay <= 0
}

// dispatchSyntheticLocked answers a Dedicated session directly from the
// hosts engine's own address list, without contacting any upstream. ok is
// false only if response assembly itself failed.
func (m *Manager) dispatchSyntheticLocked(sess *session.Session, rule *hosts.Rule, addrs []string) (done bool, ok bool) {
	reqPkt, err := dns.ParsePacket(sess.RequestPayload)
	if err != nil {
		return false, false
	}
	respPkt, err := hosts.AssembleResponse(reqPkt, addrs, sess.QueryType)
	if err != nil {
		return false, false
	}

	sess.ResponseOnTheWay++
	finished, rerr := sess.Resolve(upstream.Trusted, respPkt, m.trusted)
	if rerr != nil {
		m.logger.Warn("sessionmgr: synthetic response assembly failed", "err", rerr)
		return false, false
	}
	if finished {
		delete(m.pool, sess.PipelinedID)
	}
	return finished, true
}

// onRecv is the Sender's reply callback: every broadcast or on-demand
// worker funnels its replies through here. It demultiplexes by the
// pipelined id embedded in the reply's own DNS header.
func (m *Manager) onRecv(r worker.Reply) {
	pkt, err := dns.ParsePacket(r.Payload)
	if err != nil {
		m.logger.Debug("sessionmgr: dropping unparsable upstream reply", "server", r.Server.String(), "err", err)
		return
	}

	m.mu.Lock()
	sess, ok := m.pool[pkt.Header.ID]
	if !ok {
		m.mu.Unlock()
		return
	}
	finished, rerr := sess.Resolve(r.Server.Health, pkt, m.trusted)
	if rerr != nil {
		m.logger.Warn("sessionmgr: session resolve failed", "id", pkt.Header.ID, "err", rerr)
	}
	if finished {
		delete(m.pool, sess.PipelinedID)
	}
	m.mu.Unlock()

	if finished {
		m.finalize(sess)
	}
}

// onSend is the Sender's send-completion callback. A non-nil err means
// this upstream's vote will never arrive, so outstanding_replies is
// decremented to let the session still make progress toward finalization.
func (m *Manager) onSend(id uint16, server *upstream.Server, err error) {
	if err == nil {
		return
	}
	m.mu.Lock()
	sess, ok := m.pool[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	sess.ResponseOnTheWay--
	finished := sess.ResponseOnTheWay <= 0 || sess.Status == session.StatusResolved
	if finished {
		delete(m.pool, id)
	}
	m.mu.Unlock()

	if finished {
		m.finalize(sess)
	}
}

// onTimeout fires when a session's single-shot timer expires without the
// session having already finalized.
func (m *Manager) onTimeout(id uint16) {
	m.mu.Lock()
	sess, ok := m.pool[id]
	if ok {
		delete(m.pool, id)
	}
	m.mu.Unlock()

	if ok {
		m.finalize(sess)
	}
}

// finalize removes sess's timer and, if it holds a usable candidate,
// restores the client's original transaction id and emits the reply.
// Called with the pool lock already released: Emit may do blocking I/O.
func (m *Manager) finalize(sess *session.Session) {
	if sess.Timer != nil {
		sess.Timer.Stop()
	}
	if len(sess.CandidateResponse) < 3 || sess.Emit == nil {
		return
	}
	out := make([]byte, len(sess.CandidateResponse))
	copy(out, sess.CandidateResponse)
	binary.BigEndian.PutUint16(out[0:2], sess.RawID)
	sess.Emit(out)
}

// Close releases every worker socket/connection the manager's sender
// opened.
func (m *Manager) Close() {
	m.sndr.Close()
}

// Len reports the number of in-flight sessions, for admin-surface stats.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pool)
}
