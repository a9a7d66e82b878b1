// Package session implements the per-query state machine that decides
// when enough upstream replies have arrived to answer a client, and
// which reply to trust.
//
// A Session is created for every inbound client query and lives under a
// pipelined ID (assigned by internal/sessionmgr) distinct from the
// client's own transaction ID, so concurrent queries racing against the
// same upstream set never collide on the wire. Its Status advances
// through Transit as upstream replies arrive, following the health- and
// trusted-network-aware race.
package session

import (
	"encoding/binary"
	"fmt"
	"net"
	"time"

	"github.com/jroosing/crappydns/internal/dns"
	"github.com/jroosing/crappydns/internal/hosts"
	"github.com/jroosing/crappydns/internal/trustednet"
	"github.com/jroosing/crappydns/internal/upstream"
)

// Status is a session's position in the race-resolution state machine.
type Status int

const (
	// StatusBadRequest marks a request that failed to parse; the session
	// is never pooled or dispatched.
	StatusBadRequest Status = iota
	// StatusInit is the starting state for an ordinary (non-hosts-matched)
	// query, before any upstream has replied.
	StatusInit
	// StatusWaitHealth means a poisoned, untrusted reply was adopted as a
	// fallback candidate; only a healthy or trusted-network reply can
	// finalize from here.
	StatusWaitHealth
	// StatusWaitFast means a healthy reply was adopted; a second,
	// trusted-network-confirmed reply can still override it before the
	// session finalizes.
	StatusWaitFast
	// StatusResolved is terminal: the candidate response is final.
	StatusResolved
	// StatusDedicated means the query matched a hosts rule and is routed
	// to that rule's dedicated server group (or answered synthetically),
	// bypassing the normal race entirely.
	StatusDedicated
)

func (s Status) String() string {
	switch s {
	case StatusBadRequest:
		return "bad-request"
	case StatusInit:
		return "init"
	case StatusWaitHealth:
		return "wait-health"
	case StatusWaitFast:
		return "wait-fast"
	case StatusResolved:
		return "resolved"
	case StatusDedicated:
		return "dedicated"
	default:
		return "unknown"
	}
}

// Session tracks one in-flight client query across the upstreams it has
// been fanned out to.
type Session struct {
	Status Status

	RawID       uint16 // client's original transaction ID
	PipelinedID uint16 // manager-assigned ID used on the wire to upstreams

	QueryName string
	QueryType uint16 // dns.TypeA / dns.TypeAAAA, or 0 if not address-typed

	ResponseOnTheWay int // outstanding upstream replies expected

	RequestPayload    []byte // original request, with ID rewritten to PipelinedID
	CandidateResponse []byte // best response seen so far, wire-encoded
	MatchedRule       *hosts.Rule
	ReplyTo           net.Addr

	// Emit writes the final reply datagram/message back to the client.
	// Set by the session manager at creation time from whichever listener
	// (UDP socket, TCP connection) produced the request; nil-safe no-op
	// for a session that never reaches finalization with a candidate.
	Emit func([]byte)

	Timer *time.Timer // cancelled once the session resolves early
}

// New constructs a Session from a raw client request. pipelinedID is
// assigned by the caller (the session manager owns ID generation). If the
// request fails to parse, or parses without a question section, the
// returned Session has StatusBadRequest and should not be pooled or
// dispatched.
func New(raw []byte, replyTo net.Addr, pipelinedID uint16, idx *hosts.Index) *Session {
	pkt, err := dns.ParsePacket(raw)
	if err != nil || len(pkt.Questions) == 0 {
		return &Session{Status: StatusBadRequest}
	}

	payload := make([]byte, len(raw))
	copy(payload, raw)
	binary.BigEndian.PutUint16(payload[0:2], pipelinedID)

	s := &Session{
		Status:           StatusInit,
		RawID:            pkt.Header.ID,
		PipelinedID:      pipelinedID,
		ResponseOnTheWay: 0,
		RequestPayload:   payload,
		ReplyTo:          replyTo,
	}

	q := pkt.Questions[0]
	if q.Type != uint16(dns.TypeA) && q.Type != uint16(dns.TypeAAAA) {
		return s
	}
	s.QueryName = q.Name
	s.QueryType = q.Type

	if idx == nil {
		return s
	}
	if rule := idx.Match(q.Name, q.Type); rule != nil {
		s.Status = StatusDedicated
		s.MatchedRule = rule
	}
	return s
}

// Resolve processes one upstream reply (or a hosts-engine synthetic
// reply). health is the identity of the responder; resp is its parsed
// packet; trusted classifies the address of each A-record answer. It
// returns true once the session has no further replies to wait for
// (ResponseOnTheWay reaches zero, or Status has reached StatusResolved),
// signalling the caller (sessionmgr) to finalize and deliver the
// candidate to the client.
func (s *Session) Resolve(health upstream.Health, resp dns.Packet, trusted *trustednet.Table) (bool, error) {
	s.ResponseOnTheWay--

	// A Dedicated session's upstream set is the hosts rule's own group (or
	// a single synthetic answer); the transition table resolves on any
	// reply regardless of its record type, unlike the broadcast race.
	if s.Status == StatusDedicated {
		s.Status = StatusResolved
		if err := s.adopt(resp); err != nil {
			return false, err
		}
		return true, nil
	}

	if len(resp.Answers) == 0 {
		if err := s.adopt(resp); err != nil {
			return false, err
		}
	} else {
		for _, rr := range resp.Answers {
			if dns.RecordType(rr.Type) == dns.TypeA {
				ip, ok := addrUint32(rr)
				inTrustedNet := ok && trusted != nil && trusted.ContainsUint32(ip)
				fromHealthy := health == upstream.Healthy
				if err := s.transit(inTrustedNet, fromHealthy, resp); err != nil {
					return false, err
				}
				continue
			}
			if s.Status == StatusInit || s.Status == StatusWaitHealth {
				if err := s.adopt(resp); err != nil {
					return false, err
				}
			}
		}
	}

	return s.ResponseOnTheWay <= 0 || s.Status == StatusResolved, nil
}

// transit implements the exact state-transition table driving the race:
// a response is adopted as the new candidate whenever the table says so,
// and Status moves accordingly.
func (s *Session) transit(inTrustedNet, fromHealthyDNS bool, resp dns.Packet) error {
	switch s.Status {
	case StatusInit:
		switch {
		case fromHealthyDNS:
			s.Status = StatusWaitFast
			return s.adopt(resp)
		case inTrustedNet:
			s.Status = StatusResolved
			return s.adopt(resp)
		default:
			s.Status = StatusWaitHealth
			return s.adopt(resp)
		}

	case StatusWaitHealth:
		if fromHealthyDNS || inTrustedNet {
			s.Status = StatusResolved
			return s.adopt(resp)
		}

	case StatusWaitFast:
		switch {
		case fromHealthyDNS && inTrustedNet:
			return s.adopt(resp)
		case !fromHealthyDNS && inTrustedNet:
			s.Status = StatusResolved
			return s.adopt(resp)
		}

	case StatusDedicated:
		s.Status = StatusResolved
		return s.adopt(resp)

	case StatusBadRequest, StatusResolved:
		// terminal
	}
	return nil
}

func (s *Session) adopt(resp dns.Packet) error {
	b, err := resp.Marshal()
	if err != nil {
		return fmt.Errorf("session: marshal candidate response: %w", err)
	}
	s.CandidateResponse = b
	return nil
}

// addrUint32 extracts an A record's address as a big-endian uint32, the
// form trustednet.Table.ContainsUint32 expects.
func addrUint32(rr dns.Record) (uint32, bool) {
	b, ok := rr.Data.([]byte)
	if !ok || len(b) != 4 {
		return 0, false
	}
	return binary.BigEndian.Uint32(b), true
}
