// Package server implements DNS protocol servers for UDP and TCP.
//
// Goroutine Model:
//
// The server spawns multiple goroutines for handling incoming queries:
//   - UDPServer: 1 receiver + N workers per CPU core
//   - TCPServer: 1 listener per CPU core + 1 handler per active connection
//
// All goroutines are coordinated through a shared context:
//   - Context is cancelled on shutdown signal (SIGINT/SIGTERM)
//   - All goroutines check context regularly and exit cleanly
//   - No long-lived blocking operations without context awareness
//
// Error Handling:
//
// Errors are wrapped with context using fmt.Errorf("...: %w", err) throughout.
// This preserves error chains while adding operational context.
package server

import (
	"context"
	"log/slog"
	"net"

	"github.com/jroosing/crappydns/internal/dns"
	"github.com/jroosing/crappydns/internal/sessionmgr"
)

// QueryHandler is the listener-facing entry point into the session
// manager. Unlike a synchronous resolver, Dispatch never returns a
// response directly: the manager decides, asynchronously, when enough
// upstream replies have arrived and invokes emit itself. The only
// synchronous work done here is rejecting requests too malformed to even
// build a pipelined session for (returning a FORMERR where possible).
type QueryHandler struct {
	Logger  *slog.Logger
	Manager *sessionmgr.Manager
}

// Dispatch hands one raw client request to the session manager. emit is
// called at most once, from whatever goroutine resolves or times out the
// session, with the final wire-ready response bytes (original client
// transaction ID restored). It is not called for a request too short to
// carry a header, nor for a session that finalizes with no candidate. Dispatch itself never blocks on the network.
func (h *QueryHandler) Dispatch(transport string, src net.Addr, reqBytes []byte, emit func([]byte)) {
	if _, err := dns.ParseRequestBounded(reqBytes); err != nil {
		if resp := tryBuildErrorFromRaw(reqBytes, uint16(dns.RCodeFormErr)); resp != nil {
			emit(resp)
		}
		return
	}

	if h.Logger != nil && h.Logger.Enabled(context.Background(), slog.LevelDebug) {
		h.Logger.Debug("dns request", "transport", transport, "src", src.String(), "bytes", len(reqBytes))
	}

	h.Manager.HandleQuery(reqBytes, src, emit)
}

// tryBuildErrorFromRaw attempts to construct an error response from raw bytes.
// This is used when request parsing fails but we can still extract enough
// information (transaction ID, question) to build a valid error response.
//
// Returns nil if even the header cannot be parsed.
func tryBuildErrorFromRaw(reqBytes []byte, rcode uint16) []byte {
	off := 0
	h, err := dns.ParseHeader(reqBytes, &off)
	if err != nil {
		return nil
	}

	// Try to include the question in the error response
	var questions []dns.Question
	if h.QDCount > 0 {
		q, err := dns.ParseQuestion(reqBytes, &off)
		if err == nil {
			questions = make([]dns.Question, 1)
			questions[0] = q
		}
	}

	p := dns.Packet{Header: dns.Header{ID: h.ID, Flags: h.Flags}, Questions: questions}
	b, _ := dns.BuildErrorResponse(p, rcode).Marshal()
	return b
}
