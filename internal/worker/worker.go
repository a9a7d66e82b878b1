// Package worker implements the per-upstream transport workers: a UDP
// worker (single unconnected-by-the-protocol socket, fire-and-forget) and
// a TCP worker (length-prefixed framing, request pipelining, automatic
// reconnect with a bounded retry count). Both are driven purely by
// callbacks so the caller (internal/sender) never blocks waiting for a
// reply; replies and send-completion notifications are delivered
// asynchronously on the worker's own goroutines.
package worker

import (
	"github.com/jroosing/crappydns/internal/upstream"
)

// Reply is one inbound datagram/message from a worker's upstream,
// carrying the identity of the server that sent it.
type Reply struct {
	Payload []byte
	Server  *upstream.Server
}

// Worker sends a session's request payload to its one configured
// upstream. Send must not block on the network round trip: completion is
// reported asynchronously via OnSend, and any reply via OnRecv.
type Worker interface {
	// Server returns the upstream this worker talks to.
	Server() *upstream.Server
	// Send transmits payload (tagged by pipelinedID for demultiplexing the
	// eventual reply). Returns an error only for a synchronous, immediate
	// failure to submit (e.g. a duplicate in-flight id); asynchronous
	// transport failures are reported through OnSend instead.
	Send(pipelinedID uint16, payload []byte) error
	// Close releases the worker's socket/connection.
	Close() error
}

// OnSendFunc reports the outcome of one Send call. err is nil on success;
// a non-nil err means the caller should treat this upstream's vote for
// pipelinedID as never arriving (decrement outstanding replies).
type OnSendFunc func(pipelinedID uint16, server *upstream.Server, err error)

// OnRecvFunc delivers one reply from a worker's upstream.
type OnRecvFunc func(reply Reply)
