package worker

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"

	"github.com/jroosing/crappydns/internal/upstream"
)

// RetryThreshold is the number of reconnects a still-pooled query
// survives before the worker gives up on it and reports CONN_ABORTED via
// OnSend. Default of 1 allows exactly one reconnect retry, matching
// one reconnect retry.
const RetryThreshold = 1

// ErrConnAborted is reported to OnSend when a pooled query exhausts its
// retries across reconnects without ever getting a reply.
var ErrConnAborted = errors.New("worker: connection aborted after retry threshold")

// errDuplicateID is returned by Send when the caller reuses a
// pipelinedID that is still in flight: a programming error in the
// caller, which must allocate unique ids per in-flight query.
var errDuplicateID = errors.New("worker: pipelinedID already in flight")

type inFlight struct {
	payload []byte
	retries int
}

// TCPWorker maintains one connection-oriented upstream with
// length-prefixed DNS framing, replaying every pooled in-flight request
// after a (re)connect.
type TCPWorker struct {
	server *upstream.Server
	logger *slog.Logger
	onSend OnSendFunc
	onRecv OnRecvFunc

	mu         sync.Mutex
	conn       net.Conn
	connected  bool
	connecting bool
	inFlight   map[uint16]*inFlight
}

// NewTCP creates a TCP worker for server.
func NewTCP(server *upstream.Server, logger *slog.Logger, onSend OnSendFunc, onRecv OnRecvFunc) *TCPWorker {
	return &TCPWorker{
		server:   server,
		logger:   logger,
		onSend:   onSend,
		onRecv:   onRecv,
		inFlight: make(map[uint16]*inFlight),
	}
}

func (w *TCPWorker) Server() *upstream.Server { return w.server }

// Send enqueues payload under pipelinedID and ensures a connect is under
// way. If already connected, the request is written (and every other
// pooled request re-sent would be redundant, so only this one is written
// immediately); the full in-flight pool is only replayed after a fresh
// connect succeeds.
func (w *TCPWorker) Send(pipelinedID uint16, payload []byte) error {
	w.mu.Lock()
	if _, dup := w.inFlight[pipelinedID]; dup {
		w.mu.Unlock()
		return fmt.Errorf("%w: id %d", errDuplicateID, pipelinedID)
	}
	w.inFlight[pipelinedID] = &inFlight{payload: payload}

	if w.connected && w.conn != nil {
		conn := w.conn
		w.mu.Unlock()
		if err := writeFramed(conn, payload); err != nil {
			w.handleConnError(conn)
			return nil
		}
		return nil
	}

	alreadyConnecting := w.connecting
	w.connecting = true
	w.mu.Unlock()

	if !alreadyConnecting {
		go w.connectAndReplay()
	}
	return nil
}

// connectAndReplay dials the upstream and, on success, replays every
// query still in the pool (back-to-back). On failure
// it applies the reconnect/retry policy to the pool.
func (w *TCPWorker) connectAndReplay() {
	conn, err := net.Dial(w.server.Transport.String(), w.server.Addr.String())

	w.mu.Lock()
	w.connecting = false
	if err != nil {
		pending := w.applyRetryPolicyLocked()
		w.mu.Unlock()
		if pending {
			go w.connectAndReplay()
		}
		return
	}
	w.conn = conn
	w.connected = true
	payloads := make([][]byte, 0, len(w.inFlight))
	for _, q := range w.inFlight {
		payloads = append(payloads, q.payload)
	}
	w.mu.Unlock()

	for _, p := range payloads {
		if werr := writeFramed(conn, p); werr != nil {
			w.handleConnError(conn)
			return
		}
	}
	go w.recvLoop(conn)
}

// handleConnError closes conn (if it is still the active connection),
// clears the receive buffer implicitly (a fresh conn gets a fresh
// reader), and applies the reconnect/retry policy.
func (w *TCPWorker) handleConnError(conn net.Conn) {
	w.mu.Lock()
	if w.conn == conn {
		_ = conn.Close()
		w.conn = nil
		w.connected = false
	}
	pending := w.applyRetryPolicyLocked()
	w.mu.Unlock()
	if pending {
		w.mu.Lock()
		alreadyConnecting := w.connecting
		w.connecting = true
		w.mu.Unlock()
		if !alreadyConnecting {
			go w.connectAndReplay()
		}
	}
}

// applyRetryPolicyLocked increments every pooled query's retry count,
// evicting (and reporting ErrConnAborted for) any that now exceed
// RetryThreshold. Returns whether any queries remain to justify a
// reconnect. Caller must hold w.mu.
func (w *TCPWorker) applyRetryPolicyLocked() bool {
	var aborted []uint16
	for id, q := range w.inFlight {
		q.retries++
		if q.retries > RetryThreshold {
			aborted = append(aborted, id)
		}
	}
	for _, id := range aborted {
		delete(w.inFlight, id)
	}
	remain := len(w.inFlight) > 0
	if len(aborted) > 0 && w.onSend != nil {
		server, onSend := w.server, w.onSend
		go func() {
			for _, id := range aborted {
				onSend(id, server, ErrConnAborted)
			}
		}()
	}
	return remain
}

// recvLoop reads length-prefixed replies off conn, demultiplexing by the
// DNS id embedded in each reply's own header.
func (w *TCPWorker) recvLoop(conn net.Conn) {
	var buf bytes.Buffer
	lenHdr := make([]byte, 2)
	chunk := make([]byte, 4096)
	for {
		n, err := conn.Read(chunk)
		if n > 0 {
			buf.Write(chunk[:n])
			w.drainFrames(&buf, lenHdr, conn)
		}
		if err != nil {
			w.handleConnError(conn)
			return
		}
	}
}

// drainFrames extracts every complete length-prefixed message currently
// buffered and dispatches it.
func (w *TCPWorker) drainFrames(buf *bytes.Buffer, lenHdr []byte, conn net.Conn) {
	for {
		avail := buf.Bytes()
		if len(avail) < 2 {
			return
		}
		msgLen := int(binary.BigEndian.Uint16(avail[0:2]))
		if len(avail) < 2+msgLen {
			return
		}
		payload := make([]byte, msgLen)
		copy(payload, avail[2:2+msgLen])
		buf.Next(2 + msgLen)

		id := readWireID(payload)
		w.mu.Lock()
		_, known := w.inFlight[id]
		if known {
			delete(w.inFlight, id)
		}
		w.mu.Unlock()

		if !known {
			if w.logger != nil {
				w.logger.Warn("worker: dropping duplicate/stray tcp reply", "server", w.server.String(), "id", id)
			}
			continue
		}
		if w.onSend != nil {
			w.onSend(id, w.server, nil)
		}
		if w.onRecv != nil {
			w.onRecv(Reply{Payload: payload, Server: w.server})
		}
	}
}

func writeFramed(conn net.Conn, payload []byte) error {
	var hdr [2]byte
	if len(payload) > 0xFFFF {
		return fmt.Errorf("worker: tcp payload too large: %d bytes", len(payload))
	}
	binary.BigEndian.PutUint16(hdr[:], uint16(len(payload)))
	bufs := net.Buffers{hdr[:], payload}
	_, err := bufs.WriteTo(conn)
	if err != nil {
		return fmt.Errorf("worker: tcp write: %w", err)
	}
	return nil
}

func (w *TCPWorker) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.conn == nil {
		return nil
	}
	err := w.conn.Close()
	w.conn = nil
	w.connected = false
	return err
}

var _ io.Closer = (*TCPWorker)(nil)
