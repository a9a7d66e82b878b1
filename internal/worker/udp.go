package worker

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/jroosing/crappydns/internal/dns"
	"github.com/jroosing/crappydns/internal/upstream"
)

// UDPWorker owns one socket dialed at its upstream. Because the socket is
// connected (net.DialUDP), the kernel already drops datagrams whose source
// doesn't match the upstream address, giving us the
// "other sources are dropped" requirement for
// free rather than by manual address comparison.
type UDPWorker struct {
	server *upstream.Server
	logger *slog.Logger
	onSend OnSendFunc
	onRecv OnRecvFunc

	mu   sync.Mutex
	conn *net.UDPConn
}

// NewUDP creates a UDP worker for server. onRecv is invoked from the
// worker's own reader goroutine and onSend from a fresh goroutine per send
// (see reportSend); callers must not block in them.
func NewUDP(server *upstream.Server, logger *slog.Logger, onSend OnSendFunc, onRecv OnRecvFunc) *UDPWorker {
	return &UDPWorker{server: server, logger: logger, onSend: onSend, onRecv: onRecv}
}

func (w *UDPWorker) Server() *upstream.Server { return w.server }

// Send lazily (re)opens the socket, writes the tagged request, and starts
// the single reader goroutine the first time the socket is opened.
func (w *UDPWorker) Send(pipelinedID uint16, payload []byte) error {
	w.mu.Lock()
	conn, fresh, err := w.ensureConnLocked()
	w.mu.Unlock()
	if err != nil {
		w.reportSend(pipelinedID, err)
		return nil
	}
	if fresh {
		go w.recvLoop(conn)
	}

	_, werr := conn.Write(payload)
	w.reportSend(pipelinedID, werr)
	if werr != nil {
		w.closeConn(conn)
	}
	return nil
}

// reportSend invokes onSend on its own goroutine, never the caller's: Send
// is reachable from the session manager while it still holds its pool
// lock, and onSend re-enters that same lock, so calling it synchronously
// here would deadlock the manager against itself.
func (w *UDPWorker) reportSend(id uint16, err error) {
	if w.onSend == nil {
		return
	}
	onSend, server := w.onSend, w.server
	go onSend(id, server, err)
}

func (w *UDPWorker) ensureConnLocked() (*net.UDPConn, bool, error) {
	if w.conn != nil {
		return w.conn, false, nil
	}
	conn, err := net.DialUDP("udp", nil, w.server.Addr)
	if err != nil {
		return nil, false, fmt.Errorf("worker: udp dial %s: %w", w.server.Addr, err)
	}
	w.conn = conn
	return conn, true, nil
}

// recvLoop is the single reader goroutine for this worker's socket,
// one reader goroutine per socket. It exits once the
// socket it was started on is replaced or closed.
func (w *UDPWorker) recvLoop(conn *net.UDPConn) {
	buf := make([]byte, dns.MaxIncomingDNSMessageSize)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			w.closeConn(conn)
			return
		}
		if n < 2 {
			// Partial/too-short read: ignored.
			continue
		}
		payload := make([]byte, n)
		copy(payload, buf[:n])
		if w.onRecv != nil {
			w.onRecv(Reply{Payload: payload, Server: w.server})
		}
	}
}

func (w *UDPWorker) closeConn(conn *net.UDPConn) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.conn == conn {
		_ = w.conn.Close()
		w.conn = nil
	}
}

func (w *UDPWorker) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.conn == nil {
		return nil
	}
	err := w.conn.Close()
	w.conn = nil
	return err
}

// readWireID returns the DNS id from a raw reply payload before it has been
// parsed into a dns.Packet; the TCP worker uses it to match replies to
// in-flight queries.
func readWireID(payload []byte) uint16 {
	if len(payload) < 2 {
		return 0
	}
	return binary.BigEndian.Uint16(payload[0:2])
}
