package worker_test

import (
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/jroosing/crappydns/internal/upstream"
	"github.com/jroosing/crappydns/internal/worker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// tcpEcho accepts one connection, reads length-prefixed frames, and echoes
// each one straight back.
func tcpEcho(t *testing.T) *net.TCPAddr {
	t.Helper()
	ln, err := net.ListenTCP("tcp", &net.TCPAddr{IP: net.ParseIP("127.0.0.1")})
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		hdr := make([]byte, 2)
		for {
			if _, err := readFull(conn, hdr); err != nil {
				return
			}
			n := binary.BigEndian.Uint16(hdr)
			body := make([]byte, n)
			if _, err := readFull(conn, body); err != nil {
				return
			}
			out := append(append([]byte{}, hdr...), body...)
			if _, err := conn.Write(out); err != nil {
				return
			}
		}
	}()
	return ln.Addr().(*net.TCPAddr)
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func tcpUpstreamServer(t *testing.T, addr *net.TCPAddr) *upstream.Server {
	t.Helper()
	s, err := upstream.Parse("tcp://"+addr.String(), upstream.Healthy)
	require.NoError(t, err)
	return s
}

func framedID(id uint16) []byte {
	payload := make([]byte, 12)
	binary.BigEndian.PutUint16(payload[0:2], id)
	return payload
}

func TestTCPWorker_ConnectsSendsAndReceives(t *testing.T) {
	addr := tcpEcho(t)
	srv := tcpUpstreamServer(t, addr)

	recvCh := make(chan worker.Reply, 1)
	w := worker.NewTCP(srv, nil, func(uint16, *upstream.Server, error) {}, func(r worker.Reply) { recvCh <- r })
	defer w.Close()

	require.NoError(t, w.Send(7, framedID(7)))

	select {
	case r := <-recvCh:
		assert.Equal(t, uint16(7), binary.BigEndian.Uint16(r.Payload[0:2]))
		assert.Same(t, srv, r.Server)
	case <-time.After(2 * time.Second):
		t.Fatal("no reply received")
	}
}

func TestTCPWorker_DuplicateInFlightIDRejected(t *testing.T) {
	addr := tcpEcho(t)
	srv := tcpUpstreamServer(t, addr)

	w := worker.NewTCP(srv, nil, func(uint16, *upstream.Server, error) {}, func(worker.Reply) {})
	defer w.Close()

	require.NoError(t, w.Send(5, framedID(5)))
	err := w.Send(5, framedID(5))
	assert.Error(t, err)
}

func TestTCPWorker_AbortsAfterRetryThresholdOnDeadUpstream(t *testing.T) {
	// Dial a port nothing listens on so every connect attempt fails.
	ln, err := net.ListenTCP("tcp", &net.TCPAddr{IP: net.ParseIP("127.0.0.1")})
	require.NoError(t, err)
	addr := ln.Addr().(*net.TCPAddr)
	ln.Close() // now guaranteed closed/refused

	srv := tcpUpstreamServer(t, addr)

	abortCh := make(chan error, 1)
	w := worker.NewTCP(srv, nil, func(id uint16, s *upstream.Server, err error) {
		if err != nil {
			abortCh <- err
		}
	}, func(worker.Reply) {})
	defer w.Close()

	require.NoError(t, w.Send(1, framedID(1)))

	select {
	case err := <-abortCh:
		assert.ErrorIs(t, err, worker.ErrConnAborted)
	case <-time.After(5 * time.Second):
		t.Fatal("expected ErrConnAborted after retry threshold")
	}
}

func TestTCPWorker_ServerReturnsConfiguredServer(t *testing.T) {
	addr := tcpEcho(t)
	srv := tcpUpstreamServer(t, addr)
	w := worker.NewTCP(srv, nil, nil, nil)
	defer w.Close()
	assert.Same(t, srv, w.Server())
}
