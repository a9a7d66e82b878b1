package sessionmgr_test

import (
	"encoding/binary"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/jroosing/crappydns/internal/dns"
	"github.com/jroosing/crappydns/internal/hosts"
	"github.com/jroosing/crappydns/internal/sessionmgr"
	"github.com/jroosing/crappydns/internal/upstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildQuery(t *testing.T, id uint16, name string) []byte {
	t.Helper()
	pkt := dns.Packet{
		Header:    dns.Header{ID: id, Flags: dns.RDFlag},
		Questions: []dns.Question{{Name: name, Type: uint16(dns.TypeA), Class: uint16(dns.ClassIN)}},
	}
	b, err := pkt.Marshal()
	require.NoError(t, err)
	return b
}

// fakeUpstream answers every query it receives with an A record for ip,
// preserving the query's own (pipelined) id.
func fakeUpstream(t *testing.T, ip net.IP) *net.UDPAddr {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	go func() {
		buf := make([]byte, 512)
		for {
			n, addr, err := conn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			req, err := dns.ParsePacket(buf[:n])
			if err != nil {
				continue
			}
			resp := dns.Packet{
				Header:    dns.Header{ID: req.Header.ID, Flags: dns.QRFlag | dns.RDFlag | dns.RAFlag},
				Questions: req.Questions,
				Answers: []dns.Record{{
					Name: req.Questions[0].Name, Type: uint16(dns.TypeA), Class: uint16(dns.ClassIN),
					TTL: 60, Data: []byte(ip.To4()),
				}},
			}
			out, err := resp.Marshal()
			if err != nil {
				continue
			}
			_, _ = conn.WriteToUDP(out, addr)
		}
	}()
	return conn.LocalAddr().(*net.UDPAddr)
}

func TestHandleQuery_ResolvesAndRestoresRawID(t *testing.T) {
	addr := fakeUpstream(t, net.ParseIP("93.184.216.34"))
	srv, err := upstream.Parse(addr.String(), upstream.Healthy)
	require.NoError(t, err)

	mgr := sessionmgr.New([]*upstream.Server{srv}, nil, nil, 2*time.Second, nil)
	defer mgr.Close()

	raw := buildQuery(t, 0xBEEF, "example.com")

	var mu sync.Mutex
	var reply []byte
	done := make(chan struct{}, 1)
	mgr.HandleQuery(raw, nil, func(b []byte) {
		mu.Lock()
		reply = b
		mu.Unlock()
		done <- struct{}{}
	})

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("query never resolved")
	}

	mu.Lock()
	defer mu.Unlock()
	require.GreaterOrEqual(t, len(reply), 12)
	assert.Equal(t, uint16(0xBEEF), binary.BigEndian.Uint16(reply[0:2]))
}

func TestHandleQuery_BadRequestNeverEmits(t *testing.T) {
	mgr := sessionmgr.New(nil, nil, nil, 200*time.Millisecond, nil)
	defer mgr.Close()

	called := false
	mgr.HandleQuery([]byte{0x01}, nil, func([]byte) { called = true })
	time.Sleep(50 * time.Millisecond)
	assert.False(t, called)
}

func TestHandleQuery_TimesOutWithNoUpstreamsAndNoEmit(t *testing.T) {
	mgr := sessionmgr.New(nil, nil, nil, 50*time.Millisecond, nil)
	defer mgr.Close()

	called := false
	raw := buildQuery(t, 1, "example.com")
	mgr.HandleQuery(raw, nil, func([]byte) { called = true })

	time.Sleep(150 * time.Millisecond)
	assert.False(t, called)
	assert.Equal(t, 0, mgr.Len())
}

func TestHandleQuery_DedicatedSyntheticAnswerFromHostsRule(t *testing.T) {
	idx := hosts.NewIndex()
	rule, err := hosts.Parse("1.2.3.4 example.com", nil)
	require.NoError(t, err)
	idx.AddRule(rule)

	mgr := sessionmgr.New(nil, idx, nil, 2*time.Second, nil)
	defer mgr.Close()

	raw := buildQuery(t, 0x42, "example.com")
	done := make(chan []byte, 1)
	mgr.HandleQuery(raw, nil, func(b []byte) { done <- b })

	select {
	case reply := <-done:
		require.GreaterOrEqual(t, len(reply), 12)
		assert.Equal(t, uint16(0x42), binary.BigEndian.Uint16(reply[0:2]))
		pkt, err := dns.ParsePacket(reply)
		require.NoError(t, err)
		require.Len(t, pkt.Answers, 1)
		assert.Equal(t, []byte(net.ParseIP("1.2.3.4").To4()), pkt.Answers[0].Data)
	case <-time.After(2 * time.Second):
		t.Fatal("dedicated synthetic answer never emitted")
	}
}

func TestLen_TracksInFlightSessions(t *testing.T) {
	// An upstream that never answers keeps the session outstanding; with no
	// upstreams at all the session would finalize immediately.
	silent, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	require.NoError(t, err)
	t.Cleanup(func() { silent.Close() })
	srv, err := upstream.Parse(silent.LocalAddr().String(), upstream.Healthy)
	require.NoError(t, err)

	mgr := sessionmgr.New([]*upstream.Server{srv}, nil, nil, 2*time.Second, nil)
	defer mgr.Close()
	assert.Equal(t, 0, mgr.Len())

	raw := buildQuery(t, 1, "example.com")
	mgr.HandleQuery(raw, nil, func([]byte) {})
	assert.Equal(t, 1, mgr.Len())
}
