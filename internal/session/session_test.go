package session_test

import (
	"encoding/binary"
	"net"
	"testing"

	"github.com/jroosing/crappydns/internal/dns"
	"github.com/jroosing/crappydns/internal/hosts"
	"github.com/jroosing/crappydns/internal/session"
	"github.com/jroosing/crappydns/internal/trustednet"
	"github.com/jroosing/crappydns/internal/upstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func aQuery(t *testing.T, id uint16, name string) []byte {
	t.Helper()
	pkt := dns.Packet{
		Header:    dns.Header{ID: id, Flags: dns.RDFlag},
		Questions: []dns.Question{{Name: name, Type: uint16(dns.TypeA), Class: uint16(dns.ClassIN)}},
	}
	b, err := pkt.Marshal()
	require.NoError(t, err)
	return b
}

func aAnswer(t *testing.T, id uint16, name string, ip net.IP) dns.Packet {
	t.Helper()
	v4 := ip.To4()
	require.NotNil(t, v4)
	return dns.Packet{
		Header:    dns.Header{ID: id, Flags: dns.QRFlag | dns.RDFlag | dns.RAFlag},
		Questions: []dns.Question{{Name: name, Type: uint16(dns.TypeA), Class: uint16(dns.ClassIN)}},
		Answers: []dns.Record{
			{Name: name, Type: uint16(dns.TypeA), Class: uint16(dns.ClassIN), TTL: 300, Data: []byte(v4)},
		},
	}
}

func emptyAnswer(id uint16, name string) dns.Packet {
	return dns.Packet{
		Header:    dns.Header{ID: id, Flags: dns.QRFlag | dns.RDFlag | dns.RAFlag},
		Questions: []dns.Question{{Name: name, Type: uint16(dns.TypeA), Class: uint16(dns.ClassIN)}},
	}
}

func trustedTableWith(t *testing.T, cidr string) *trustednet.Table {
	t.Helper()
	b := trustednet.NewBuilder(false)
	require.NoError(t, b.AddCIDR(cidr))
	return b.Build()
}

func TestNew_RewritesIDAndPreservesRaw(t *testing.T) {
	raw := aQuery(t, 0x1234, "example.com")
	s := session.New(raw, nil, 0xabcd, nil)

	assert.Equal(t, session.StatusInit, s.Status)
	assert.Equal(t, uint16(0x1234), s.RawID)
	assert.Equal(t, uint16(0xabcd), s.PipelinedID)
	assert.Equal(t, "example.com", s.QueryName)
	assert.Equal(t, binary.BigEndian.Uint16(s.RequestPayload[0:2]), uint16(0xabcd))
}

func TestNew_BadRequestOnUnparsablePacket(t *testing.T) {
	s := session.New([]byte{0x01}, nil, 1, nil)
	assert.Equal(t, session.StatusBadRequest, s.Status)
}

func TestNew_BadRequestOnEmptyQuestionSection(t *testing.T) {
	pkt := dns.Packet{Header: dns.Header{ID: 1, Flags: dns.RDFlag}}
	raw, err := pkt.Marshal()
	require.NoError(t, err)

	s := session.New(raw, nil, 2, nil)
	assert.Equal(t, session.StatusBadRequest, s.Status)
}

func TestNew_NonAddressQuestionStillInit(t *testing.T) {
	pkt := dns.Packet{
		Header:    dns.Header{ID: 1, Flags: dns.RDFlag},
		Questions: []dns.Question{{Name: "example.com", Type: 15, Class: uint16(dns.ClassIN)}}, // MX
	}
	raw, err := pkt.Marshal()
	require.NoError(t, err)

	s := session.New(raw, nil, 2, nil)
	assert.Equal(t, session.StatusInit, s.Status)
	assert.Equal(t, "", s.QueryName)
}

func TestNew_DedicatedOnHostsMatch(t *testing.T) {
	idx := hosts.NewIndex()
	rule, err := hosts.Parse("1.2.3.4 example.com", nil)
	require.NoError(t, err)
	idx.AddRule(rule)

	raw := aQuery(t, 7, "example.com")
	s := session.New(raw, nil, 9, idx)

	assert.Equal(t, session.StatusDedicated, s.Status)
	require.NotNil(t, s.MatchedRule)
}

func TestResolve_Init_HealthyGoesToWaitFast(t *testing.T) {
	raw := aQuery(t, 1, "example.com")
	s := session.New(raw, nil, 2, nil)
	s.ResponseOnTheWay = 2

	resp := aAnswer(t, 2, "example.com", net.ParseIP("93.184.216.34"))
	done, err := s.Resolve(upstream.Healthy, resp, nil)
	require.NoError(t, err)
	assert.False(t, done)
	assert.Equal(t, session.StatusWaitFast, s.Status)
	assert.NotEmpty(t, s.CandidateResponse)
}

func TestResolve_Init_PoisonedButTrustedResolvesImmediately(t *testing.T) {
	raw := aQuery(t, 1, "example.com")
	s := session.New(raw, nil, 2, nil)
	s.ResponseOnTheWay = 2
	table := trustedTableWith(t, "10.0.0.0/8")

	resp := aAnswer(t, 2, "example.com", net.ParseIP("10.1.2.3"))
	done, err := s.Resolve(upstream.Poisoned, resp, table)
	require.NoError(t, err)
	assert.True(t, done)
	assert.Equal(t, session.StatusResolved, s.Status)
}

func TestResolve_Init_PoisonedUntrustedGoesToWaitHealth(t *testing.T) {
	raw := aQuery(t, 1, "example.com")
	s := session.New(raw, nil, 2, nil)
	s.ResponseOnTheWay = 2

	resp := aAnswer(t, 2, "example.com", net.ParseIP("93.184.216.34"))
	done, err := s.Resolve(upstream.Poisoned, resp, nil)
	require.NoError(t, err)
	assert.False(t, done)
	assert.Equal(t, session.StatusWaitHealth, s.Status)
}

func TestResolve_WaitHealth_ResolvesOnHealthyOrTrusted(t *testing.T) {
	raw := aQuery(t, 1, "example.com")
	s := session.New(raw, nil, 2, nil)
	s.ResponseOnTheWay = 3
	s.Status = session.StatusWaitHealth

	resp := aAnswer(t, 2, "example.com", net.ParseIP("93.184.216.34"))
	done, err := s.Resolve(upstream.Healthy, resp, nil)
	require.NoError(t, err)
	assert.True(t, done)
	assert.Equal(t, session.StatusResolved, s.Status)
}

func TestResolve_WaitHealth_IgnoresAnotherPoisonedUntrustedReply(t *testing.T) {
	raw := aQuery(t, 1, "example.com")
	s := session.New(raw, nil, 2, nil)
	s.ResponseOnTheWay = 3
	s.Status = session.StatusWaitHealth
	first := s.CandidateResponse

	resp := aAnswer(t, 2, "example.com", net.ParseIP("1.2.3.4"))
	done, err := s.Resolve(upstream.Poisoned, resp, nil)
	require.NoError(t, err)
	assert.False(t, done)
	assert.Equal(t, session.StatusWaitHealth, s.Status)
	assert.Equal(t, first, s.CandidateResponse)
}

func TestResolve_WaitFast_HealthyTrustedAdoptsWithoutResolving(t *testing.T) {
	raw := aQuery(t, 1, "example.com")
	s := session.New(raw, nil, 2, nil)
	s.ResponseOnTheWay = 3
	s.Status = session.StatusWaitFast
	table := trustedTableWith(t, "10.0.0.0/8")

	resp := aAnswer(t, 2, "example.com", net.ParseIP("10.1.2.3"))
	done, err := s.Resolve(upstream.Healthy, resp, table)
	require.NoError(t, err)
	assert.False(t, done)
	assert.Equal(t, session.StatusWaitFast, s.Status)
	assert.NotEmpty(t, s.CandidateResponse)
}

func TestResolve_WaitFast_PoisonedTrustedResolves(t *testing.T) {
	raw := aQuery(t, 1, "example.com")
	s := session.New(raw, nil, 2, nil)
	s.ResponseOnTheWay = 3
	s.Status = session.StatusWaitFast
	table := trustedTableWith(t, "10.0.0.0/8")

	resp := aAnswer(t, 2, "example.com", net.ParseIP("10.1.2.3"))
	done, err := s.Resolve(upstream.Poisoned, resp, table)
	require.NoError(t, err)
	assert.True(t, done)
	assert.Equal(t, session.StatusResolved, s.Status)
}

func TestResolve_WaitFast_PoisonedUntrustedIgnored(t *testing.T) {
	raw := aQuery(t, 1, "example.com")
	s := session.New(raw, nil, 2, nil)
	s.ResponseOnTheWay = 3
	s.Status = session.StatusWaitFast
	first := s.CandidateResponse

	resp := aAnswer(t, 2, "example.com", net.ParseIP("93.184.216.34"))
	done, err := s.Resolve(upstream.Poisoned, resp, nil)
	require.NoError(t, err)
	assert.False(t, done)
	assert.Equal(t, session.StatusWaitFast, s.Status)
	assert.Equal(t, first, s.CandidateResponse)
}

func TestResolve_ZeroAnswersAdoptedWithoutStatusChange(t *testing.T) {
	raw := aQuery(t, 1, "example.com")
	s := session.New(raw, nil, 2, nil)
	s.ResponseOnTheWay = 2

	resp := emptyAnswer(2, "example.com")
	done, err := s.Resolve(upstream.Healthy, resp, nil)
	require.NoError(t, err)
	assert.False(t, done)
	assert.Equal(t, session.StatusInit, s.Status)
	assert.NotEmpty(t, s.CandidateResponse)
}

func TestResolve_Dedicated_ResolvesUnconditionally(t *testing.T) {
	idx := hosts.NewIndex()
	rule, err := hosts.Parse("1.2.3.4 example.com", nil)
	require.NoError(t, err)
	idx.AddRule(rule)

	raw := aQuery(t, 1, "example.com")
	s := session.New(raw, nil, 2, idx)
	s.ResponseOnTheWay = 1
	require.Equal(t, session.StatusDedicated, s.Status)

	resp := aAnswer(t, 2, "example.com", net.ParseIP("1.2.3.4"))
	done, err := s.Resolve(upstream.Poisoned, resp, nil)
	require.NoError(t, err)
	assert.True(t, done)
	assert.Equal(t, session.StatusResolved, s.Status)
}

func TestResolve_LastReplyForcesFinalizeEvenIfNotResolved(t *testing.T) {
	raw := aQuery(t, 1, "example.com")
	s := session.New(raw, nil, 2, nil)
	s.ResponseOnTheWay = 1

	resp := aAnswer(t, 2, "example.com", net.ParseIP("93.184.216.34"))
	done, err := s.Resolve(upstream.Poisoned, resp, nil)
	require.NoError(t, err)
	assert.True(t, done)
	assert.Equal(t, session.StatusWaitHealth, s.Status)
}

func TestStatus_String(t *testing.T) {
	cases := map[session.Status]string{
		session.StatusBadRequest: "bad-request",
		session.StatusInit:       "init",
		session.StatusWaitHealth: "wait-health",
		session.StatusWaitFast:   "wait-fast",
		session.StatusResolved:   "resolved",
		session.StatusDedicated:  "dedicated",
	}
	for status, want := range cases {
		assert.Equal(t, want, status.String())
	}
}
