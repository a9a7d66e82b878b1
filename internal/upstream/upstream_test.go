package upstream_test

import (
	"testing"

	"github.com/jroosing/crappydns/internal/upstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_DefaultsToUDPAndPort53(t *testing.T) {
	s, err := upstream.Parse("1.1.1.1", upstream.Healthy)
	require.NoError(t, err)
	assert.Equal(t, upstream.UDP, s.Transport)
	assert.Equal(t, 53, s.Addr.Port)
	assert.Equal(t, upstream.Healthy, s.Health)
}

func TestParse_ExplicitTransportAndPort(t *testing.T) {
	s, err := upstream.Parse("tcp://9.9.9.9:5353", upstream.Poisoned)
	require.NoError(t, err)
	assert.Equal(t, upstream.TCP, s.Transport)
	assert.Equal(t, 5353, s.Addr.Port)
	assert.Equal(t, upstream.Poisoned, s.Health)
}

func TestParse_UDPPrefix(t *testing.T) {
	s, err := upstream.Parse("udp://8.8.8.8:53", upstream.Healthy)
	require.NoError(t, err)
	assert.Equal(t, upstream.UDP, s.Transport)
}

func TestParse_IPv6Bracketed(t *testing.T) {
	s, err := upstream.Parse("tcp://[2001:db8::1]:53", upstream.Healthy)
	require.NoError(t, err)
	assert.Equal(t, "2001:db8::1", s.Addr.IP.String())
	assert.Equal(t, 53, s.Addr.Port)
}

func TestParse_InvalidAddress(t *testing.T) {
	_, err := upstream.Parse("not-an-ip", upstream.Healthy)
	assert.Error(t, err)
}

func TestParse_InvalidPort(t *testing.T) {
	_, err := upstream.Parse("1.1.1.1:notaport", upstream.Healthy)
	assert.Error(t, err)
}

func TestParseList_CommaSeparated(t *testing.T) {
	servers, err := upstream.ParseList("1.1.1.1, tcp://9.9.9.9:53", upstream.Healthy)
	require.NoError(t, err)
	require.Len(t, servers, 2)
	assert.Equal(t, upstream.UDP, servers[0].Transport)
	assert.Equal(t, upstream.TCP, servers[1].Transport)
}

func TestParseList_Empty(t *testing.T) {
	servers, err := upstream.ParseList("  ", upstream.Healthy)
	require.NoError(t, err)
	assert.Nil(t, servers)
}

func TestServer_KeyDistinguishesHealthTransportAndAddr(t *testing.T) {
	a, _ := upstream.Parse("1.1.1.1", upstream.Healthy)
	b, _ := upstream.Parse("1.1.1.1", upstream.Poisoned)
	c, _ := upstream.Parse("tcp://1.1.1.1", upstream.Healthy)

	assert.NotEqual(t, a.Key(), b.Key())
	assert.NotEqual(t, a.Key(), c.Key())
}

func TestTrustedServer_HasTrustedHealth(t *testing.T) {
	s := upstream.TrustedServer()
	assert.Equal(t, upstream.Trusted, s.Health)
}
