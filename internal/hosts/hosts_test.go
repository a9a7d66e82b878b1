package hosts_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/jroosing/crappydns/internal/dns"
	"github.com/jroosing/crappydns/internal/hosts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_RawRule_DefaultsMediumHigh(t *testing.T) {
	r, err := hosts.Parse("1.2.3.4 example.com", nil)
	require.NoError(t, err)
	require.NotNil(t, r)
	assert.Equal(t, hosts.Raw, r.Kind)
	assert.Equal(t, hosts.PriorityMediumHigh, r.Priority)
	assert.True(t, r.Match("example.com", uint16(dns.TypeA)))
	assert.False(t, r.Match("other.com", uint16(dns.TypeA)))
}

func TestParse_ExplicitPriority(t *testing.T) {
	r, err := hosts.Parse("<1> 1.2.3.4 example.com", nil)
	require.NoError(t, err)
	assert.Equal(t, hosts.PriorityHigh, r.Priority)
}

func TestParse_WildcardRule(t *testing.T) {
	r, err := hosts.Parse("1.2.3.4 *.example.com", nil)
	require.NoError(t, err)
	assert.Equal(t, hosts.Wildcard, r.Kind)
	assert.True(t, r.Match("foo.example.com", uint16(dns.TypeA)))
	assert.False(t, r.Match("example.com", uint16(dns.TypeA)))
}

func TestParse_RegexRule_DefaultsMedium(t *testing.T) {
	r, err := hosts.Parse("1.2.3.4 /^ads\\..*$/", nil)
	require.NoError(t, err)
	assert.Equal(t, hosts.Regex, r.Kind)
	assert.Equal(t, hosts.PriorityMedium, r.Priority)
	assert.True(t, r.Match("ads.example.com", uint16(dns.TypeA)))
}

func TestParse_ServerGroupRule(t *testing.T) {
	idx, err := loadIndex(t, `[DNS Config]
corp = 10.0.0.1,10.0.0.2
[hosts]
corp internal.example.com
`)
	require.NoError(t, err)
	r := idx.Match("internal.example.com", uint16(dns.TypeA))
	require.NotNil(t, r)
	assert.Len(t, r.Servers, 2)
	assert.Equal(t, hosts.PriorityMediumLow, r.Priority)
}

func TestIndex_Match_PriorityOrdering(t *testing.T) {
	idx := hosts.NewIndex()
	low, _ := hosts.Parse("<5> 1.1.1.1 example.com", nil)
	high, _ := hosts.Parse("<1> 2.2.2.2 example.com", nil)
	idx.AddRule(low)
	idx.AddRule(high)

	got := idx.Match("example.com", uint16(dns.TypeA))
	require.NotNil(t, got)
	assert.Equal(t, hosts.PriorityHigh, got.Priority)
}

func TestIndex_Match_KindOrdering_RawBeatsWildcard(t *testing.T) {
	idx := hosts.NewIndex()
	wildcard, _ := hosts.Parse("1.1.1.1 *.example.com", nil)
	raw, _ := hosts.Parse("2.2.2.2 foo.example.com", nil)
	idx.AddRule(wildcard)
	idx.AddRule(raw)

	got := idx.Match("foo.example.com", uint16(dns.TypeA))
	require.NotNil(t, got)
	assert.Equal(t, hosts.Raw, got.Kind)
}

func TestIndex_Match_NoCandidate(t *testing.T) {
	idx := hosts.NewIndex()
	r, _ := hosts.Parse("1.1.1.1 example.com", nil)
	idx.AddRule(r)
	assert.Nil(t, idx.Match("nope.com", uint16(dns.TypeA)))
}

func TestAssembleResponse_BuildsAnswers(t *testing.T) {
	req := dns.Packet{
		Header:    dns.Header{ID: 0xABCD, Flags: dns.RDFlag},
		Questions: []dns.Question{{Name: "example.com", Type: uint16(dns.TypeA), Class: uint16(dns.ClassIN)}},
	}
	resp, err := hosts.AssembleResponse(req, []string{"93.184.216.34"}, uint16(dns.TypeA))
	require.NoError(t, err)
	require.Len(t, resp.Answers, 1)
	assert.Equal(t, uint16(0xABCD), resp.Header.ID)
	assert.Equal(t, dns.QRFlag|dns.RDFlag|dns.RAFlag, resp.Header.Flags)
	assert.Equal(t, uint16(0x8180), resp.Header.Flags)
	ip, ok := resp.Answers[0].IPv4()
	require.True(t, ok)
	assert.Equal(t, "93.184.216.34", ip)
}

func loadIndex(t *testing.T, content string) (*hosts.Index, error) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "hosts.txt")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return hosts.LoadFile(path, nil)
}
