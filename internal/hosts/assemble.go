package hosts

import (
	"fmt"
	"net"

	"github.com/jroosing/crappydns/internal/dns"
)

// dedicatedAnswerTTL is the fixed TTL CrappyDNS stamps on every
// hosts-engine-synthesized answer (2 hours).
const dedicatedAnswerTTL = 2 * 60 * 60

// AssembleResponse builds a synthetic DNS response for a matched rule: the
// original question is echoed back, flags are set to a plain non-error
// response (QR=1, RA=1, RCODE=0), and one answer RR per address is
// emitted, name-compressed back to the question via the 0xC00C pointer
// (here expressed structurally, since Packet.Marshal performs its own
// name encoding rather than manual byte splicing).
func AssembleResponse(req dns.Packet, addrs []string, qtype uint16) (dns.Packet, error) {
	if len(req.Questions) != 1 {
		return dns.Packet{}, fmt.Errorf("hosts: cannot assemble response without exactly one question")
	}
	q := req.Questions[0]

	answers := make([]dns.Record, 0, len(addrs))
	for _, addr := range addrs {
		data, err := addrBytes(addr, qtype)
		if err != nil {
			return dns.Packet{}, err
		}
		answers = append(answers, dns.Record{
			Name:  q.Name,
			Type:  qtype,
			Class: uint16(dns.ClassIN),
			TTL:   dedicatedAnswerTTL,
			Data:  data,
		})
	}

	resp := dns.Packet{
		Header: dns.Header{
			ID:    req.Header.ID,
			Flags: dns.QRFlag | dns.RDFlag | dns.RAFlag,
		},
		Questions: []dns.Question{q},
		Answers:   answers,
	}
	return resp, nil
}

func addrBytes(addr string, qtype uint16) ([]byte, error) {
	ip := net.ParseIP(addr)
	if ip == nil {
		return nil, fmt.Errorf("hosts: invalid address %q in rule", addr)
	}
	if qtype == uint16(dns.TypeAAAA) {
		v6 := ip.To16()
		if v6 == nil {
			return nil, fmt.Errorf("hosts: %q is not a valid IPv6 address", addr)
		}
		return v6, nil
	}
	v4 := ip.To4()
	if v4 == nil {
		return nil, fmt.Errorf("hosts: %q is not a valid IPv4 address", addr)
	}
	return v4, nil
}

// AddrsFor returns the rule's address list relevant to qtype, as dotted
// strings ready for AssembleResponse.
func (r *Rule) AddrsFor(qtype uint16) []string {
	if qtype == uint16(dns.TypeAAAA) {
		return r.IPv6
	}
	return r.IPv4
}
