// Package upstream defines the upstream DNS server identity used across
// the relay: transport, health label, and address, plus the CLI/hosts-file
// server syntax parser ("[(udp|tcp)://]A.B.C.D[:port]").
package upstream

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// Transport is the protocol used to reach a DnsServer.
type Transport int

const (
	UDP Transport = iota
	TCP
)

func (t Transport) String() string {
	if t == TCP {
		return "tcp"
	}
	return "udp"
}

// Health labels an upstream's trust level.
type Health int

const (
	// Healthy upstreams are reached over a transport assumed immune to
	// on-path tampering (e.g. a tunnelled TCP connection).
	Healthy Health = iota
	// Poisoned upstreams are reachable but may be tampered with in transit.
	Poisoned
	// Trusted is reserved for the synthetic server identity representing
	// an answer the hosts engine produced locally.
	Trusted
)

func (h Health) String() string {
	switch h {
	case Healthy:
		return "healthy"
	case Poisoned:
		return "poisoned"
	case Trusted:
		return "trusted"
	default:
		return "unknown"
	}
}

const defaultPort = 53

// Server is an upstream DNS endpoint. Equality and hashability are over
// (Health, Transport, Addr) via the Key method.
type Server struct {
	Transport Transport
	Health    Health
	Addr      *net.UDPAddr // port-bearing; used for both udp and tcp dial
}

// Key returns a comparable identity for use as a map key (Sender's
// on-demand worker registry).
func (s *Server) Key() string {
	return fmt.Sprintf("%d|%d|%s", s.Health, s.Transport, s.Addr.String())
}

func (s *Server) String() string {
	return fmt.Sprintf("%s://%s (%s)", s.Transport, s.Addr, s.Health)
}

// TrustedServer is the synthetic DnsServer identity attached to hosts-engine
// answers.
func TrustedServer() *Server {
	return &Server{Health: Trusted, Addr: &net.UDPAddr{IP: net.IPv4zero, Port: 0}}
}

// Parse parses one upstream server spec:
// "[(udp|tcp)://]A.B.C.D[:port]" or the bracketed IPv6 equivalent.
// Port defaults to 53, transport defaults to udp.
func Parse(spec string, health Health) (*Server, error) {
	transport := UDP
	rest := spec
	if after, ok := strings.CutPrefix(rest, "udp://"); ok {
		rest = after
	} else if after, ok := strings.CutPrefix(rest, "tcp://"); ok {
		transport = TCP
		rest = after
	}

	host, portStr, err := net.SplitHostPort(rest)
	if err != nil {
		// No explicit port; whole string is the host.
		host = rest
		portStr = ""
	}

	port := defaultPort
	if portStr != "" {
		p, err := strconv.Atoi(portStr)
		if err != nil {
			return nil, fmt.Errorf("upstream: invalid port in %q: %w", spec, err)
		}
		port = p
	}

	ip := net.ParseIP(strings.Trim(host, "[]"))
	if ip == nil {
		return nil, fmt.Errorf("upstream: invalid address in %q", spec)
	}

	return &Server{
		Transport: transport,
		Health:    health,
		Addr:      &net.UDPAddr{IP: ip, Port: port},
	}, nil
}

// ParseList splits a comma-separated list of server specs and parses each.
func ParseList(list string, health Health) ([]*Server, error) {
	if strings.TrimSpace(list) == "" {
		return nil, nil
	}
	parts := strings.Split(list, ",")
	servers := make([]*Server, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		s, err := Parse(p, health)
		if err != nil {
			return nil, err
		}
		servers = append(servers, s)
	}
	return servers, nil
}
