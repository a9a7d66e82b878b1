// Package hosts implements the hosts-file rule engine: parsing rule lines
// into priority/kind-classified patterns, indexing them by digest for fast
// candidate lookup, and assembling synthetic DNS responses for rules that
// carry their own address list.
package hosts

import (
	"fmt"
	"net"
	"regexp"
	"strings"

	"github.com/jroosing/crappydns/internal/dns"
	"github.com/jroosing/crappydns/internal/upstream"
)

// Priority is the rule's precedence band. Lower numeric value wins ties
// (kNotDefined sorts before defaulting is applied, never at match time).
type Priority int

const (
	PriorityNotDefined Priority = iota
	PriorityHigh
	PriorityMediumHigh
	PriorityMedium
	PriorityMediumLow
	PriorityLow
)

// Kind is the pattern's matching strategy. Numeric order (Raw < Wildcard <
// Regex) is significant: it is the tie-break order used by Index.Match.
type Kind int

const (
	Raw Kind = iota
	Wildcard
	Regex
)

// digestRegexp finds candidate substrings for Rule.Digest: runs of at least
// three alphanumeric/dot/hyphen characters.
var digestRegexp = regexp.MustCompile(`[A-Za-z0-9\-.]{3,}`)

// Rule is one parsed hosts-file entry.
type Rule struct {
	Priority Priority
	Kind     Kind
	AddrType uint16 // bitwise-OR of dns.TypeA / dns.TypeAAAA actually present
	IPv4     []string
	IPv6     []string
	Servers  []*upstream.Server // dedicated group, if the rule names one

	pattern string
	re      *regexp.Regexp
}

// ServerGroup is a named list of upstream servers declared in a hosts
// file's [DNS Config] section, referenced by rule lines in place of a
// literal address list.
type ServerGroup struct {
	Name    string
	Servers []*upstream.Server
}

type parseState int

const (
	stateInit parseState = iota
	statePriority
	stateIPSrvList
	stateHostname
	stateTerm
)

// Parse parses one hosts-file rule line. groups supplies named DNS server
// groups a rule's IP/server token may reference instead of a literal
// address list. Returns (nil, nil) for a blank line and a non-nil error for
// a line that does not form a rule; callers should log and continue rather
// than treat it as fatal.
func Parse(line string, groups map[string]*ServerGroup) (*Rule, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil, nil
	}

	state := stateInit
	priority := PriorityNotDefined
	var hostname string
	var ipv4, ipv6 []string
	var servers []*upstream.Server

	i := 0
	for i < len(fields) {
		tok := fields[i]
		switch state {
		case stateInit:
			if strings.HasPrefix(tok, "<") {
				state = statePriority
			} else {
				state = stateIPSrvList
			}
			continue // re-dispatch same token under new state

		case statePriority:
			p, ok := parsePriorityToken(tok)
			if !ok {
				return nil, fmt.Errorf("hosts: invalid priority token %q in rule %q", tok, line)
			}
			priority = p
			state = stateIPSrvList
			i++

		case stateIPSrvList:
			v4, v6, ok := parseAddrList(tok)
			if ok {
				ipv4, ipv6 = v4, v6
			} else if g, found := groups[tok]; found {
				servers = g.Servers
			} else {
				return nil, fmt.Errorf("hosts: not a valid address list or server group %q in rule %q", tok, line)
			}
			state = stateHostname
			i++

		case stateHostname:
			hostname = tok
			state = stateTerm
			i++

		case stateTerm:
			// Trailing tokens are accepted and ignored, matching the
			// original's permissive tail.
			i++
		}
	}

	if state != stateTerm {
		return nil, fmt.Errorf("hosts: incomplete rule %q", line)
	}
	return newRule(priority, hostname, ipv4, ipv6, servers)
}

func parsePriorityToken(tok string) (Priority, bool) {
	if len(tok) != 3 || tok[0] != '<' || tok[2] != '>' {
		return 0, false
	}
	switch tok[1] {
	case '1':
		return PriorityHigh, true
	case '2':
		return PriorityMediumHigh, true
	case '3':
		return PriorityMedium, true
	case '4':
		return PriorityMediumLow, true
	case '5':
		return PriorityLow, true
	default:
		return 0, false
	}
}

// parseAddrList parses a comma-separated address list (IPv4 and/or
// bracketed IPv6), sorting entries into their respective families. ok is
// false if tok doesn't look like an address list at all (so the caller can
// fall back to treating it as a server-group name).
func parseAddrList(tok string) (v4, v6 []string, ok bool) {
	parts := strings.Split(tok, ",")
	for _, p := range parts {
		p = strings.TrimSpace(strings.Trim(p, "[]"))
		ip, _, err := splitHostMaybePort(p)
		if err != nil || ip == "" || net.ParseIP(ip) == nil {
			return nil, nil, false
		}
		if strings.Contains(ip, ":") {
			v6 = append(v6, ip)
		} else {
			v4 = append(v4, ip)
		}
	}
	return v4, v6, len(v4) > 0 || len(v6) > 0
}

func splitHostMaybePort(s string) (string, string, error) {
	if idx := strings.LastIndex(s, ":"); idx >= 0 && !strings.Contains(s[idx+1:], ":") {
		// Only treat trailing ":port" as a port split for IPv4-looking
		// hosts; IPv6 literals contain multiple colons and are returned
		// whole.
		if looksIPv4(s[:idx]) {
			return s[:idx], s[idx+1:], nil
		}
	}
	return s, "", nil
}

func looksIPv4(s string) bool {
	return strings.Count(s, ".") == 3
}

func newRule(priority Priority, hostname string, ipv4, ipv6 []string, servers []*upstream.Server) (*Rule, error) {
	if hostname == "" {
		return nil, fmt.Errorf("hosts: empty hostname pattern")
	}

	r := &Rule{
		Priority: priority,
		IPv4:     ipv4,
		IPv6:     ipv6,
		Servers:  servers,
		pattern:  hostname,
	}
	if len(ipv4) > 0 {
		r.AddrType |= uint16(dns.TypeA)
	}
	if len(ipv6) > 0 {
		r.AddrType |= uint16(dns.TypeAAAA)
	}

	// Default priority, in the original's override order: address list
	// present -> MediumHigh; regex pattern -> Medium; server group present
	// -> MediumLow. Each condition overrides the previous.
	if r.Priority == PriorityNotDefined {
		if len(ipv4) > 0 || len(ipv6) > 0 {
			r.Priority = PriorityMediumHigh
		}
		if strings.HasPrefix(hostname, "/") {
			r.Priority = PriorityMedium
		}
		if len(servers) > 0 {
			r.Priority = PriorityMediumLow
		}
	}

	switch {
	case strings.HasPrefix(hostname, "/") && strings.HasSuffix(hostname, "/") && len(hostname) > 2:
		r.Kind = Regex
		re, err := regexp.Compile(hostname[1 : len(hostname)-1])
		if err != nil {
			return nil, fmt.Errorf("hosts: invalid regex pattern %q: %w", hostname, err)
		}
		r.re = re
	case strings.ContainsAny(hostname, "*?"):
		r.Kind = Wildcard
		// Escape '.' before substituting '?'/'*' so the escaping
		// backslashes introduced for wildcards are never themselves
		// re-escaped.
		pat := strings.ReplaceAll(hostname, ".", `\.`)
		pat = strings.ReplaceAll(pat, "?", `[A-Za-z0-9-]+`)
		pat = strings.ReplaceAll(pat, "*", `[A-Za-z0-9\-.]+`)
		re, err := regexp.Compile("^" + pat + "$")
		if err != nil {
			return nil, fmt.Errorf("hosts: invalid wildcard pattern %q: %w", hostname, err)
		}
		r.re = re
	default:
		r.Kind = Raw
	}

	return r, nil
}

// Digest returns the longest >=3-char alphanumeric/dot/hyphen substring of
// the rule's pattern, used as the index key. Regex rules have no digest;
// callers index them under the sentinel regex key instead.
func (r *Rule) Digest() string {
	if r.Kind == Regex {
		return ""
	}
	matches := digestRegexp.FindAllString(r.pattern, -1)
	best := ""
	for _, m := range matches {
		if len(m) > len(best) {
			best = m
		}
	}
	return best
}

// Match reports whether this rule answers (domain, qtype).
func (r *Rule) Match(domain string, qtype uint16) bool {
	usable := (qtype&r.AddrType) == qtype || len(r.Servers) > 0
	if !usable {
		return false
	}
	switch r.Kind {
	case Raw:
		return r.pattern == domain
	default:
		return r.re.MatchString(domain)
	}
}

// addrCount returns the length of the address list relevant to qtype, used
// as the final specificity tie-break.
func (r *Rule) addrCount(qtype uint16) int {
	if qtype == uint16(dns.TypeAAAA) {
		return len(r.IPv6)
	}
	return len(r.IPv4)
}
