package hosts

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"

	"github.com/jroosing/crappydns/internal/upstream"
)

// regexDigestKey is the sentinel index key every regex rule is filed
// under, so regex rules are always part of the candidate set regardless of
// what substring of the queried name would otherwise select them.
const regexDigestKey = "/^regex$/"

// Index is a loaded, queryable hosts file: rules indexed by digest for
// fast candidate narrowing, plus named DnsServer groups.
type Index struct {
	digestMap map[string][]*Rule
	groups    map[string]*ServerGroup
}

// NewIndex returns an empty Index.
func NewIndex() *Index {
	return &Index{digestMap: make(map[string][]*Rule)}
}

// AddRule files r under its digest (or the regex sentinel).
func (idx *Index) AddRule(r *Rule) {
	key := r.Digest()
	if r.Kind == Regex {
		key = regexDigestKey
	}
	idx.digestMap[key] = append(idx.digestMap[key], r)
}

// RuleCount reports the total number of loaded rules, for admin-surface
// stats.
func (idx *Index) RuleCount() int {
	n := 0
	for _, rules := range idx.digestMap {
		n += len(rules)
	}
	return n
}

// GroupCount reports the number of named [DNS Config] server groups.
func (idx *Index) GroupCount() int {
	return len(idx.groups)
}

// Match returns the best rule answering (hostname, qtype), or nil if none
// matches. Candidates are ordered by priority, then kind (Raw > Wildcard >
// Regex), then by the length of the address list relevant to qtype
// (longer wins); the first candidate whose pattern actually matches wins.
func (idx *Index) Match(hostname string, qtype uint16) *Rule {
	var candidates []*Rule
	candidates = append(candidates, idx.digestMap[regexDigestKey]...)
	for digest, rules := range idx.digestMap {
		if digest == regexDigestKey || digest == "" {
			continue
		}
		if strings.Contains(hostname, digest) {
			candidates = append(candidates, rules...)
		}
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return higherPriority(candidates[i], candidates[j], qtype)
	})

	for _, r := range candidates {
		if r.Match(hostname, qtype) {
			return r
		}
	}
	return nil
}

// higherPriority reports whether a should sort before b: lower Priority
// value wins, then lower Kind value (Raw < Wildcard < Regex), then a
// longer qtype-relevant address list.
func higherPriority(a, b *Rule, qtype uint16) bool {
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	if a.Kind != b.Kind {
		return a.Kind < b.Kind
	}
	return a.addrCount(qtype) > b.addrCount(qtype)
}

// LoadFile parses a hosts file: "[DNS Config]" defines named server
// groups, "[hosts]" introduces rule lines, "!" starts a comment.
func LoadFile(path string, logger *slog.Logger) (*Index, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("hosts: %w", err)
	}
	defer f.Close()
	return loadFromReader(f, logger)
}

type section int

const (
	sectionNone section = iota
	sectionConfig
	sectionHosts
)

func loadFromReader(r io.Reader, logger *slog.Logger) (*Index, error) {
	if logger == nil {
		logger = slog.Default()
	}
	idx := NewIndex()
	idx.groups = make(map[string]*ServerGroup)

	sec := sectionNone
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" || strings.HasPrefix(line, "!") {
			continue
		}
		switch line {
		case "[DNS Config]":
			sec = sectionConfig
			continue
		case "[hosts]":
			sec = sectionHosts
			continue
		}

		switch sec {
		case sectionConfig:
			if err := idx.parseConfigLine(line); err != nil {
				logger.Warn("hosts: skipping invalid DNS Config line", "line", line, "error", err)
			}
		case sectionHosts:
			rule, err := Parse(line, idx.groups)
			if err != nil {
				logger.Warn("hosts: skipping invalid rule", "line", line, "error", err)
				continue
			}
			if rule != nil {
				idx.AddRule(rule)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("hosts: %w", err)
	}
	return idx, nil
}

// parseConfigLine parses one "name = ip[,ip...]" [DNS Config] entry.
func (idx *Index) parseConfigLine(line string) error {
	parts := strings.SplitN(line, "=", 2)
	if len(parts) != 2 {
		return fmt.Errorf("hosts: malformed DNS Config line %q", line)
	}
	name := strings.TrimSpace(parts[0])
	// Health is irrelevant for a Dedicated route (the session resolves on
	// the group's first reply unconditionally), but Trusted is reserved for
	// the hosts engine's own synthetic answers, so label these as ordinary
	// Healthy upstreams instead.
	servers, err := upstream.ParseList(strings.TrimSpace(parts[1]), upstream.Healthy)
	if err != nil {
		return err
	}
	if len(servers) == 0 {
		return fmt.Errorf("hosts: empty server list for group %q", name)
	}
	idx.groups[name] = &ServerGroup{Name: name, Servers: servers}
	return nil
}
