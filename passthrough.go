package realitycheck

import (
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/gobwas/glob"
)

// PassthroughList names hosts whose HTTPS traffic is tunneled without
// interception, typically apps that pin certificates and would break under
// inspection. Tunneled traffic is opaque, so it produces no tracking events.
//
// A plain pattern matches the domain and its subdomains. A pattern with "*"
// is a glob over dot-separated labels.
type PassthroughList struct {
	mu      sync.RWMutex
	domains map[string]struct{}
	globs   map[string]glob.Glob
}

// NewPassthroughList creates a list from patterns.
func NewPassthroughList(patterns ...string) (*PassthroughList, error) {
	l := &PassthroughList{
		domains: make(map[string]struct{}),
		globs:   make(map[string]glob.Glob),
	}
	for _, p := range patterns {
		if err := l.Add(p); err != nil {
			return nil, err
		}
	}
	return l, nil
}

// Add registers a pattern. Adding an existing pattern is a no-op.
func (l *PassthroughList) Add(pattern string) error {
	pattern = strings.ToLower(strings.TrimSpace(pattern))
	if pattern == "" {
		return fmt.Errorf("passthrough pattern is empty")
	}

	if !strings.Contains(pattern, "*") {
		l.mu.Lock()
		l.domains[strings.TrimPrefix(pattern, ".")] = struct{}{}
		l.mu.Unlock()
		return nil
	}

	g, err := glob.Compile(pattern, '.')
	if err != nil {
		return fmt.Errorf("compile passthrough pattern %q: %w", pattern, err)
	}
	l.mu.Lock()
	l.globs[pattern] = g
	l.mu.Unlock()
	return nil
}

// Remove deletes a pattern and reports whether it was present.
func (l *PassthroughList) Remove(pattern string) bool {
	pattern = strings.ToLower(strings.TrimSpace(pattern))

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.globs[pattern]; ok {
		delete(l.globs, pattern)
		return true
	}
	pattern = strings.TrimPrefix(pattern, ".")
	if _, ok := l.domains[pattern]; ok {
		delete(l.domains, pattern)
		return true
	}
	return false
}

// Matches reports whether host (optionally with a port) is passed through.
func (l *PassthroughList) Matches(host string) bool {
	if l == nil {
		return false
	}
	host = normalizeDomain(host)
	if host == "" {
		return false
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	for h := host; h != ""; h = parentDomain(h) {
		if _, ok := l.domains[h]; ok {
			return true
		}
	}
	for _, g := range l.globs {
		if g.Match(host) {
			return true
		}
	}
	return false
}

// Patterns returns the registered patterns, sorted.
func (l *PassthroughList) Patterns() []string {
	l.mu.RLock()
	out := make([]string, 0, len(l.domains)+len(l.globs))
	for d := range l.domains {
		out = append(out, d)
	}
	for g := range l.globs {
		out = append(out, g)
	}
	l.mu.RUnlock()

	slices.Sort(out)
	return out
}

// Len returns the number of patterns.
func (l *PassthroughList) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.domains) + len(l.globs)
}
