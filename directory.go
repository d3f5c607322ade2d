package realitycheck

import (
	"context"
	"fmt"
	"net"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gobwas/glob"
)

// Classification is the directory verdict for a single destination domain.
type Classification struct {
	IsTracker bool    `json:"is_tracker"`
	Entity    string  `json:"entity"`
	Category  string  `json:"category"`
	RiskScore float64 `json:"risk_score"`
}

// Unclassified is returned for domains the directory does not know.
var Unclassified = Classification{Entity: "Unknown", Category: "Unknown"}

// TrackerDirectory classifies destination domains. Implementations must be
// safe for concurrent use and must not block: Classify runs on the proxy's
// request path.
type TrackerDirectory interface {
	Classify(domain string) Classification
}

// DirectoryFunc is a function adapter for TrackerDirectory.
type DirectoryFunc func(domain string) Classification

// Classify calls f(domain).
func (f DirectoryFunc) Classify(domain string) Classification {
	return f(domain)
}

// Rule types understood by Directory.
const (
	RuleDomain = "domain"
	RuleGlob   = "glob"
	RuleRegex  = "regex"
)

// TrackerRule maps a domain pattern to the entity operating it.
type TrackerRule struct {
	// Type of rule: "domain", "glob" or "regex".
	// Domain rules match the domain itself and every subdomain of it.
	Type string `json:"type"`

	// Pattern is the domain, glob or regular expression.
	Pattern string `json:"pattern"`

	// Entity is the company behind the tracker.
	Entity string `json:"entity"`

	// Category groups entities (Analytics, Ad Network, Social Tracking, ...).
	Category string `json:"category"`

	// RiskScore is clamped to [0,10] when the rule is added.
	RiskScore float64 `json:"risk_score"`

	compiledGlob  glob.Glob
	compiledRegex *regexp.Regexp
}

// Classification converts a matching rule into a tracker verdict.
func (r *TrackerRule) Classification() Classification {
	return Classification{
		IsTracker: true,
		Entity:    r.Entity,
		Category:  r.Category,
		RiskScore: r.RiskScore,
	}
}

// Directory is a rule-based TrackerDirectory with efficient lookup.
type Directory struct {
	mu sync.RWMutex

	// domains holds domain rules keyed by lowercase domain
	domains map[string]*TrackerRule

	globs   []*TrackerRule
	regexes []*TrackerRule
}

// NewDirectory creates an empty Directory.
func NewDirectory() *Directory {
	return &Directory{domains: make(map[string]*TrackerRule)}
}

// NewDefaultDirectory creates a Directory preloaded with DefaultTrackerRules.
func NewDefaultDirectory() *Directory {
	d := NewDirectory()
	for _, r := range DefaultTrackerRules() {
		_ = d.AddRule(r)
	}
	return d
}

// AddRule adds a rule to the directory. A domain rule replaces any previous
// rule for the same domain.
func (d *Directory) AddRule(r TrackerRule) error {
	if r.Entity == "" {
		return fmt.Errorf("rule %q: entity is required", r.Pattern)
	}
	if r.Category == "" {
		r.Category = "Unknown"
	}
	r.RiskScore = ClampRisk(r.RiskScore)
	rule := &r

	switch r.Type {
	case RuleDomain:
		pattern := normalizeDomain(r.Pattern)
		if pattern == "" {
			return fmt.Errorf("empty domain pattern")
		}
		rule.Pattern = pattern
		d.mu.Lock()
		d.domains[pattern] = rule
		d.mu.Unlock()

	case RuleGlob:
		compiled, err := glob.Compile(strings.ToLower(r.Pattern), '.')
		if err != nil {
			return fmt.Errorf("invalid glob pattern %q: %w", r.Pattern, err)
		}
		rule.compiledGlob = compiled
		d.mu.Lock()
		d.globs = append(d.globs, rule)
		d.mu.Unlock()

	case RuleRegex:
		compiled, err := regexp.Compile(r.Pattern)
		if err != nil {
			return fmt.Errorf("invalid regex pattern %q: %w", r.Pattern, err)
		}
		rule.compiledRegex = compiled
		d.mu.Lock()
		d.regexes = append(d.regexes, rule)
		d.mu.Unlock()

	default:
		return fmt.Errorf("unknown rule type: %s", r.Type)
	}

	return nil
}

// AddDomain is a convenience method to add a domain rule.
func (d *Directory) AddDomain(domain, entity, category string, risk float64) {
	_ = d.AddRule(TrackerRule{
		Type:      RuleDomain,
		Pattern:   domain,
		Entity:    entity,
		Category:  category,
		RiskScore: risk,
	})
}

// Match returns the rule matching domain. Exact and parent-domain matches are
// tried first (most specific label wins), then globs, then regexes.
func (d *Directory) Match(domain string) (*TrackerRule, bool) {
	host := normalizeDomain(domain)
	if host == "" {
		return nil, false
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	for candidate := host; candidate != ""; candidate = parentDomain(candidate) {
		if rule, ok := d.domains[candidate]; ok {
			return rule, true
		}
	}

	for _, rule := range d.globs {
		if rule.compiledGlob.Match(host) {
			return rule, true
		}
	}

	for _, rule := range d.regexes {
		if rule.compiledRegex.MatchString(host) {
			return rule, true
		}
	}

	return nil, false
}

// Classify implements TrackerDirectory.
func (d *Directory) Classify(domain string) Classification {
	rule, ok := d.Match(domain)
	if !ok {
		return Unclassified
	}
	return rule.Classification()
}

// RemoveRule deletes the rule with the given type and pattern and reports
// whether one was found.
func (d *Directory) RemoveRule(ruleType, pattern string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch ruleType {
	case RuleDomain:
		key := normalizeDomain(pattern)
		if _, ok := d.domains[key]; ok {
			delete(d.domains, key)
			return true
		}
	case RuleGlob:
		return removeRule(&d.globs, pattern)
	case RuleRegex:
		return removeRule(&d.regexes, pattern)
	}
	return false
}

func removeRule(rules *[]*TrackerRule, pattern string) bool {
	for i, r := range *rules {
		if r.Pattern == pattern {
			*rules = append((*rules)[:i], (*rules)[i+1:]...)
			return true
		}
	}
	return false
}

// Rules returns a copy of every rule, domain rules sorted by pattern first.
func (d *Directory) Rules() []TrackerRule {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]TrackerRule, 0, len(d.domains)+len(d.globs)+len(d.regexes))
	for _, r := range d.domains {
		out = append(out, exportRule(r))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Pattern < out[j].Pattern })
	for _, r := range d.globs {
		out = append(out, exportRule(r))
	}
	for _, r := range d.regexes {
		out = append(out, exportRule(r))
	}
	return out
}

func exportRule(r *TrackerRule) TrackerRule {
	return TrackerRule{
		Type:      r.Type,
		Pattern:   r.Pattern,
		Entity:    r.Entity,
		Category:  r.Category,
		RiskScore: r.RiskScore,
	}
}

// Clear removes all rules.
func (d *Directory) Clear() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.domains = make(map[string]*TrackerRule)
	d.globs = nil
	d.regexes = nil
}

// Count returns the number of rules.
func (d *Directory) Count() int {
	d.mu.RLock()
	defer d.mu.RUnlock()

	return len(d.domains) + len(d.globs) + len(d.regexes)
}

// normalizeDomain lowercases a host, strips any port, trailing dot and
// leading "*." wildcard.
func normalizeDomain(host string) string {
	host = strings.TrimSpace(strings.ToLower(host))
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "*.")
	host = strings.TrimSuffix(host, ".")
	return strings.Trim(host, "[]")
}

func parentDomain(host string) string {
	i := strings.IndexByte(host, '.')
	if i < 0 {
		return ""
	}
	return host[i+1:]
}

// ReloadableDirectory wraps a Directory that is rebuilt from a RuleLoader.
// Lookups never block on a reload: the new Directory is swapped in whole.
type ReloadableDirectory struct {
	dir    *Directory
	loader RuleLoader
	mu     sync.RWMutex

	// OnReload is called after a successful reload with the rule count.
	OnReload func(count int)

	// OnError is called when a reload fails. The previous rules stay active.
	OnError func(err error)
}

// NewReloadableDirectory creates a directory that loads its rules from loader.
func NewReloadableDirectory(loader RuleLoader) *ReloadableDirectory {
	return &ReloadableDirectory{
		dir:    NewDirectory(),
		loader: loader,
	}
}

// Load replaces the current rules with a fresh load from the loader.
func (rd *ReloadableDirectory) Load(ctx context.Context) error {
	rules, err := rd.loader.Load(ctx)
	if err != nil {
		if rd.OnError != nil {
			rd.OnError(err)
		}
		return err
	}

	next := NewDirectory()
	for _, rule := range rules {
		if err := next.AddRule(rule); err != nil {
			if rd.OnError != nil {
				rd.OnError(err)
			}
			return err
		}
	}

	rd.mu.Lock()
	rd.dir = next
	rd.mu.Unlock()

	if rd.OnReload != nil {
		rd.OnReload(next.Count())
	}

	return nil
}

// StartAutoReload reloads rules every interval until the returned cancel
// function is called.
func (rd *ReloadableDirectory) StartAutoReload(ctx context.Context, interval time.Duration) context.CancelFunc {
	ctx, cancel := context.WithCancel(ctx)

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				_ = rd.Load(ctx)
			}
		}
	}()

	return cancel
}

// Classify implements TrackerDirectory.
func (rd *ReloadableDirectory) Classify(domain string) Classification {
	return rd.Directory().Classify(domain)
}

// Directory returns the active rule set. Rules added to it directly survive
// only until the next reload.
func (rd *ReloadableDirectory) Directory() *Directory {
	rd.mu.RLock()
	defer rd.mu.RUnlock()
	return rd.dir
}

// Count returns the current number of rules.
func (rd *ReloadableDirectory) Count() int {
	return rd.Directory().Count()
}

// DefaultTrackerRules is a reference knowledge base of well-known trackers.
func DefaultTrackerRules() []TrackerRule {
	type entity struct {
		name     string
		category string
		risk     float64
		domains  []string
	}
	entities := []entity{
		{"Google Advertising", "Ad Network", 9.0, []string{"doubleclick.net", "googleadservices.com", "googlesyndication.com", "googletagservices.com", "2mdn.net", "admob.com"}},
		{"Google Analytics", "Analytics", 8.0, []string{"google-analytics.com", "analytics.google.com", "googletagmanager.com", "stats.g.doubleclick.net"}},
		{"Meta Platforms (Facebook)", "Social Tracking", 9.5, []string{"facebook.com", "facebook.net", "fbcdn.net", "instagram.com"}},
		{"Amazon Advertising", "Ad Network", 8.5, []string{"amazon-adsystem.com"}},
		{"Mixpanel", "Analytics", 7.5, []string{"mixpanel.com", "mxpnl.com"}},
		{"Segment", "Analytics", 7.0, []string{"segment.com", "segment.io"}},
		{"Hotjar", "User Tracking", 8.5, []string{"hotjar.com", "hotjar.io"}},
		{"FullStory", "User Tracking", 9.0, []string{"fullstory.com", "fullstory.io"}},
		{"Acxiom", "Data Broker", 9.5, []string{"acxiom.com", "liveramp.com"}},
		{"Oracle BlueKai", "Data Broker", 9.0, []string{"bluekai.com"}},
		{"Epsilon", "Data Broker", 8.5, []string{"epsilon.com", "conversantmedia.com"}},
		{"Criteo", "Ad Network", 8.0, []string{"criteo.com", "criteo.net"}},
		{"AppNexus", "Ad Network", 7.5, []string{"adnxs.com", "adnxs.net"}},
		{"Taboola", "Ad Network", 7.0, []string{"taboola.com"}},
		{"Outbrain", "Ad Network", 7.0, []string{"outbrain.com"}},
		{"FingerprintJS", "Fingerprinting", 9.0, []string{"fingerprintjs.com", "fpjs.io"}},
		{"Twitter Analytics", "Social Tracking", 7.5, []string{"analytics.twitter.com", "t.co"}},
		{"TikTok Pixel", "Social Tracking", 8.5, []string{"analytics.tiktok.com"}},
		{"Quantcast", "Analytics", 7.5, []string{"quantserve.com", "quantcast.com"}},
		{"ScoreCard Research (Comscore)", "Analytics", 7.0, []string{"scorecardresearch.com", "comscore.com"}},
		{"Optimizely", "A/B Testing", 6.5, []string{"optimizely.com"}},
		{"Chartbeat", "Analytics", 6.0, []string{"chartbeat.com"}},
	}

	var rules []TrackerRule
	for _, e := range entities {
		for _, d := range e.domains {
			rules = append(rules, TrackerRule{
				Type:      RuleDomain,
				Pattern:   d,
				Entity:    e.name,
				Category:  e.category,
				RiskScore: e.risk,
			})
		}
	}
	return rules
}
