package realitycheck

import (
	"bufio"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

// RuleLoader defines the interface for loading tracker rules from various sources.
type RuleLoader interface {
	Load(ctx context.Context) ([]TrackerRule, error)
}

// RuleLoaderFunc is a function adapter for RuleLoader.
type RuleLoaderFunc func(ctx context.Context) ([]TrackerRule, error)

// Load calls f(ctx).
func (f RuleLoaderFunc) Load(ctx context.Context) ([]TrackerRule, error) {
	return f(ctx)
}

// CSVLoader loads rules from a CSV file.
// Expected CSV format: type,pattern,entity,category,risk
// Where type is one of: domain, glob, regex
type CSVLoader struct {
	// Path to the CSV file
	Path string

	// HasHeader indicates if the first row is a header (skipped)
	HasHeader bool

	// DefaultCategory is used when the category column is empty
	DefaultCategory string

	// DefaultRisk is used when the risk column is empty
	DefaultRisk float64
}

// NewCSVLoader creates a new CSV loader for the given file path.
func NewCSVLoader(path string) *CSVLoader {
	return &CSVLoader{
		Path:            path,
		HasHeader:       true,
		DefaultCategory: "Unknown",
		DefaultRisk:     5.0,
	}
}

// Load implements RuleLoader.
func (l *CSVLoader) Load(ctx context.Context) ([]TrackerRule, error) {
	file, err := os.Open(l.Path)
	if err != nil {
		return nil, fmt.Errorf("open CSV file: %w", err)
	}
	defer func() { _ = file.Close() }()

	return l.LoadFromReader(ctx, file)
}

// LoadFromReader loads rules from an io.Reader.
func (l *CSVLoader) LoadFromReader(ctx context.Context, r io.Reader) ([]TrackerRule, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true
	reader.Comment = '#'

	var rules []TrackerRule
	lineNum := 0

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read CSV line %d: %w", lineNum+1, err)
		}

		lineNum++

		if lineNum == 1 && l.HasHeader {
			continue
		}

		if len(record) == 0 || (len(record) == 1 && record[0] == "") {
			continue
		}

		rule, err := l.parseRecord(record, lineNum)
		if err != nil {
			return nil, err
		}

		rules = append(rules, rule)
	}

	return rules, nil
}

func (l *CSVLoader) parseRecord(record []string, lineNum int) (TrackerRule, error) {
	if len(record) < 3 {
		return TrackerRule{}, fmt.Errorf("line %d: expected at least 3 fields (type, pattern, entity)", lineNum)
	}

	ruleType := strings.ToLower(strings.TrimSpace(record[0]))
	pattern := strings.TrimSpace(record[1])
	entity := strings.TrimSpace(record[2])

	if ruleType == "" || pattern == "" || entity == "" {
		return TrackerRule{}, fmt.Errorf("line %d: type, pattern and entity cannot be empty", lineNum)
	}

	switch ruleType {
	case RuleDomain, RuleGlob, RuleRegex:
	default:
		return TrackerRule{}, fmt.Errorf("line %d: invalid rule type %q (expected domain, glob, or regex)", lineNum, ruleType)
	}

	rule := TrackerRule{
		Type:      ruleType,
		Pattern:   pattern,
		Entity:    entity,
		Category:  l.DefaultCategory,
		RiskScore: l.DefaultRisk,
	}

	if len(record) > 3 && strings.TrimSpace(record[3]) != "" {
		rule.Category = strings.TrimSpace(record[3])
	}

	if len(record) > 4 && strings.TrimSpace(record[4]) != "" {
		risk, err := strconv.ParseFloat(strings.TrimSpace(record[4]), 64)
		if err != nil {
			return TrackerRule{}, fmt.Errorf("line %d: invalid risk score %q: %w", lineNum, record[4], err)
		}
		if risk < MinRiskScore || risk > MaxRiskScore {
			return TrackerRule{}, fmt.Errorf("line %d: risk score %v outside [0,10]", lineNum, risk)
		}
		rule.RiskScore = risk
	}

	return rule, nil
}

// MultiLoader combines multiple loaders into one. Later loaders win for
// duplicate domain rules because Directory.AddRule replaces by domain.
type MultiLoader struct {
	Loaders []RuleLoader
}

// NewMultiLoader creates a loader that combines rules from multiple sources.
func NewMultiLoader(loaders ...RuleLoader) *MultiLoader {
	return &MultiLoader{Loaders: loaders}
}

// Load implements RuleLoader by loading from all configured loaders.
func (m *MultiLoader) Load(ctx context.Context) ([]TrackerRule, error) {
	var allRules []TrackerRule

	for i, loader := range m.Loaders {
		rules, err := loader.Load(ctx)
		if err != nil {
			return nil, fmt.Errorf("loader %d: %w", i, err)
		}
		allRules = append(allRules, rules...)
	}

	return allRules, nil
}

// URLLoader loads rules from an HTTP endpoint serving the CSVLoader format.
type URLLoader struct {
	// URL to fetch rules from
	URL string

	// Client for HTTP requests (uses http.DefaultClient if nil)
	Client *http.Client

	// HasHeader indicates if the first row is a header
	HasHeader bool
}

// NewURLLoader creates a loader that fetches rules from a URL.
func NewURLLoader(endpoint string) *URLLoader {
	return &URLLoader{
		URL:       endpoint,
		HasHeader: true,
	}
}

// Load implements RuleLoader.
func (l *URLLoader) Load(ctx context.Context) ([]TrackerRule, error) {
	client := l.Client
	if client == nil {
		client = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, l.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch rules: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	csvLoader := NewCSVLoader("")
	csvLoader.HasHeader = l.HasHeader

	return csvLoader.LoadFromReader(ctx, resp.Body)
}

// StaticLoader returns a fixed set of rules.
type StaticLoader struct {
	Rules []TrackerRule
}

// NewStaticLoader creates a loader with a fixed set of rules.
func NewStaticLoader(rules ...TrackerRule) *StaticLoader {
	return &StaticLoader{Rules: rules}
}

// Load implements RuleLoader.
func (l *StaticLoader) Load(ctx context.Context) ([]TrackerRule, error) {
	return l.Rules, nil
}

// ParseDomainList parses a list of domains (one per line) into rules that all
// belong to entity. Supports comments (lines starting with #) and empty lines.
func ParseDomainList(r io.Reader, entity, category string, risk float64) ([]TrackerRule, error) {
	var rules []TrackerRule
	scanner := bufio.NewScanner(r)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())

		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		rules = append(rules, TrackerRule{
			Type:      RuleDomain,
			Pattern:   line,
			Entity:    entity,
			Category:  category,
			RiskScore: risk,
		})
	}

	if err := scanner.Err(); err != nil {
		return nil, err
	}

	return rules, nil
}

// SQLLoader loads rules from a database table. Any database/sql driver works;
// the postgres driver is registered by this package.
type SQLLoader struct {
	DB *sqlx.DB

	// Query must return rule_type, pattern, entity, category and risk_score columns.
	Query string
}

type trackerRuleRow struct {
	RuleType  string   `db:"rule_type"`
	Pattern   string   `db:"pattern"`
	Entity    string   `db:"entity"`
	Category  *string  `db:"category"`
	RiskScore *float64 `db:"risk_score"`
}

// NewSQLLoader creates a loader reading the trackers table.
func NewSQLLoader(db *sqlx.DB) *SQLLoader {
	return &SQLLoader{
		DB: db,
		Query: `
			SELECT rule_type, pattern, entity, category, risk_score
			FROM trackers
			WHERE enabled = true
			ORDER BY id
		`,
	}
}

// OpenSQLLoader connects to dsn with driver and returns a loader for it.
func OpenSQLLoader(ctx context.Context, driver, dsn string) (*SQLLoader, error) {
	db, err := sqlx.ConnectContext(ctx, driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect rule database: %w", err)
	}
	return NewSQLLoader(db), nil
}

// Load implements RuleLoader.
func (l *SQLLoader) Load(ctx context.Context) ([]TrackerRule, error) {
	var rows []trackerRuleRow
	if err := l.DB.SelectContext(ctx, &rows, l.Query); err != nil {
		return nil, fmt.Errorf("query rules: %w", err)
	}

	rules := make([]TrackerRule, 0, len(rows))
	for _, row := range rows {
		rule := TrackerRule{
			Type:      strings.ToLower(row.RuleType),
			Pattern:   row.Pattern,
			Entity:    row.Entity,
			Category:  "Unknown",
			RiskScore: 5.0,
		}
		if row.Category != nil {
			rule.Category = *row.Category
		}
		if row.RiskScore != nil {
			rule.RiskScore = *row.RiskScore
		}
		rules = append(rules, rule)
	}

	return rules, nil
}

// Close closes the underlying database.
func (l *SQLLoader) Close() error {
	return l.DB.Close()
}
