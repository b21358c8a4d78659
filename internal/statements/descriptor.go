package statements

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// StatementType identifies which of the two statement files an account publishes.
type StatementType string

const (
	TypeA StatementType = "TYPE_A"
	TypeB StatementType = "TYPE_B"
)

// Default type codes used by the custodian feed: INTE100F is the position
// statement, INTE400F the transaction statement.
const (
	DefaultTypeACode = "INTE100"
	DefaultTypeBCode = "INTE400"
)

// timestampLayouts lists the filename timestamp formats in the order they are tried.
var timestampLayouts = []string{
	"20060102150405",
	"20060102T150405",
	"20060102T1504",
	"20060102",
}

// Catalog lists raw file names available on the remote file source.
type Catalog interface {
	ListFiles(ctx context.Context) ([]string, error)
}

// Descriptor is the parsed form of one remote statement file name.
type Descriptor struct {
	Account   string
	Timestamp time.Time
	Type      StatementType
	RawName   string
}

// Key identifies the (account, statement type) slot a descriptor competes for.
func (d Descriptor) Key() string {
	return d.Account + "/" + string(d.Type)
}

func (d Descriptor) String() string {
	return fmt.Sprintf("%s %s %s", d.Account, d.Type, d.Timestamp.Format(time.RFC3339))
}

// Codes maps the type codes found in file names to statement types.
type Codes struct {
	A string
	B string
}

// DefaultCodes returns the codes of the custodian feed.
func DefaultCodes() Codes {
	return Codes{A: DefaultTypeACode, B: DefaultTypeBCode}
}

// Parser turns raw names into descriptors for a given pair of type codes.
type Parser struct {
	codes   Codes
	pattern *regexp.Regexp
}

// NewParser compiles the name pattern for the given codes.
func NewParser(codes Codes) (*Parser, error) {
	if codes.A == "" || codes.B == "" {
		return nil, fmt.Errorf("statement type codes must not be empty")
	}
	if codes.A == codes.B {
		return nil, fmt.Errorf("statement type codes must differ, both are %q", codes.A)
	}
	// Longest code first so that a code that prefixes the other cannot shadow it.
	alts := []string{regexp.QuoteMeta(codes.A), regexp.QuoteMeta(codes.B)}
	if len(codes.B) > len(codes.A) {
		alts[0], alts[1] = alts[1], alts[0]
	}
	expr := `^(?P<account>\d+)-(?P<ts>[0-9T]+)-(?P<type>` + strings.Join(alts, "|") + `)(?P<variant>[A-Za-z0-9_]*)\.(?P<ext>[A-Za-z0-9]+)$`
	return &Parser{codes: codes, pattern: regexp.MustCompile(expr)}, nil
}

// Parse parses a single raw name. The error explains why the name was rejected.
func (p *Parser) Parse(raw string) (Descriptor, error) {
	m := p.pattern.FindStringSubmatch(raw)
	if m == nil {
		return Descriptor{}, fmt.Errorf("name %q does not match statement pattern", raw)
	}

	ts, err := parseTimestamp(m[p.pattern.SubexpIndex("ts")])
	if err != nil {
		return Descriptor{}, fmt.Errorf("name %q: %w", raw, err)
	}

	typ := TypeA
	if m[p.pattern.SubexpIndex("type")] == p.codes.B {
		typ = TypeB
	}

	return Descriptor{
		Account:   m[p.pattern.SubexpIndex("account")],
		Timestamp: ts,
		Type:      typ,
		RawName:   raw,
	}, nil
}

func parseTimestamp(s string) (time.Time, error) {
	for _, layout := range timestampLayouts {
		if len(s) != len(layout) {
			continue
		}
		if ts, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised timestamp %q", s)
}
