// Package extractor pulls canonical experiment-note identifiers out of the
// free-text documents returned by the search backend.
package extractor

import (
	"fmt"
	"regexp"
	"regexp/syntax"
)

// DefaultPrefix is the literal prefix of the identifier scheme used by the
// notes corpus (e.g. "ID3-14").
const DefaultPrefix = "ID"

// Config controls the identifier grammar.
type Config struct {
	// Prefix is the literal identifier prefix. Used to derive the default
	// token pattern when TokenPattern is empty.
	Prefix string
	// TokenPattern is a regular expression matching one identifier. It must
	// not contain capture groups or anchors.
	TokenPattern string
}

// DefaultConfig returns the grammar for "ID<digits>(-<digits>)*" identifiers.
func DefaultConfig() Config {
	return Config{Prefix: DefaultPrefix}
}

// tokenPattern returns the effective token expression.
func (c Config) tokenPattern() string {
	if c.TokenPattern != "" {
		return c.TokenPattern
	}
	prefix := c.Prefix
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return regexp.QuoteMeta(prefix) + `\d+(?:-\d+)*`
}

// Identifiers are delimited by anything outside [A-Za-z0-9-], so a token
// embedded in a longer run such as "ID1-1a" does not match a prefix of it.
const (
	tokenStart = `(?:^|[^A-Za-z0-9-])`
	tokenEnd   = `(?:$|[^A-Za-z0-9-])`
)

// anchored reports whether pattern contains a line or text anchor. The token
// is embedded mid-expression, where an anchor can never match.
func anchored(pattern string) bool {
	re, err := syntax.Parse(pattern, syntax.Perl)
	if err != nil {
		return false
	}
	var walk func(*syntax.Regexp) bool
	walk = func(r *syntax.Regexp) bool {
		switch r.Op {
		case syntax.OpBeginLine, syntax.OpEndLine, syntax.OpBeginText, syntax.OpEndText:
			return true
		}
		for _, sub := range r.Sub {
			if walk(sub) {
				return true
			}
		}
		return false
	}
	return walk(re)
}

// Extractor applies an ordered list of patterns; the first match wins.
type Extractor struct {
	patterns []*regexp.Regexp
}

// New compiles the pattern set for cfg.
func New(cfg Config) (*Extractor, error) {
	token := cfg.tokenPattern()
	tokenRe, err := regexp.Compile(token)
	if err != nil {
		return nil, fmt.Errorf("invalid identifier token pattern %q: %w", token, err)
	}
	if tokenRe.NumSubexp() > 0 {
		return nil, fmt.Errorf("identifier token pattern %q must not contain capture groups", token)
	}
	if anchored(token) {
		return nil, fmt.Errorf("identifier token pattern %q must not contain ^, $ or other anchors", token)
	}

	sources := []string{
		// 【実験ノートID: ID3-14】
		`【[^】]*?ID[:：]\s*(` + token + `)\s*】`,
		// 実験ノートID: ID3-14
		`ID[:：]\s*(` + token + `)` + tokenEnd,
		// # ID3-14
		`(?m)^#\s+(` + token + `)\s*$`,
		// bare ID3-14 anywhere
		tokenStart + `(` + token + `)` + tokenEnd,
	}

	patterns := make([]*regexp.Regexp, 0, len(sources))
	for _, src := range sources {
		re, err := regexp.Compile(src)
		if err != nil {
			return nil, fmt.Errorf("compiling identifier pattern %q: %w", src, err)
		}
		patterns = append(patterns, re)
	}
	return &Extractor{patterns: patterns}, nil
}

// MustNew is like New but panics on an invalid configuration.
func MustNew(cfg Config) *Extractor {
	e, err := New(cfg)
	if err != nil {
		panic(err)
	}
	return e
}

// Extract returns the identifier embedded in doc. The boolean is false when
// no pattern matches; callers treat that as a soft miss.
func (e *Extractor) Extract(doc string) (string, bool) {
	for _, re := range e.patterns {
		if m := re.FindStringSubmatch(doc); m != nil {
			return m[1], true
		}
	}
	return "", false
}
