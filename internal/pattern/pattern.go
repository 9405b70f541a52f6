// Package pattern implements the space-separated glob matcher spec.md 4.9
// uses for HostsToSkip/ChartsToSkip: a list of space-separated shell glob
// terms, each optionally prefixed with '!' to negate it, evaluated in
// order with first match winning. Grounded on original_source/ml's use of
// simple_pattern_create/simple_pattern_matches (ml.cc, Database.cc) against
// SIMPLE_PATTERN_EXACT, reimplemented on path/filepath.Match rather than
// porting the original's custom pattern engine.
package pattern

import (
	"path/filepath"
	"strings"
)

// term is one compiled clause of a Pattern.
type term struct {
	negate bool
	glob   string
}

// Pattern is a compiled HostsToSkip/ChartsToSkip expression.
type Pattern struct {
	terms []term
}

// Compile parses a space-separated list of glob terms. An empty or
// all-whitespace expr compiles to a Pattern that matches nothing.
func Compile(expr string) Pattern {
	fields := strings.Fields(expr)
	terms := make([]term, 0, len(fields))
	for _, f := range fields {
		if strings.HasPrefix(f, "!") {
			terms = append(terms, term{negate: true, glob: f[1:]})
		} else {
			terms = append(terms, term{glob: f})
		}
	}
	return Pattern{terms: terms}
}

// Match reports whether name matches the pattern: the first term whose
// glob matches name decides the outcome (negated or not); no match at all
// means false.
func (p Pattern) Match(name string) bool {
	for _, t := range p.terms {
		if ok, _ := filepath.Match(t.glob, name); ok {
			return !t.negate
		}
	}
	return false
}
