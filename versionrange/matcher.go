// Package versionrange evaluates version range predicates such as
// ">=1.0 <2.0" against an installed version.
//
// Evaluation is three-valued. A comparator whose version cannot be parsed
// yields Unknown instead of false, and callers treat Unknown as "still
// possibly vulnerable".
package versionrange

import (
	"strings"

	"github.com/Masterminds/semver/v3"
	npm "github.com/aquasecurity/go-npm-version/pkg"
	pep440 "github.com/aquasecurity/go-pep440-version"
)

// Result is the outcome of matching a version against ranges.
type Result int

const (
	False Result = iota
	True
	Unknown
)

func (r Result) String() string {
	switch r {
	case False:
		return "false"
	case True:
		return "true"
	default:
		return "unknown"
	}
}

// and is the Kleene conjunction: false dominates unknown.
func (r Result) and(o Result) Result {
	switch {
	case r == False || o == False:
		return False
	case r == Unknown || o == Unknown:
		return Unknown
	}
	return True
}

// compareFunc returns -1, 0 or 1 for a < b, a == b, a > b.
type compareFunc func(a, b string) (int, error)

// Matches reports whether version falls into any of ranges using semantic
// version ordering. An empty range list means no constraint is known and
// always yields Unknown.
func Matches(version string, ranges []string) Result {
	return MatchesEcosystem("", version, ranges)
}

// MatchesEcosystem is Matches with an ecosystem specific ordering: npm and
// PyPI versions are compared with their native rules, everything else with
// semantic versioning.
func MatchesEcosystem(ecosystem, version string, ranges []string) Result {
	if len(ranges) == 0 {
		return Unknown
	}

	compare := comparerFor(ecosystem)
	version = strings.TrimSpace(version)

	result := False
	for _, r := range ranges {
		switch evalRange(compare, version, r) {
		case True:
			return True
		case Unknown:
			result = Unknown
		}
	}
	return result
}

func comparerFor(ecosystem string) compareFunc {
	switch strings.ToLower(ecosystem) {
	case "npm":
		return compareNPM
	case "pypi":
		return comparePEP440
	}
	return compareSemver
}

func evalRange(compare compareFunc, version, r string) Result {
	comparators := Tokenize(r)
	if len(comparators) == 0 {
		return Unknown
	}
	if version == "" {
		return Unknown
	}

	result := True
	for _, c := range comparators {
		result = result.and(c.eval(compare, version))
		if result == False {
			return False
		}
	}
	return result
}

// Comparator is one operator/version token of a range.
type Comparator struct {
	Op      string
	Version string
}

var operators = []string{">=", "<=", "!=", "==", ">", "<", "="}

// Tokenize splits a range string into comparators. Tokens are separated by
// whitespace or commas; a bare operator is joined with the following token
// so "< 1.1" and "<1.1" are equivalent.
func Tokenize(r string) []Comparator {
	fields := strings.FieldsFunc(r, func(c rune) bool {
		return c == ' ' || c == ',' || c == '\t'
	})

	var comparators []Comparator
	pending := ""
	for _, f := range fields {
		if pending != "" {
			f = pending + f
			pending = ""
		}
		op, v := splitOperator(f)
		if v == "" {
			pending = op
			continue
		}
		comparators = append(comparators, Comparator{Op: op, Version: v})
	}
	if pending != "" {
		comparators = append(comparators, Comparator{Op: pending})
	}
	return comparators
}

func splitOperator(token string) (op, version string) {
	for _, candidate := range operators {
		if strings.HasPrefix(token, candidate) {
			return candidate, strings.TrimSpace(token[len(candidate):])
		}
	}
	return "==", token
}

func (c Comparator) eval(compare compareFunc, version string) Result {
	if c.Version == "*" {
		return True
	}
	if c.Version == "" {
		return Unknown
	}

	cmp, err := compare(version, c.Version)
	if err != nil {
		return Unknown
	}

	var ok bool
	switch c.Op {
	case ">=":
		ok = cmp >= 0
	case "<=":
		ok = cmp <= 0
	case ">":
		ok = cmp > 0
	case "<":
		ok = cmp < 0
	case "!=":
		ok = cmp != 0
	default:
		ok = cmp == 0
	}
	if ok {
		return True
	}
	return False
}

func compareSemver(a, b string) (int, error) {
	va, err := semver.NewVersion(a)
	if err != nil {
		return 0, err
	}
	vb, err := semver.NewVersion(b)
	if err != nil {
		return 0, err
	}
	return va.Compare(vb), nil
}

func compareNPM(a, b string) (int, error) {
	va, err := npm.NewVersion(a)
	if err != nil {
		return 0, err
	}
	vb, err := npm.NewVersion(b)
	if err != nil {
		return 0, err
	}
	return order(va.LessThan(vb), va.GreaterThan(vb)), nil
}

func comparePEP440(a, b string) (int, error) {
	va, err := pep440.Parse(a)
	if err != nil {
		return 0, err
	}
	vb, err := pep440.Parse(b)
	if err != nil {
		return 0, err
	}
	return order(va.LessThan(vb), va.GreaterThan(vb)), nil
}

func order(less, greater bool) int {
	switch {
	case less:
		return -1
	case greater:
		return 1
	}
	return 0
}
