package importer

import (
	"strings"

	"github.com/moznion/go-optional"
)

// OptionalFirst returns optional.Some with the first element of a slice if
// available, otherwise optional.None.
func OptionalFirst[S ~[]E, E any](s S) optional.Option[E] {
	if len(s) == 0 {
		return optional.None[E]()
	}
	return optional.Some(s[0])
}

// OptionalNonEmpty returns optional.Some if the provided slice contains any
// elements, otherwise optional.None.
func OptionalNonEmpty[S ~[]E, E any](s S) optional.Option[S] {
	if len(s) == 0 {
		return optional.None[S]()
	}
	return optional.Some(s)
}

// OptionalVersion treats the CPE and CVE placeholders "", "*" and "-" as no
// version at all.
func OptionalVersion(v string) optional.Option[string] {
	v = strings.TrimSpace(v)
	switch v {
	case "", "*", "-":
		return optional.None[string]()
	}
	return optional.Some(v)
}

func someFloat(v float64) optional.Option[float64] {
	return optional.Some(v)
}
