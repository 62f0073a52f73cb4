package triage

import (
	"gitlab.alpinelinux.org/alpine/security/threat-triage/versionrange"
)

// VersionState makes the meaning of a vulnerable-version entry explicit
// instead of overloading an empty range list.
type VersionState string

const (
	VersionRanges        VersionState = "ranges"
	VersionUnknown       VersionState = "unknown"
	VersionAlways        VersionState = "always"
	VersionNotVulnerable VersionState = "never"
)

type VersionConstraint struct {
	State  VersionState `json:"state"`
	Ranges []string     `json:"ranges,omitempty"`
}

// VulnerableVersions maps a package name to the versions an action
// considers vulnerable.
type VulnerableVersions map[string]VersionConstraint

// LegacyConstraint converts the old plain range list. An empty list carried
// no information and becomes VersionUnknown.
func LegacyConstraint(ranges []string) VersionConstraint {
	if len(ranges) == 0 {
		return VersionConstraint{State: VersionUnknown}
	}
	return VersionConstraint{State: VersionRanges, Ranges: ranges}
}

// Evaluate reports whether version is still vulnerable under c.
func (c VersionConstraint) Evaluate(ecosystem, version string) versionrange.Result {
	switch c.State {
	case VersionAlways:
		return versionrange.True
	case VersionNotVulnerable:
		return versionrange.False
	case VersionRanges:
		return versionrange.MatchesEcosystem(ecosystem, version, c.Ranges)
	}
	return versionrange.Unknown
}
