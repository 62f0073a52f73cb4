// Package importer feeds vulnerability records from public sources into the
// triage engine. Every record is converted into a triage.VulnerabilityInput
// and stored through the engine, which recomputes the affected threats.
package importer

import (
	"context"
	"fmt"
	"log/slog"

	"gitlab.alpinelinux.org/alpine/security/threat-triage/triage"
)

// Store is the part of triage.Engine the importers write to.
type Store interface {
	FindVulnerabilityByCVE(ctx context.Context, cveID string) (triage.Vulnerability, bool, error)
	PutVulnerability(ctx context.Context, in triage.VulnerabilityInput) (triage.Vulnerability, error)
	PutAction(ctx context.Context, in triage.ActionInput) (triage.Action, error)
}

var _ Store = (*triage.Engine)(nil)

type Importer struct {
	store     Store
	config    triage.Config
	rewriters []compiledRewriter
}

func New(store Store, config triage.Config) (*Importer, error) {
	rewriters := make([]compiledRewriter, 0, len(config.Rewriters))
	for i, rewriter := range config.Rewriters {
		cr, err := NewCompiledRewriter(rewriter)
		if err != nil {
			return nil, fmt.Errorf("could not parse rewrite rule %d, %w", i+1, err)
		}
		rewriters = append(rewriters, cr)
	}
	return &Importer{store: store, config: config, rewriters: rewriters}, nil
}

// PackageRef names a package as a feed reports it, before it is turned into
// an affected package entry.
type PackageRef struct {
	Source    string
	Vendor    string
	Name      string
	Ecosystem string
	Version   string
}

func (i *Importer) rewrite(ref PackageRef) PackageRef {
	for _, rewriter := range i.rewriters {
		ref = rewriter.Rewrite(ref)
	}
	return ref
}

// affectedSet collects version ranges per (name, ecosystem) so a feed that
// lists the same package several times yields a single entry.
type affectedSet struct {
	order   [][2]string
	entries map[[2]string]*triage.AffectedPackageInput
}

func newAffectedSet() *affectedSet {
	return &affectedSet{entries: map[[2]string]*triage.AffectedPackageInput{}}
}

func (s *affectedSet) add(name, ecosystem string, ranges, fixed []string) {
	if name == "" {
		return
	}
	key := [2]string{name, ecosystem}
	entry, ok := s.entries[key]
	if !ok {
		entry = &triage.AffectedPackageInput{Name: name, Ecosystem: ecosystem}
		s.entries[key] = entry
		s.order = append(s.order, key)
	}
	entry.AffectedVersions = appendUnique(entry.AffectedVersions, ranges...)
	entry.FixedVersions = appendUnique(entry.FixedVersions, fixed...)
}

func (s *affectedSet) list() []triage.AffectedPackageInput {
	result := make([]triage.AffectedPackageInput, 0, len(s.order))
	for _, key := range s.order {
		result = append(result, *s.entries[key])
	}
	return result
}

// put writes in, keeping the decision points and zones another feed or a
// user already set when this feed has none.
func (i *Importer) put(ctx context.Context, in triage.VulnerabilityInput) (triage.Vulnerability, error) {
	existing, ok, err := i.store.FindVulnerabilityByCVE(ctx, in.CveID)
	if err != nil {
		return triage.Vulnerability{}, err
	}
	if ok {
		in.VulnID = existing.VulnID
		if in.Exploitation == "" {
			in.Exploitation = existing.Exploitation
		}
		if in.Automatable == "" {
			in.Automatable = existing.Automatable
		}
		if in.CvssScore.IsNone() && existing.CvssScore != nil {
			in.CvssScore = someFloat(*existing.CvssScore)
		}
		if len(in.Zones) == 0 {
			in.Zones = existing.Zones
		}
	}

	vuln, err := i.store.PutVulnerability(ctx, in)
	if err != nil {
		return triage.Vulnerability{}, fmt.Errorf("could not store %s: %w", in.CveID, err)
	}
	slog.Debug(
		"stored vulnerability",
		"cve", in.CveID,
		"vuln_id", vuln.VulnID,
		"affected", len(in.AffectedPackages),
	)
	return vuln, nil
}

func appendUnique(values []string, add ...string) []string {
	for _, v := range add {
		found := false
		for _, existing := range values {
			if existing == v {
				found = true
				break
			}
		}
		if !found {
			values = append(values, v)
		}
	}
	return values
}
