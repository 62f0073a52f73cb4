package importer

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"gitlab.alpinelinux.org/alpine/security/threat-triage/triage"
)

// memoryStore records what the importers write.
type memoryStore struct {
	existing map[string]triage.Vulnerability
	vulns    []triage.VulnerabilityInput
	actions  []triage.ActionInput
}

func newMemoryStore() *memoryStore {
	return &memoryStore{existing: map[string]triage.Vulnerability{}}
}

func (s *memoryStore) FindVulnerabilityByCVE(_ context.Context, cveID string) (triage.Vulnerability, bool, error) {
	v, ok := s.existing[cveID]
	return v, ok, nil
}

func (s *memoryStore) PutVulnerability(_ context.Context, in triage.VulnerabilityInput) (triage.Vulnerability, error) {
	s.vulns = append(s.vulns, in)
	id := in.VulnID
	if id == "" {
		id = "vuln-" + in.CveID
	}
	v := triage.Vulnerability{VulnID: id, CveID: in.CveID}
	s.existing[in.CveID] = v
	return v, nil
}

func (s *memoryStore) PutAction(_ context.Context, in triage.ActionInput) (triage.Action, error) {
	s.actions = append(s.actions, in)
	return triage.Action{ActionID: in.ActionID, VulnID: in.VulnID}, nil
}

func (s *memoryStore) last(t *testing.T) triage.VulnerabilityInput {
	t.Helper()
	require.NotEmpty(t, s.vulns)
	return s.vulns[len(s.vulns)-1]
}

func newTestImporter(t *testing.T, config triage.Config) (*Importer, *memoryStore) {
	t.Helper()
	store := newMemoryStore()
	i, err := New(store, config)
	require.NoError(t, err)
	return i, store
}

func affectedByName(in triage.VulnerabilityInput) map[string]triage.AffectedPackageInput {
	result := map[string]triage.AffectedPackageInput{}
	for _, ap := range in.AffectedPackages {
		result[ap.Name] = ap
	}
	return result
}
