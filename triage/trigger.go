package triage

import (
	"fmt"

	"gorm.io/gorm"
)

type TriggerKind string

const (
	VulnerabilityChanged     TriggerKind = "vulnerability_changed"
	VulnerabilityDeleted     TriggerKind = "vulnerability_deleted"
	ActionChanged            TriggerKind = "action_changed"
	DependencyCreated        TriggerKind = "dependency_created"
	DependencyVersionUpdated TriggerKind = "dependency_version_updated"
	DependencyDeleted        TriggerKind = "dependency_deleted"
	TeamZonesChanged         TriggerKind = "team_zones_changed"
	TeamEnabled              TriggerKind = "team_enabled"
	ServiceEnabled           TriggerKind = "service_enabled"
	ServiceImpactChanged     TriggerKind = "service_impact_changed"
	FullRescan               TriggerKind = "full_rescan"
)

// Trigger names the entity whose change requires recomputation.
type Trigger struct {
	Kind TriggerKind
	ID   string
}

func (t Trigger) String() string {
	if t.ID == "" {
		return string(t.Kind)
	}
	return fmt.Sprintf("%s(%s)", t.Kind, t.ID)
}

// Pair identifies one dependency/vulnerability combination to reconcile.
type Pair struct {
	DependencyID string
	VulnID       string
}

// plan expands a trigger into the pairs that may need reconciliation. It
// over-approximates: reconciling a pair whose outcome does not change is a
// no-op.
func plan(tx *gorm.DB, t Trigger) ([]Pair, error) {
	p := planner{tx: tx, seen: map[Pair]struct{}{}}

	var err error
	switch t.Kind {
	case VulnerabilityChanged:
		err = p.addVulnerabilityCandidates(t.ID)
		if err == nil {
			err = p.addThreatsWhere("vuln_id = ?", t.ID)
		}
	case VulnerabilityDeleted, ActionChanged:
		err = p.addThreatsWhere("vuln_id = ?", t.ID)
	case DependencyCreated:
		err = p.addDependencyCandidates(t.ID)
	case DependencyVersionUpdated:
		err = p.addThreatsWhere("dependency_id = ?", t.ID)
		if err == nil {
			err = p.addDependencyCandidates(t.ID)
		}
	case DependencyDeleted:
		err = p.addThreatsWhere("dependency_id = ?", t.ID)
	case TeamZonesChanged:
		err = p.addTicketsWhere("team_id = ?", t.ID)
		if err == nil {
			err = p.addDependenciesOf(
				"service_id IN (?)",
				tx.Model(&Service{}).Select("service_id").Where("team_id = ?", t.ID),
			)
		}
	case TeamEnabled:
		err = p.addTicketsWhere("team_id = ?", t.ID)
	case ServiceEnabled, ServiceImpactChanged:
		err = p.addTicketsWhere("service_id = ?", t.ID)
	case FullRescan:
		err = p.addDependenciesOf("1 = 1")
		if err == nil {
			err = p.addThreatsWhere("1 = 1")
		}
	default:
		return nil, fmt.Errorf("unknown trigger kind %q", t.Kind)
	}
	if err != nil {
		return nil, fmt.Errorf("could not plan %s: %w", t, err)
	}
	return p.pairs, nil
}

type planner struct {
	tx    *gorm.DB
	pairs []Pair
	seen  map[Pair]struct{}
}

func (p *planner) add(pair Pair) {
	if _, ok := p.seen[pair]; ok {
		return
	}
	p.seen[pair] = struct{}{}
	p.pairs = append(p.pairs, pair)
}

func (p *planner) addThreatsWhere(query string, args ...any) error {
	var threats []Threat
	if err := p.tx.Where(query, args...).Order("created_at, threat_id").Find(&threats).Error; err != nil {
		return err
	}
	for _, t := range threats {
		p.add(Pair{DependencyID: t.DependencyID, VulnID: t.VulnID})
	}
	return nil
}

func (p *planner) addTicketsWhere(query string, args ...any) error {
	var tickets []Ticket
	if err := p.tx.Where(query, args...).Order("created_at, ticket_id").Find(&tickets).Error; err != nil {
		return err
	}
	for _, t := range tickets {
		p.add(Pair{DependencyID: t.DependencyID, VulnID: t.VulnID})
	}
	return nil
}

func (p *planner) addVulnerabilityCandidates(vulnID string) error {
	var aps []AffectedPackage
	if err := p.tx.Where("vuln_id = ?", vulnID).Find(&aps).Error; err != nil {
		return err
	}
	ids, err := candidateDependencyIDs(p.tx, aps)
	if err != nil {
		return err
	}
	for _, id := range ids {
		p.add(Pair{DependencyID: id, VulnID: vulnID})
	}
	return nil
}

func (p *planner) addDependencyCandidates(dependencyID string) error {
	var dep Dependency
	if err := p.tx.Where("dependency_id = ?", dependencyID).Limit(1).Find(&dep).Error; err != nil {
		return err
	}
	if dep.DependencyID == "" {
		return nil
	}

	var pkg Package
	if err := p.tx.Where("package_id = ?", dep.PackageID).Limit(1).Find(&pkg).Error; err != nil {
		return err
	}
	if pkg.PackageID == "" {
		return nil
	}
	var parent *Package
	if pkg.ParentID != nil {
		var found Package
		if err := p.tx.Where("package_id = ?", *pkg.ParentID).Limit(1).Find(&found).Error; err != nil {
			return err
		}
		if found.PackageID != "" {
			parent = &found
		}
	}

	ids, err := candidateVulnIDs(p.tx, pkg, parent)
	if err != nil {
		return err
	}
	for _, id := range ids {
		p.add(Pair{DependencyID: dependencyID, VulnID: id})
	}
	return nil
}

func (p *planner) addDependenciesOf(query string, args ...any) error {
	var ids []string
	if err := p.tx.Model(&Dependency{}).Where(query, args...).Order("dependency_id").Pluck("dependency_id", &ids).Error; err != nil {
		return err
	}
	for _, id := range ids {
		if err := p.addDependencyCandidates(id); err != nil {
			return err
		}
	}
	return nil
}
