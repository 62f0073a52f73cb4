package triage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"gorm.io/gorm"
)

// dependencyContext bundles a dependency with every row needed to correlate
// it: its package (and one hop of parent), service and owning team.
type dependencyContext struct {
	Dependency Dependency
	Package    Package
	Parent     *Package
	Service    Service
	Team       Team
}

// threatContext is a dependency/vulnerability pair with both sides loaded.
type threatContext struct {
	dep  *dependencyContext
	vuln Vulnerability
}

// PackageMatches reports whether a dependency on pkg is affected by ap.
// A package also matches through its parent wildcard package. The reverse
// direction, a wildcard dependency against a specific advisory, never
// matches.
func PackageMatches(pkg Package, parent *Package, ap AffectedPackage) bool {
	if pkg.Name == ap.AffectedName && pkg.Ecosystem == ap.Ecosystem {
		return true
	}
	return parent != nil && parent.Name == ap.AffectedName && parent.Ecosystem == ap.Ecosystem
}

// matchedAffected returns the affected package entry matching pkg, preferring
// a direct match over one through the parent.
func matchedAffected(pkg Package, parent *Package, aps []AffectedPackage) (AffectedPackage, bool) {
	var viaParent *AffectedPackage
	for i, ap := range aps {
		if !PackageMatches(pkg, parent, ap) {
			continue
		}
		if ap.AffectedName == pkg.Name && ap.Ecosystem == pkg.Ecosystem {
			return ap, true
		}
		if viaParent == nil {
			viaParent = &aps[i]
		}
	}
	if viaParent != nil {
		return *viaParent, true
	}
	return AffectedPackage{}, false
}

// correlates decides whether the pair is a live threat.
func (tc threatContext) correlates() bool {
	if _, ok := matchedAffected(tc.dep.Package, tc.dep.Parent, tc.vuln.AffectedPackages); !ok {
		return false
	}
	return IsVisible(tc.vuln.Zones, tc.dep.Team.Zones)
}

// packageNames lists the names under which the dependency is known to the
// vulnerability, the matched entry first.
func (tc threatContext) packageNames() []string {
	names := []string{}
	if ap, ok := matchedAffected(tc.dep.Package, tc.dep.Parent, tc.vuln.AffectedPackages); ok {
		names = append(names, ap.AffectedName)
	}
	if tc.dep.Package.Name != "" && !contains(names, tc.dep.Package.Name) {
		names = append(names, tc.dep.Package.Name)
	}
	if tc.dep.Parent != nil && !contains(names, tc.dep.Parent.Name) {
		names = append(names, tc.dep.Parent.Name)
	}
	return names
}

func loadDependencyContext(tx *gorm.DB, dependencyID string) (*dependencyContext, error) {
	dc := &dependencyContext{}

	err := tx.Where("dependency_id = ?", dependencyID).Take(&dc.Dependency).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: dependency %s", ErrNotFound, dependencyID)
	}
	if err != nil {
		return nil, fmt.Errorf("could not load dependency %s: %w", dependencyID, err)
	}

	err = tx.Where("package_id = ?", dc.Dependency.PackageID).Take(&dc.Package).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: dependency %s references missing package %s",
			errInconsistent, dependencyID, dc.Dependency.PackageID)
	}
	if err != nil {
		return nil, fmt.Errorf("could not load package %s: %w", dc.Dependency.PackageID, err)
	}

	if dc.Package.ParentID != nil {
		var parent Package
		err = tx.Where("package_id = ?", *dc.Package.ParentID).Take(&parent).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			slog.Warn("package references missing parent",
				"package_id", dc.Package.PackageID,
				"parent_id", *dc.Package.ParentID,
			)
		case err != nil:
			return nil, fmt.Errorf("could not load parent package %s: %w", *dc.Package.ParentID, err)
		default:
			dc.Parent = &parent
		}
	}

	err = tx.Where("service_id = ?", dc.Dependency.ServiceID).Take(&dc.Service).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: dependency %s references missing service %s",
			errInconsistent, dependencyID, dc.Dependency.ServiceID)
	}
	if err != nil {
		return nil, fmt.Errorf("could not load service %s: %w", dc.Dependency.ServiceID, err)
	}

	err = tx.Where("team_id = ?", dc.Service.TeamID).Take(&dc.Team).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: service %s references missing team %s",
			errInconsistent, dc.Service.ServiceID, dc.Service.TeamID)
	}
	if err != nil {
		return nil, fmt.Errorf("could not load team %s: %w", dc.Service.TeamID, err)
	}

	return dc, nil
}

func loadVulnerability(tx *gorm.DB, vulnID string) (Vulnerability, error) {
	var vuln Vulnerability
	err := tx.Preload("AffectedPackages").Where("vuln_id = ?", vulnID).Take(&vuln).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return vuln, fmt.Errorf("%w: vulnerability %s", ErrNotFound, vulnID)
	}
	if err != nil {
		return vuln, fmt.Errorf("could not load vulnerability %s: %w", vulnID, err)
	}
	return vuln, nil
}

// candidateVulnIDs returns every vulnerability with an affected package
// entry naming pkg or its parent, regardless of visibility.
func candidateVulnIDs(tx *gorm.DB, pkg Package, parent *Package) ([]string, error) {
	query := tx.Model(&AffectedPackage{})
	if parent != nil {
		query = query.Where(
			"(affected_name = ? AND ecosystem = ?) OR (affected_name = ? AND ecosystem = ?)",
			pkg.Name, pkg.Ecosystem, parent.Name, parent.Ecosystem,
		)
	} else {
		query = query.Where("affected_name = ? AND ecosystem = ?", pkg.Name, pkg.Ecosystem)
	}

	var ids []string
	if err := query.Distinct().Pluck("vuln_id", &ids).Error; err != nil {
		return nil, fmt.Errorf("could not look up affected packages for %s: %w", pkg.Name, err)
	}
	return ids, nil
}

// candidateDependencyIDs returns every dependency whose package, or its
// parent, is named by one of aps, regardless of visibility.
func candidateDependencyIDs(tx *gorm.DB, aps []AffectedPackage) ([]string, error) {
	packageIDs := []string{}
	for _, ap := range aps {
		var ids []string
		err := tx.Model(&Package{}).
			Where("name = ? AND ecosystem = ?", ap.AffectedName, ap.Ecosystem).
			Pluck("package_id", &ids).Error
		if err != nil {
			return nil, fmt.Errorf("could not look up package %s: %w", ap.AffectedName, err)
		}
		if len(ids) == 0 {
			continue
		}
		packageIDs = append(packageIDs, ids...)

		var children []string
		err = tx.Model(&Package{}).Where("parent_id IN ?", ids).Pluck("package_id", &children).Error
		if err != nil {
			return nil, fmt.Errorf("could not look up child packages of %s: %w", ap.AffectedName, err)
		}
		packageIDs = append(packageIDs, children...)
	}
	if len(packageIDs) == 0 {
		return nil, nil
	}

	var dependencyIDs []string
	err := tx.Model(&Dependency{}).Where("package_id IN ?", packageIDs).Pluck("dependency_id", &dependencyIDs).Error
	if err != nil {
		return nil, fmt.Errorf("could not look up dependencies: %w", err)
	}
	return dependencyIDs, nil
}

// CorrelateDependency returns the vulnerabilities that currently constitute
// a threat to the dependency.
func CorrelateDependency(ctx context.Context, db *gorm.DB, dependencyID string) ([]Vulnerability, error) {
	tx := db.WithContext(ctx)
	dc, err := loadDependencyContext(tx, dependencyID)
	if err != nil {
		return nil, err
	}

	ids, err := candidateVulnIDs(tx, dc.Package, dc.Parent)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	var vulns []Vulnerability
	err = tx.Preload("AffectedPackages").Where("vuln_id IN ?", ids).Order("vuln_id").Find(&vulns).Error
	if err != nil {
		return nil, fmt.Errorf("could not load vulnerabilities: %w", err)
	}

	result := []Vulnerability{}
	for _, vuln := range vulns {
		if (threatContext{dep: dc, vuln: vuln}).correlates() {
			result = append(result, vuln)
		}
	}
	return result, nil
}

// CorrelateVulnerability returns the dependencies currently threatened by
// the vulnerability.
func CorrelateVulnerability(ctx context.Context, db *gorm.DB, vulnID string) ([]Dependency, error) {
	tx := db.WithContext(ctx)
	vuln, err := loadVulnerability(tx, vulnID)
	if err != nil {
		return nil, err
	}

	ids, err := candidateDependencyIDs(tx, vuln.AffectedPackages)
	if err != nil {
		return nil, err
	}

	result := []Dependency{}
	for _, id := range ids {
		dc, err := loadDependencyContext(tx, id)
		if err != nil {
			slog.Error("could not correlate dependency", "dependency_id", id, "vuln_id", vulnID, "err", err)
			continue
		}
		if (threatContext{dep: dc, vuln: vuln}).correlates() {
			result = append(result, dc.Dependency)
		}
	}
	return result, nil
}

func contains(values []string, v string) bool {
	for _, value := range values {
		if value == v {
			return true
		}
	}
	return false
}
