package triage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/package-url/packageurl-go"
	"gorm.io/gorm"
)

// DependencyRow is one inventory entry as produced by SBOM ingestion.
type DependencyRow struct {
	Name           string
	Ecosystem      string
	ParentName     string
	Version        string
	Target         string
	PackageManager string
}

// DependencyRowFromPurl converts a package URL. Distribution packages use
// the distro qualifier as ecosystem and their upstream source package as
// parent.
func DependencyRowFromPurl(purl, target, packageManager string) (DependencyRow, error) {
	p, err := packageurl.FromString(purl)
	if err != nil {
		return DependencyRow{}, fmt.Errorf("could not parse purl %q: %w", purl, err)
	}
	qualifiers := p.Qualifiers.Map()

	row := DependencyRow{
		Name:           p.Name,
		Ecosystem:      p.Type,
		Version:        p.Version,
		Target:         target,
		PackageManager: packageManager,
	}
	switch p.Type {
	case packageurl.TypeDebian, packageurl.TypeRPM, "apk":
		if distro := qualifiers["distro"]; distro != "" {
			row.Ecosystem = distro
		}
		if upstream := qualifiers["upstream"]; upstream != "" && upstream != p.Name {
			row.ParentName = upstream
		}
	case packageurl.TypeNPM, packageurl.TypeGolang, packageurl.TypeComposer:
		if p.Namespace != "" {
			row.Name = p.Namespace + "/" + p.Name
		}
	case packageurl.TypeMaven:
		if p.Namespace != "" {
			row.Name = p.Namespace + ":" + p.Name
		}
	case packageurl.TypePyPi:
		row.Name = strings.ToLower(p.Name)
	}
	if row.PackageManager == "" {
		row.PackageManager = p.Type
	}
	return row, nil
}

// GetOrCreatePackage looks a package up by (name, ecosystem). Packages are
// immutable: an existing package keeps its parent.
func GetOrCreatePackage(tx *gorm.DB, name, ecosystem, parentName string) (Package, error) {
	var pkg Package
	err := tx.Where("name = ? AND ecosystem = ?", name, ecosystem).Take(&pkg).Error
	if err == nil {
		return pkg, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return pkg, fmt.Errorf("could not load package %s: %w", name, err)
	}

	pkg = Package{Name: name, Ecosystem: ecosystem}
	if parentName != "" && parentName != name {
		parent, err := GetOrCreatePackage(tx, parentName, ecosystem, "")
		if err != nil {
			return pkg, err
		}
		pkg.ParentID = &parent.PackageID
	}
	if err := tx.Create(&pkg).Error; err != nil {
		return pkg, fmt.Errorf("could not create package %s: %w", name, err)
	}
	return pkg, nil
}

// ReplaceDependencies makes rows the complete inventory of the service.
// Rows are matched to existing dependencies by (package, target); only the
// differences trigger recomputation.
func (e *Engine) ReplaceDependencies(ctx context.Context, serviceID string, rows []DependencyRow) (Report, error) {
	triggers := []Trigger{}
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := takeByID(tx, &Service{}, "service_id", serviceID, "service"); err != nil {
			return err
		}

		var existing []Dependency
		if err := tx.Where("service_id = ?", serviceID).Find(&existing).Error; err != nil {
			return fmt.Errorf("could not load dependencies of service %s: %w", serviceID, err)
		}
		byKey := make(map[[2]string]Dependency, len(existing))
		for _, dep := range existing {
			byKey[[2]string{dep.PackageID, dep.Target}] = dep
		}

		keep := map[string]struct{}{}
		for _, row := range rows {
			pkg, err := GetOrCreatePackage(tx, row.Name, row.Ecosystem, row.ParentName)
			if err != nil {
				return err
			}
			key := [2]string{pkg.PackageID, row.Target}

			dep, ok := byKey[key]
			if !ok {
				dep = Dependency{
					ServiceID:      serviceID,
					PackageID:      pkg.PackageID,
					Target:         row.Target,
					Version:        row.Version,
					PackageManager: row.PackageManager,
				}
				if err := tx.Create(&dep).Error; err != nil {
					return fmt.Errorf("could not create dependency %s: %w", row.Name, err)
				}
				byKey[key] = dep
				keep[dep.DependencyID] = struct{}{}
				triggers = append(triggers, Trigger{Kind: DependencyCreated, ID: dep.DependencyID})
				continue
			}

			keep[dep.DependencyID] = struct{}{}
			if dep.Version == row.Version && dep.PackageManager == row.PackageManager {
				continue
			}
			versionChanged := dep.Version != row.Version
			dep.Version = row.Version
			dep.PackageManager = row.PackageManager
			if err := tx.Save(&dep).Error; err != nil {
				return fmt.Errorf("could not update dependency %s: %w", row.Name, err)
			}
			byKey[key] = dep
			if versionChanged {
				triggers = append(triggers, Trigger{Kind: DependencyVersionUpdated, ID: dep.DependencyID})
			}
		}

		stale := []string{}
		for _, dep := range existing {
			if _, ok := keep[dep.DependencyID]; !ok {
				stale = append(stale, dep.DependencyID)
			}
		}
		if len(stale) > 0 {
			if err := tx.Where("dependency_id IN ?", stale).Delete(&Dependency{}).Error; err != nil {
				return fmt.Errorf("could not delete stale dependencies: %w", err)
			}
			triggers = append(triggers, dependencyTriggers(DependencyDeleted, stale)...)
		}
		return nil
	})
	if err != nil {
		return Report{}, err
	}

	report, err := e.recompute(ctx, triggers...)
	logReport("replaced dependencies", report, "service_id", serviceID, "rows", len(rows))
	return report, err
}

// UpdateDependencyVersion records a new installed version, which may
// satisfy a fix range and close the dependency's tickets.
func (e *Engine) UpdateDependencyVersion(ctx context.Context, dependencyID, version string) error {
	changed := false
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var dep Dependency
		if err := takeByID(tx, &dep, "dependency_id", dependencyID, "dependency"); err != nil {
			return err
		}
		if dep.Version == version {
			return nil
		}
		changed = true
		return tx.Model(&dep).Update("version", version).Error
	})
	if err != nil {
		return fmt.Errorf("could not update dependency %s: %w", dependencyID, err)
	}
	if !changed {
		return nil
	}

	report, err := e.recompute(ctx, Trigger{Kind: DependencyVersionUpdated, ID: dependencyID})
	logReport("updated dependency version", report, "dependency_id", dependencyID, "version", version)
	return err
}
