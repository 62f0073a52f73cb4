package triage

import (
	"context"
	"fmt"

	"github.com/moznion/go-optional"
	"gorm.io/gorm"
)

type AffectedPackageInput struct {
	Name             string
	Ecosystem        string
	AffectedVersions []string
	FixedVersions    []string
}

// VulnerabilityInput describes a vulnerability as a feed or a user sees it.
// Without a VulnID an existing vulnerability with the same CveID is updated.
type VulnerabilityInput struct {
	VulnID           string
	CveID            string
	Title            string
	Detail           string
	Exploitation     Exploitation
	Automatable      Automatable
	CvssScore        optional.Option[float64]
	Zones            []string
	AffectedPackages []AffectedPackageInput
}

type ActionInput struct {
	ActionID           string
	VulnID             string
	Text               string
	PackageNames       []string
	VulnerableVersions VulnerableVersions
	Zones              []string
}

// PutVulnerability creates or updates a vulnerability and replaces its
// affected packages, then recomputes every pair it may touch.
func (e *Engine) PutVulnerability(ctx context.Context, in VulnerabilityInput) (Vulnerability, error) {
	seen := map[[2]string]struct{}{}
	for _, ap := range in.AffectedPackages {
		key := [2]string{ap.Name, ap.Ecosystem}
		if _, ok := seen[key]; ok {
			return Vulnerability{}, fmt.Errorf("%w: %s (%s)", ErrDuplicatePackageDefinition, ap.Name, ap.Ecosystem)
		}
		seen[key] = struct{}{}
	}

	var vuln Vulnerability
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := requireZones(tx, in.Zones); err != nil {
			return err
		}

		vuln = Vulnerability{}
		switch {
		case in.VulnID != "":
			if err := tx.Where("vuln_id = ?", in.VulnID).Limit(1).Find(&vuln).Error; err != nil {
				return fmt.Errorf("could not load vulnerability %s: %w", in.VulnID, err)
			}
		case in.CveID != "":
			if err := tx.Where("cve_id = ?", in.CveID).Order("created_at").Limit(1).Find(&vuln).Error; err != nil {
				return fmt.Errorf("could not load vulnerability %s: %w", in.CveID, err)
			}
		}
		exists := vuln.VulnID != ""
		if !exists {
			vuln.VulnID = in.VulnID
		}

		vuln.CveID = in.CveID
		vuln.Title = in.Title
		vuln.Detail = in.Detail
		vuln.Exploitation = in.Exploitation
		vuln.Automatable = in.Automatable
		vuln.CvssScore = in.CvssScore.UnwrapAsPtr()
		vuln.Zones = uniqueStrings(in.Zones)

		var err error
		if exists {
			err = tx.Omit("AffectedPackages").Save(&vuln).Error
		} else {
			err = tx.Omit("AffectedPackages").Create(&vuln).Error
		}
		if err != nil {
			return fmt.Errorf("could not store vulnerability: %w", err)
		}

		affected, err := replaceAffectedPackages(tx, vuln.VulnID, in.AffectedPackages)
		if err != nil {
			return err
		}
		vuln.AffectedPackages = affected
		return nil
	})
	if err != nil {
		return Vulnerability{}, err
	}

	report, err := e.recompute(ctx, Trigger{Kind: VulnerabilityChanged, ID: vuln.VulnID})
	logReport("stored vulnerability", report, "vuln_id", vuln.VulnID, "cve", vuln.CveID)
	return vuln, err
}

// replaceAffectedPackages upserts the entries by (name, ecosystem) and
// removes the ones no longer listed.
func replaceAffectedPackages(tx *gorm.DB, vulnID string, inputs []AffectedPackageInput) ([]AffectedPackage, error) {
	keep := []string{}
	result := []AffectedPackage{}
	for _, in := range inputs {
		var existing AffectedPackage
		err := tx.Where("vuln_id = ? AND affected_name = ? AND ecosystem = ?", vulnID, in.Name, in.Ecosystem).
			Limit(1).
			Find(&existing).Error
		if err != nil {
			return nil, fmt.Errorf("could not load affected package %s: %w", in.Name, err)
		}

		ap := AffectedPackage{
			AffectedID:       existing.AffectedID,
			VulnID:           vulnID,
			AffectedName:     in.Name,
			Ecosystem:        in.Ecosystem,
			AffectedVersions: nonNil(in.AffectedVersions),
			FixedVersions:    nonNil(in.FixedVersions),
		}
		if ap.AffectedID == "" {
			err = tx.Create(&ap).Error
		} else {
			err = tx.Save(&ap).Error
		}
		if err != nil {
			return nil, fmt.Errorf("could not store affected package %s: %w", in.Name, err)
		}
		keep = append(keep, ap.AffectedID)
		result = append(result, ap)
	}

	stale := tx.Where("vuln_id = ?", vulnID)
	if len(keep) > 0 {
		stale = stale.Where("affected_id NOT IN ?", keep)
	}
	if err := stale.Delete(&AffectedPackage{}).Error; err != nil {
		return nil, fmt.Errorf("could not delete stale affected packages: %w", err)
	}
	return result, nil
}

// DeleteVulnerability removes the vulnerability with its actions, and with
// them every threat and ticket it caused.
func (e *Engine) DeleteVulnerability(ctx context.Context, vulnID string) error {
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var vuln Vulnerability
		if err := takeByID(tx, &vuln, "vuln_id", vulnID, "vulnerability"); err != nil {
			return err
		}
		if err := tx.Where("vuln_id = ?", vulnID).Delete(&Action{}).Error; err != nil {
			return fmt.Errorf("could not delete actions: %w", err)
		}
		if err := tx.Where("vuln_id = ?", vulnID).Delete(&AffectedPackage{}).Error; err != nil {
			return fmt.Errorf("could not delete affected packages: %w", err)
		}
		if err := tx.Delete(&vuln).Error; err != nil {
			return fmt.Errorf("could not delete vulnerability: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	report, err := e.recompute(ctx, Trigger{Kind: VulnerabilityDeleted, ID: vulnID})
	logReport("deleted vulnerability", report, "vuln_id", vulnID)
	return err
}

// PutAction creates or updates a remediation action.
func (e *Engine) PutAction(ctx context.Context, in ActionInput) (Action, error) {
	var action Action
	triggers := []Trigger{}
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := takeByID(tx, &Vulnerability{}, "vuln_id", in.VulnID, "vulnerability"); err != nil {
			return err
		}
		if err := requireZones(tx, in.Zones); err != nil {
			return err
		}

		action = Action{}
		if in.ActionID != "" {
			if err := tx.Where("action_id = ?", in.ActionID).Limit(1).Find(&action).Error; err != nil {
				return fmt.Errorf("could not load action %s: %w", in.ActionID, err)
			}
		}
		exists := action.ActionID != ""
		if exists && action.VulnID != in.VulnID {
			triggers = append(triggers, Trigger{Kind: ActionChanged, ID: action.VulnID})
		}
		if !exists {
			action.ActionID = in.ActionID
		}

		action.VulnID = in.VulnID
		action.Text = in.Text
		action.PackageNames = uniqueStrings(in.PackageNames)
		action.VulnerableVersions = in.VulnerableVersions
		if action.VulnerableVersions == nil {
			action.VulnerableVersions = VulnerableVersions{}
		}
		action.Zones = uniqueStrings(in.Zones)

		var err error
		if exists {
			err = tx.Save(&action).Error
		} else {
			err = tx.Create(&action).Error
		}
		if err != nil {
			return fmt.Errorf("could not store action: %w", err)
		}
		return nil
	})
	if err != nil {
		return Action{}, err
	}

	triggers = append(triggers, Trigger{Kind: ActionChanged, ID: action.VulnID})
	report, err := e.recompute(ctx, triggers...)
	logReport("stored action", report, "action_id", action.ActionID, "vuln_id", action.VulnID)
	return action, err
}

func (e *Engine) DeleteAction(ctx context.Context, actionID string) error {
	var action Action
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := takeByID(tx, &action, "action_id", actionID, "action"); err != nil {
			return err
		}
		if err := tx.Delete(&action).Error; err != nil {
			return fmt.Errorf("could not delete action: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	report, err := e.recompute(ctx, Trigger{Kind: ActionChanged, ID: action.VulnID})
	logReport("deleted action", report, "action_id", actionID)
	return err
}

func nonNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}

// FindVulnerabilityByCVE returns the oldest vulnerability recorded for cveID.
func (e *Engine) FindVulnerabilityByCVE(ctx context.Context, cveID string) (Vulnerability, bool, error) {
	var vuln Vulnerability
	err := e.db.WithContext(ctx).
		Preload("AffectedPackages").
		Where("cve_id = ?", cveID).
		Order("created_at").
		Limit(1).
		Find(&vuln).Error
	if err != nil {
		return Vulnerability{}, false, fmt.Errorf("could not load vulnerability %s: %w", cveID, err)
	}
	return vuln, vuln.VulnID != "", nil
}
