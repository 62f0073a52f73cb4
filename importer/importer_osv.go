package importer

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/google/osv-scanner/pkg/models"
	"github.com/google/uuid"
	"gitlab.alpinelinux.org/alpine/security/threat-triage/triage"
)

// osvActionNamespace derives stable action IDs so a re-import updates the
// same upgrade action instead of adding another.
var osvActionNamespace = uuid.MustParse("6f1c7a52-3c55-4f0e-9a37-5e2ad3b0d7c4")

// ImportOSV reads one OSV document and stores it with one upgrade action per
// affected package.
func (i *Importer) ImportOSV(ctx context.Context, r io.Reader) error {
	var vuln models.Vulnerability
	if err := json.NewDecoder(r).Decode(&vuln); err != nil {
		return fmt.Errorf("could not decode osv record: %w", err)
	}
	return i.ProcessOSVRecord(ctx, vuln)
}

func (i *Importer) ProcessOSVRecord(ctx context.Context, record models.Vulnerability) error {
	if record.ID == "" {
		return fmt.Errorf("osv record has no id")
	}
	slog.Info("Processing vulnerability", "osv", record.ID)

	in := triage.VulnerabilityInput{
		CveID:  osvCveID(record),
		Title:  record.Summary,
		Detail: record.Details,
		Zones:  i.config.Importers.OSV.Zones,
	}
	if in.Title == "" {
		in.Title = record.ID
	}

	affected := newAffectedSet()
	for _, a := range record.Affected {
		ref := i.rewrite(PackageRef{
			Source:    "osv",
			Name:      a.Package.Name,
			Ecosystem: osvEcosystem(string(a.Package.Ecosystem)),
		})
		ranges, fixed := osvRanges(a)
		affected.add(ref.Name, ref.Ecosystem, ranges, fixed)
	}
	in.AffectedPackages = affected.list()

	vuln, err := i.put(ctx, in)
	if err != nil {
		return err
	}

	for _, ap := range in.AffectedPackages {
		action := triage.ActionInput{
			ActionID:     uuid.NewSHA1(osvActionNamespace, []byte(vuln.VulnID+"/"+ap.Ecosystem+"/"+ap.Name)).String(),
			VulnID:       vuln.VulnID,
			Text:         upgradeText(ap),
			PackageNames: []string{ap.Name},
			VulnerableVersions: triage.VulnerableVersions{
				ap.Name: triage.LegacyConstraint(ap.AffectedVersions),
			},
			Zones: in.Zones,
		}
		if _, err := i.store.PutAction(ctx, action); err != nil {
			return fmt.Errorf("could not store upgrade action for %s: %w", ap.Name, err)
		}
	}
	return nil
}

// osvCveID prefers the CVE alias so OSV and NVD records of the same issue
// end up on one vulnerability.
func osvCveID(record models.Vulnerability) string {
	if strings.HasPrefix(record.ID, "CVE-") {
		return record.ID
	}
	for _, alias := range record.Aliases {
		if strings.HasPrefix(alias, "CVE-") {
			return alias
		}
	}
	return record.ID
}

// osvEcosystem maps OSV ecosystem names onto package URL types, e.g.
// "PyPI" to "pypi", "Go" to "golang" and "Debian:12" to "debian-12".
func osvEcosystem(ecosystem string) string {
	ecosystem = strings.ToLower(strings.TrimSpace(ecosystem))
	switch ecosystem {
	case "go":
		return "golang"
	case "packagist":
		return "composer"
	case "rubygems":
		return "gem"
	case "crates.io":
		return "cargo"
	}
	return strings.ReplaceAll(ecosystem, ":", "-")
}

// osvRanges renders the introduced/fixed/last_affected events of every
// ECOSYSTEM and SEMVER range. Explicit versions are only used when no range
// is usable.
func osvRanges(affected models.Affected) (ranges, fixed []string) {
	for _, vrange := range affected.Ranges {
		if vrange.Type != models.RangeEcosystem && vrange.Type != models.RangeSemVer {
			continue
		}

		introduced := ""
		open := false
		for _, event := range vrange.Events {
			switch {
			case event.Introduced != "":
				if open {
					ranges = append(ranges, lowerBound(introduced))
				}
				introduced = event.Introduced
				open = true
			case event.Fixed != "":
				ranges = append(ranges, joinBounds(introduced, "<"+event.Fixed))
				fixed = append(fixed, event.Fixed)
				open = false
			case event.LastAffected != "":
				ranges = append(ranges, joinBounds(introduced, "<="+event.LastAffected))
				open = false
			case event.Limit != "":
				ranges = append(ranges, joinBounds(introduced, "<"+event.Limit))
				open = false
			}
		}
		if open {
			ranges = append(ranges, lowerBound(introduced))
		}
	}

	if len(ranges) == 0 {
		for _, v := range affected.Versions {
			ranges = append(ranges, "=="+v)
		}
	}
	return appendUnique(nil, ranges...), appendUnique(nil, fixed...)
}

func lowerBound(introduced string) string {
	if introduced == "" || introduced == "0" {
		return "*"
	}
	return ">=" + introduced
}

func joinBounds(introduced, upper string) string {
	if introduced == "" || introduced == "0" {
		return upper
	}
	return ">=" + introduced + " " + upper
}

func upgradeText(ap triage.AffectedPackageInput) string {
	if len(ap.FixedVersions) == 0 {
		return fmt.Sprintf("Upgrade %s to a fixed version", ap.Name)
	}
	return fmt.Sprintf("Upgrade %s to %s or later", ap.Name, ap.FixedVersions[len(ap.FixedVersions)-1])
}
