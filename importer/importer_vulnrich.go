package importer

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	o "github.com/moznion/go-optional"
	"gitlab.alpinelinux.org/alpine/security/threat-triage/importer/vulnrich"
	"gitlab.alpinelinux.org/alpine/security/threat-triage/triage"
)

// VulnrichFeed syncs the vulnrichment repository and imports every record
// updated within the configured lookup period.
func (i *Importer) VulnrichFeed(ctx context.Context) error {
	cfg := i.config.Importers.Vulnrich

	slog.Info("Fetching vulnrichment repository", "remote", cfg.RepoURL, "path", cfg.RepoPath)
	repo, err := vulnrich.GetRepo(ctx, cfg.RepoURL, cfg.RepoPath)
	if err != nil {
		return fmt.Errorf("could not open vulnrichment repo: %w", err)
	}

	err = vulnrich.UpdateRepo(ctx, repo)
	if err != nil {
		return fmt.Errorf("could not update vulnrichment repo: %w", err)
	}

	since := time.Now().Add(-cfg.LookupPeriod.Duration)
	err = vulnrich.WalkRecords(repo,
		func(name string, record vulnrich.Record) error {
			updated := record.Containers.Updated()
			if !updated.After(since) {
				return nil
			}
			slog.Info("CVE record", "cve", record.CveMetadata.CveID, "updated", updated.Time)
			if err := i.ProcessVulnrichRecord(ctx, record); err != nil {
				slog.Error("could not process vulnrich record", "cve", record.CveMetadata.CveID, "err", err)
			}
			return ctx.Err()
		},
		func(name string, err error) {
			slog.Error("could not unmarshal vulnrich record", "filename", name, "err", err)
		},
	)
	if err != nil {
		return fmt.Errorf("could not walk vulnrichment repo: %w", err)
	}
	return nil
}

// ProcessVulnrichRecord stores a single CVE 5 record. Records without any
// description or title are skipped.
func (i *Importer) ProcessVulnrichRecord(ctx context.Context, record vulnrich.Record) error {
	cna := record.Containers.Cna
	adp := OptionalFirst(record.Containers.Adp)

	cveDescription := o.None[vulnrich.CveDescriptions]()

	if record.CveMetadata.State == vulnrich.CveStateREJECTED {
		cveDescription = o.Some(record.Containers.Cna.RejectedReasons)
	}

	cveDescription = cveDescription.
		Or(OptionalNonEmpty(cna.Descriptions)).
		Or(o.FlatMap(adp, func(v vulnrich.CveContainer) o.Option[vulnrich.CveDescriptions] {
			return OptionalNonEmpty(v.Descriptions)
		}))

	description := o.
		FlatMap(cveDescription, func(v vulnrich.CveDescriptions) o.Option[string] {
			cveDescription := v.ForLang("en").Or(
				v.ForLang("en-US"),
			)

			return o.Map(cveDescription, func(v vulnrich.CveDescription) string {
				return v.Value
			})
		}).
		Or(cna.Title)

	if description.IsNone() {
		slog.Warn("No descriptions found", "cve", record.CveMetadata.CveID)
		return nil
	}

	// Default to metrics from CNA, fall back to the first ADP that has one.
	cvssMetric := o.None[vulnrich.CvssMetric]()
	for _, container := range append([]vulnrich.CveContainer{cna}, record.Containers.Adp...) {
		for _, metric := range container.Metrics {
			cvssMetric = cvssMetric.Or(metric.Cvss())
		}
	}

	in := triage.VulnerabilityInput{
		CveID: record.CveMetadata.CveID,
		Title: cna.Title.TakeOr(record.CveMetadata.CveID),
	}
	description.IfSome(func(v string) {
		in.Detail = v
	})
	cvssMetric.IfSome(func(v vulnrich.CvssMetric) {
		score, err := v.BaseScore.Float64()
		if err != nil {
			slog.Warn("could not convert basescore to float64", "cve", in.CveID, "err", err)
			return
		}
		in.CvssScore = o.Some(score)
	})
	record.Containers.SSVC().IfSome(func(v vulnrich.SSVC) {
		in.Exploitation = exploitationFromSSVC(v.Exploitation)
		in.Automatable = automatableFromSSVC(v.Automatable)
	})

	affected := newAffectedSet()
	i.addVulnrichAffected(affected, cna, in.CveID)
	for _, container := range record.Containers.Adp {
		i.addVulnrichAffected(affected, container, in.CveID)
	}
	in.AffectedPackages = affected.list()

	_, err := i.put(ctx, in)
	return err
}

func (i *Importer) addVulnrichAffected(set *affectedSet, container vulnrich.CveContainer, cveID string) {
	for _, affected := range container.Affected {
		ref := i.rewrite(i.vulnrichPackageRef(affected))

		ranges := []string{}
		fixed := []string{}
		for _, version := range affected.Versions {
			status := version.Status.Or(affected.DefaultStatus).TakeOr(vulnrich.AffectedStatusUnknown)
			if status != vulnrich.AffectedStatusAffected {
				if status == vulnrich.AffectedStatusUnaffected {
					OptionalVersion(version.Version.String()).IfSome(func(v string) {
						fixed = append(fixed, v)
					})
				}
				continue
			}

			var r o.Option[string]
			switch {
			case container.ProviderMetadata.ShortName == "GitHub_M" && version.LessThan.IsNone() && version.LessThanOrEqual.IsNone():
				r = versionRangeGithub(version)
			default:
				r = versionRangeStandard(version)
			}
			r.IfSome(func(v string) {
				ranges = append(ranges, v)
			})
			version.LessThan.IfSome(func(v string) {
				fixed = append(fixed, v)
			})
		}

		slog.Debug(
			"affected",
			"cve", cveID,
			"package", ref.Name,
			"ecosystem", ref.Ecosystem,
			"ranges", ranges,
		)
		set.add(ref.Name, ref.Ecosystem, ranges, fixed)
	}
}

// vulnrichPackageRef prefers the CPE the record names, then the package
// name, then the plain product.
func (i *Importer) vulnrichPackageRef(affected vulnrich.Affected) PackageRef {
	ref := PackageRef{
		Source:  "vulnrich",
		Vendor:  affected.Vendor,
		Name:    affected.PackageName.TakeOr(affected.Product),
		Version: "*",
	}

	cpe := o.FlatMap(OptionalFirst(affected.CPEs), func(v string) o.Option[CPE23Uri] {
		cpe, err := NewCPEUri(v)
		if err != nil {
			return o.None[CPE23Uri]()
		}
		return o.Some(cpe)
	})
	cpe.IfSome(func(v CPE23Uri) {
		ref.Vendor = v.Vendor
		ref.Name = v.Product
		ref.Version = v.Version
	})
	ref.Ecosystem = o.FlatMap(affected.CollectionURL, func(v string) o.Option[string] {
		return ecosystemFromCollection(v)
	}).TakeOr(i.cpeEcosystem(cpe.TakeOr(CPE23Uri{})))
	return ref
}

// versionRangeStandard turns a CVE 5 version entry into a range string.
// Entries that say nothing about the version yield None.
func versionRangeStandard(version vulnrich.Version) o.Option[string] {
	lower := OptionalVersion(version.Version.String())

	upper := o.Map(version.LessThan, func(v string) string { return "<" + v }).
		Or(o.Map(version.LessThanOrEqual, func(v string) string { return "<=" + v }))

	if upper.IsNone() {
		return o.Map(lower, func(v string) string { return "==" + v })
	}

	bound := version.LessThan.Or(version.LessThanOrEqual).TakeOr("")
	if v, err := lower.Take(); err == nil && v != "0" && v != bound {
		return o.Some(">=" + v + " " + upper.TakeOr(""))
	}
	return upper
}

// versionRangeGithub handles the GitHub CNA, which writes the whole range
// into the version field, e.g. ">= 1.0, < 1.2".
func versionRangeGithub(version vulnrich.Version) o.Option[string] {
	r := strings.TrimSpace(version.Version.String())
	if r == "" {
		return o.None[string]()
	}
	if !strings.ContainsAny(r[:1], "<>=!") {
		r = "==" + r
	}
	return o.Some(r)
}

func ecosystemFromCollection(url string) o.Option[string] {
	url = strings.ToLower(url)
	for _, known := range []struct{ host, ecosystem string }{
		{"npmjs", "npm"},
		{"pypi.org", "pypi"},
		{"pkg.go.dev", "golang"},
		{"proxy.golang.org", "golang"},
		{"maven", "maven"},
		{"packagist", "composer"},
		{"rubygems", "gem"},
		{"crates.io", "cargo"},
	} {
		if strings.Contains(url, known.host) {
			return o.Some(known.ecosystem)
		}
	}
	return o.None[string]()
}

func exploitationFromSSVC(v string) triage.Exploitation {
	switch v {
	case "active":
		return triage.ExploitationActive
	case "poc", "public poc", "public_poc":
		return triage.ExploitationPublicPoC
	case "none":
		return triage.ExploitationNone
	}
	return ""
}

func automatableFromSSVC(v string) triage.Automatable {
	switch v {
	case "yes":
		return triage.AutomatableYes
	case "no":
		return triage.AutomatableNo
	}
	return ""
}
