package importer

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/moznion/go-optional"
	"gitlab.alpinelinux.org/alpine/security/threat-triage/triage"
)

// defaultCPEEcosystem is used for CPE based records when neither the config
// nor the CPE target software names one.
const defaultCPEEcosystem = "generic"

// NVDFeed imports every record NVD changed during the last period.
func (i *Importer) NVDFeed(ctx context.Context, nvdApi *APIv2, period time.Duration) error {
	if nvdApi.Endpoint == "" {
		nvdApi.Endpoint = i.config.Importers.NVD.Endpoint
	}

	end := time.Now().UTC()
	start := end.Add(-period)
	slog.Info("Importing NVD change feed", "period", period, "starttime", start, "endtime", end)

	imported, failed := 0, 0
	err := nvdApi.EachCVE(ctx, func(item Vulnerability) error {
		if err := i.ProcessNvdCveItem(ctx, item); err != nil {
			slog.Error("could not process item", "item", item.CVE.ID, "err", err)
			failed++
			return ctx.Err()
		}
		imported++
		return nil
	}, LastModified(start, end), NoRejected())
	if err != nil {
		return fmt.Errorf("could not get nvd change feed: %w", err)
	}

	slog.Info("Finished importing NVD change feed", "imported", imported, "failed", failed)
	return nil
}

// ProcessNvdCveItem stores a single NVD record. Records without an English
// description are skipped.
func (i *Importer) ProcessNvdCveItem(ctx context.Context, item Vulnerability) error {
	description := item.CVE.Descriptions.SelectLang("en")
	if description.IsNone() || item.CVE.Rejected() {
		return nil
	}

	slog.Info("Processing vulnerability", "cve", item.CVE.ID)

	in := triage.VulnerabilityInput{
		CveID:            item.CVE.ID,
		Title:            item.CVE.ID,
		AffectedPackages: i.nvdAffectedPackages(item.CVE.Configurations),
	}
	description.IfSome(func(v Description) {
		in.Detail = v.Value
	})
	item.CVE.Metrics.Primary().IfSome(func(v CvssMetric) {
		score, err := v.CvssData.BaseScore.Float64()
		if err != nil {
			slog.Error(
				"could not convert basescore to float64",
				"cve", item.CVE.ID,
				"err", err,
			)
			return
		}
		in.CvssScore = optional.Some(score)
	})

	_, err := i.put(ctx, in)
	return err
}

func (i *Importer) nvdAffectedPackages(configurations []Configuration) []triage.AffectedPackageInput {
	affected := newAffectedSet()
	for _, configuration := range configurations {
		for _, node := range configuration.Nodes {
			if node.Negate {
				continue
			}
			for _, match := range node.CPEMatch {
				if !match.Vulnerable {
					continue
				}
				ref := i.rewrite(PackageRef{
					Source:    "nvd",
					Vendor:    match.Criteria.Vendor,
					Name:      match.Criteria.Product,
					Ecosystem: i.cpeEcosystem(match.Criteria),
					Version:   match.Criteria.Version,
				})

				ranges := []string{}
				match.Range().IfSome(func(r string) {
					ranges = append(ranges, r)
				})
				fixed := []string{}
				match.VersionEndExcluding.IfSome(func(v string) {
					fixed = append(fixed, v)
				})

				slog.Debug(
					"cpematch",
					"package", ref.Name,
					"ecosystem", ref.Ecosystem,
					"ranges", ranges,
					"match_criteria_id", match.MatchCriteriaId,
				)
				affected.add(ref.Name, ref.Ecosystem, ranges, fixed)
			}
		}
	}
	return affected.list()
}

func (i *Importer) cpeEcosystem(cpe CPE23Uri) string {
	if i.config.Importers.NVD.Ecosystem != "" {
		return i.config.Importers.NVD.Ecosystem
	}
	return OptionalVersion(strings.ToLower(cpe.TargetSw)).TakeOr(defaultCPEEcosystem)
}
