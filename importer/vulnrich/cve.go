// Package vulnrich reads CVE 5 records from the CISA vulnrichment
// repository, including the SSVC decision points CISA adds to them.
package vulnrich

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/moznion/go-optional"
)

// Stringable accepts both JSON strings and numbers.
type Stringable string

var _ json.Unmarshaler = (*Stringable)(nil)

func (s *Stringable) UnmarshalJSON(b []byte) error {
	var value string
	err := json.Unmarshal(b, &value)
	if err == nil {
		*s = Stringable(value)
		return nil
	}

	var number json.Number
	err = json.Unmarshal(b, &number)
	if err != nil {
		return fmt.Errorf("stringable: cannot interpret version as string or number: %w", err)
	}

	*s = Stringable(number.String())
	return nil
}

func (s Stringable) String() string {
	return string(s)
}

type ProviderMetadata struct {
	DateUpdated DateTime `json:"dateUpdated"`
	OrgID       string   `json:"orgId"`
	ShortName   string   `json:"shortName"`
}

type AffectedStatus string

const (
	AffectedStatusAffected   AffectedStatus = "affected"
	AffectedStatusUnaffected AffectedStatus = "unaffected"
	AffectedStatusUnknown    AffectedStatus = "unknown"
)

type Version struct {
	LessThan        optional.Option[string]         `json:"lessThan"`
	LessThanOrEqual optional.Option[string]         `json:"lessThanOrEqual"`
	Status          optional.Option[AffectedStatus] `json:"status"`
	Version         Stringable                      `json:"version"`
	VersionType     optional.Option[string]         `json:"versionType"`
}

type Affected struct {
	CPEs          []string                        `json:"cpes"`
	Product       string                          `json:"product"`
	Vendor        string                          `json:"vendor"`
	PackageName   optional.Option[string]         `json:"packageName"`
	CollectionURL optional.Option[string]         `json:"collectionURL"`
	DefaultStatus optional.Option[AffectedStatus] `json:"defaultStatus"`
	Versions      []Version                       `json:"versions"`
}

type CveDescription struct {
	Lang  string `json:"lang"`
	Value string `json:"value"`
}

type CveDescriptions []CveDescription

func (c CveDescriptions) ForLang(lang string) optional.Option[CveDescription] {
	for _, descr := range c {
		if descr.Lang == lang {
			return optional.Some(descr)
		}
	}
	return optional.None[CveDescription]()
}

type Reference struct {
	URL  string   `json:"url"`
	Name string   `json:"name,omitempty"`
	Tags []string `json:"tags"`
}

// Options holds one SSVC decision point. CISA writes every decision point as
// its own single-key object.
type Options struct {
	Exploitation    string `json:"Exploitation,omitempty"`
	Automatable     string `json:"Automatable,omitempty"`
	TechnicalImpact string `json:"Technical Impact,omitempty"`
}

type Content struct {
	Timestamp Timestamp `json:"timestamp"`
	ID        string    `json:"id"`
	Role      string    `json:"role"`
	Version   string    `json:"version"`
	Options   []Options `json:"options"`
}

// OtherMetric is the free-form metric CISA uses to publish SSVC.
type OtherMetric struct {
	Type    string  `json:"type"`
	Content Content `json:"content"`
}

// SSVC is the set of decision points found on a record.
type SSVC struct {
	Exploitation    string
	Automatable     string
	TechnicalImpact string
}

type CvssSeverity string

type CvssMetric struct {
	Version      string       `json:"version"`
	VectorString string       `json:"vectorString"`
	BaseScore    json.Number  `json:"baseScore"`
	BaseSeverity CvssSeverity `json:"baseSeverity"`
}

type Metric struct {
	Format  string                       `json:"format"`
	CvssV20 optional.Option[CvssMetric]  `json:"cvssV2_0"`
	CvssV30 optional.Option[CvssMetric]  `json:"cvssV3_0"`
	CvssV31 optional.Option[CvssMetric]  `json:"cvssV3_1"`
	CvssV40 optional.Option[CvssMetric]  `json:"cvssV4_0"`
	Other   optional.Option[OtherMetric] `json:"other"`
}

// Cvss returns the highest CVSS version present on the metric.
func (m Metric) Cvss() optional.Option[CvssMetric] {
	return m.CvssV40.
		Or(m.CvssV31).
		Or(m.CvssV30).
		Or(m.CvssV20)
}

type CveContainer struct {
	ProviderMetadata ProviderMetadata        `json:"providerMetadata"`
	DateAssigned     DateTime                `json:"dateAssigned"`
	DatePublic       DateTime                `json:"datePublic"`
	Title            optional.Option[string] `json:"title"`
	Descriptions     CveDescriptions         `json:"descriptions"`
	Affected         []Affected              `json:"affected"`
	References       []Reference             `json:"references"`
	Metrics          []Metric                `json:"metrics"`
	RejectedReasons  CveDescriptions         `json:"rejectedReasons"`
}

type Containers struct {
	Cna CveContainer   `json:"cna"`
	Adp []CveContainer `json:"adp"`
}

// Updated is the most recent provider update across all containers.
func (c Containers) Updated() DateTime {
	updated := c.Cna.ProviderMetadata.DateUpdated
	for _, adp := range c.Adp {
		if adp.ProviderMetadata.DateUpdated.After(updated.Time) {
			updated = adp.ProviderMetadata.DateUpdated
		}
	}
	return updated
}

// SSVC collects the decision points from every container carrying an ssvc
// metric. Later containers override earlier ones.
func (c Containers) SSVC() optional.Option[SSVC] {
	found := false
	ssvc := SSVC{}
	containers := append([]CveContainer{c.Cna}, c.Adp...)
	for _, container := range containers {
		for _, metric := range container.Metrics {
			metric.Other.IfSome(func(other OtherMetric) {
				if !strings.EqualFold(other.Type, "ssvc") {
					return
				}
				found = true
				for _, option := range other.Content.Options {
					if option.Exploitation != "" {
						ssvc.Exploitation = strings.ToLower(option.Exploitation)
					}
					if option.Automatable != "" {
						ssvc.Automatable = strings.ToLower(option.Automatable)
					}
					if option.TechnicalImpact != "" {
						ssvc.TechnicalImpact = strings.ToLower(option.TechnicalImpact)
					}
				}
			})
		}
	}
	if !found {
		return optional.None[SSVC]()
	}
	return optional.Some(ssvc)
}

type CveState string

const (
	CveStatePUBLISHED CveState = "PUBLISHED"
	CveStateREJECTED  CveState = "REJECTED"
)

type CveMetadata struct {
	DateUpdated       DateTime `json:"dateUpdated"`
	DateReserved      DateTime `json:"dateReserved"`
	DatePublished     DateTime `json:"datePublished"`
	DateRejected      DateTime `json:"dateRejected"`
	CveID             string   `json:"cveId"`
	AssignerOrgID     string   `json:"assignerOrgId"`
	AssignerShortName string   `json:"assignerShortName"`
	State             CveState `json:"state"`
}

type Record struct {
	CveMetadata CveMetadata `json:"cveMetadata"`
	DataType    string      `json:"dataType"`
	DataVersion string      `json:"dataVersion"`
	Containers  Containers  `json:"containers"`
}

type Records []Record

func (r Records) Filter(predicate func(Record) bool) (result Records) {
	for _, record := range r {
		if predicate(record) {
			result = append(result, record)
		}
	}
	return
}
