package importer

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/moznion/go-optional"
)

const NVDEndpoint = "https://services.nvd.nist.gov/rest/json/%s/2.0"

// nvdTimeFormat is the extended ISO-8601 form the API accepts for date
// filters.
const nvdTimeFormat = "2006-01-02T15:04:05.000Z07:00"

// maxNVDWindow is the longest date range a single request may cover.
const maxNVDWindow = 120 * 24 * time.Hour

type NVDCVEResponse struct {
	ResultsPerPage  int             `json:"resultsPerPage"`
	StartIndex      int             `json:"startIndex"`
	TotalResults    int             `json:"totalResults"`
	Format          string          `json:"format"`
	Version         string          `json:"version"`
	Timestamp       string          `json:"timestamp"`
	Vulnerabilities []Vulnerability `json:"vulnerabilities"`
}

type Vulnerability struct {
	CVE CVE `json:"cve"`
}

type CVE struct {
	ID               string          `json:"id"`
	SourceIdentifier string          `json:"sourceIdentifier"`
	Published        string          `json:"published"`
	LastModified     string          `json:"lastModified"`
	VulnStatus       string          `json:"vulnStatus"`
	Descriptions     Descriptions    `json:"descriptions"`
	Metrics          Metric          `json:"metrics"`
	Configurations   []Configuration `json:"configurations"`
	Weaknesses       []Weakness      `json:"weaknesses"`
	References       []Reference     `json:"references"`
}

// Rejected reports whether NVD withdrew the record.
func (c CVE) Rejected() bool {
	return c.VulnStatus == "Rejected"
}

type Descriptions []Description

func (d Descriptions) SelectLang(lang string) optional.Option[Description] {
	for _, description := range d {
		if description.Lang == lang {
			return optional.Some(description)
		}
	}
	return optional.None[Description]()
}

type Description struct {
	Lang  string `json:"lang"`
	Value string `json:"value"`
}

type CvssMetrics []CvssMetric

func (c CvssMetrics) SelectByType(typ string) optional.Option[CvssMetric] {
	for _, metric := range c {
		if metric.Type == typ {
			return optional.Some(metric)
		}
	}
	return optional.None[CvssMetric]()
}

type Metric struct {
	CvssMetricV31 CvssMetrics `json:"cvssMetricV31"`
	CvssMetricV30 CvssMetrics `json:"cvssMetricV30"`
}

// Primary returns the primary CVSS v3 metric, preferring v3.1. A secondary
// metric is used when no primary source scored the record.
func (m Metric) Primary() optional.Option[CvssMetric] {
	return m.CvssMetricV31.SelectByType("Primary").
		Or(m.CvssMetricV30.SelectByType("Primary")).
		Or(OptionalFirst(m.CvssMetricV31)).
		Or(OptionalFirst(m.CvssMetricV30))
}

type CvssMetric struct {
	Source   string   `json:"source"`
	Type     string   `json:"type"`
	CvssData CvssData `json:"cvssData"`
}

type CvssData struct {
	Version               string      `json:"version"`
	VectorString          string      `json:"vectorString"`
	AttackVector          string      `json:"attackVector"`
	AttackComplexity      string      `json:"attackComplexity"`
	PrivilegesRequired    string      `json:"privilegesRequired"`
	UserInteraction       string      `json:"userInteraction"`
	Scope                 string      `json:"scope"`
	ConfidentialityImpact string      `json:"confidentialityImpact"`
	IntegrityImpact       string      `json:"integrityImpact"`
	AvailabilityImpact    string      `json:"availabilityImpact"`
	BaseScore             json.Number `json:"baseScore"`
	BaseSeverity          string      `json:"baseSeverity"`
}

type Configuration struct {
	Operator string `json:"operator"`
	Nodes    []Node `json:"nodes"`
}

type Node struct {
	Operator string     `json:"operator"`
	Negate   bool       `json:"negate"`
	CPEMatch []CPEMatch `json:"cpeMatch"`
}

type CPE23Uri struct {
	Uri       string
	Part      string
	Vendor    string
	Product   string
	Version   string
	Update    string
	Edition   string
	Language  string
	SwEdition string
	TargetSw  string
	TargetHw  string
	Other     string
}

var _ json.Unmarshaler = (*CPE23Uri)(nil)

func (c *CPE23Uri) fromUri(uri string) error {
	c.Uri = uri

	if !strings.HasPrefix(uri, "cpe:2.3:") {
		return fmt.Errorf("invalid format, must start with 'cpe:2.3:', received: '%s'", uri)
	}
	parts := splitCPE(uri)

	if len(parts) < 13 {
		return fmt.Errorf("invalid format, must have 13 components, found %d components", len(parts))
	}

	c.Part = unquote(parts[2])
	c.Vendor = unquote(parts[3])
	c.Product = unquote(parts[4])
	c.Version = unquote(parts[5])
	c.Update = unquote(parts[6])
	c.Edition = unquote(parts[7])
	c.Language = unquote(parts[8])
	c.SwEdition = unquote(parts[9])
	c.TargetSw = unquote(parts[10])
	c.TargetHw = unquote(parts[11])
	c.Other = unquote(parts[12])

	return nil
}

func NewCPEUri(uri string) (c CPE23Uri, err error) {
	err = c.fromUri(uri)
	return c, err
}

func (c *CPE23Uri) UnmarshalJSON(data []byte) error {
	var uri string
	err := json.Unmarshal(data, &uri)
	if err != nil {
		return err
	}

	return c.fromUri(uri)
}

type CPEMatch struct {
	Vulnerable            bool                    `json:"vulnerable"`
	Criteria              CPE23Uri                `json:"criteria"`
	VersionStartExcluding optional.Option[string] `json:"versionStartExcluding"`
	VersionStartIncluding optional.Option[string] `json:"versionStartIncluding"`
	VersionEndExcluding   optional.Option[string] `json:"versionEndExcluding"`
	VersionEndIncluding   optional.Option[string] `json:"versionEndIncluding"`
	MatchCriteriaId       string                  `json:"matchCriteriaId"`
}

func (c CPEMatch) UsesVersionRanges() bool {
	return c.VersionStartExcluding.IsSome() ||
		c.VersionStartIncluding.IsSome() ||
		c.VersionEndExcluding.IsSome() ||
		c.VersionEndIncluding.IsSome()
}

// Range renders the match as a version range such as ">=1.0 <1.2". A match
// on every version of a product yields "*"; None means the criteria carried
// no usable version.
func (c CPEMatch) Range() optional.Option[string] {
	if !c.UsesVersionRanges() {
		if c.Criteria.Version == "*" {
			return optional.Some("*")
		}
		return optional.Map(OptionalVersion(c.Criteria.Version), func(v string) string {
			return "==" + v
		})
	}

	comparators := []string{}
	c.VersionStartIncluding.IfSome(func(v string) { comparators = append(comparators, ">="+v) })
	c.VersionStartExcluding.IfSome(func(v string) { comparators = append(comparators, ">"+v) })
	c.VersionEndIncluding.IfSome(func(v string) { comparators = append(comparators, "<="+v) })
	c.VersionEndExcluding.IfSome(func(v string) { comparators = append(comparators, "<"+v) })
	return optional.Some(strings.Join(comparators, " "))
}

type Weakness struct {
	Source       string       `json:"source"`
	Type         string       `json:"type"`
	Descriptions Descriptions `json:"description"`
}

type Reference struct {
	URL    string   `json:"url"`
	Source string   `json:"source"`
	Tags   []string `json:"tags"`
}

type APIv2 struct {
	once     sync.Once
	Endpoint string
	APIKey   string
	Client   *http.Client
}

func (a *APIv2) init() {
	a.once.Do(func() {
		if a.Endpoint == "" {
			a.Endpoint = NVDEndpoint
		}
		if a.Client == nil {
			a.Client = &http.Client{Timeout: time.Minute}
		}
	})
}

type RequestOptionsFunc func(url.Values) error

func NoRejected() RequestOptionsFunc {
	return func(q url.Values) error {
		q.Set("noRejected", "")
		return nil
	}
}

func StartIndex(index int) RequestOptionsFunc {
	return func(q url.Values) error {
		q.Set("startIndex", strconv.Itoa(index))
		return nil
	}
}

func ResultsPerPage(nr int) RequestOptionsFunc {
	return func(q url.Values) error {
		q.Set("resultsPerPage", strconv.Itoa(nr))
		return nil
	}
}

func PubStart(date time.Time) RequestOptionsFunc {
	return func(q url.Values) error {
		q.Set("pubStartDate", date.Format(time.RFC3339))
		if q.Get("pubEndDate") == "" {
			q.Set("pubEndDate", date.Add(24*time.Hour).Format(time.RFC3339))
		}
		return nil
	}
}

func PubEnd(date time.Time) RequestOptionsFunc {
	return func(q url.Values) error {
		q.Set("pubEndDate", date.Format(time.RFC3339))
		if q.Get("pubStartDate") == "" {
			q.Set("pubStartDate", date.Add(-24*time.Hour).Format(time.RFC3339))
		}
		return nil
	}
}

// LastModified restricts the result to records changed in [start, end].
func LastModified(start, end time.Time) RequestOptionsFunc {
	return func(q url.Values) error {
		if end.Before(start) {
			return fmt.Errorf("lastModified window ends before it starts")
		}
		if end.Sub(start) > maxNVDWindow {
			return fmt.Errorf("lastModified window exceeds %s", maxNVDWindow)
		}
		q.Set("lastModStartDate", start.UTC().Format(nvdTimeFormat))
		q.Set("lastModEndDate", end.UTC().Format(nvdTimeFormat))
		return nil
	}
}

func buildUrl(endpoint, api string, options []RequestOptionsFunc) (string, error) {
	apiUrl, err := url.Parse(fmt.Sprintf(endpoint, api))
	if err != nil {
		return "", fmt.Errorf("failed to parse endpoint: %w", err)
	}

	query := url.Values{}
	for _, option := range options {
		err = option(query)
		if err != nil {
			return "", fmt.Errorf("failed to apply option: %w", err)
		}
	}

	apiUrl.RawQuery = query.Encode()
	return apiUrl.String(), nil
}

func (a *APIv2) GetCVEs(ctx context.Context, options ...RequestOptionsFunc) (*NVDCVEResponse, error) {
	a.init()

	requestUrl, err := buildUrl(a.Endpoint, "cves", options)
	if err != nil {
		return nil, fmt.Errorf("failed to build url: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, requestUrl, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if a.APIKey != "" {
		req.Header.Set("apiKey", a.APIKey)
	}

	resp, err := a.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failure in HTTP request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status from NVD: %s", resp.Status)
	}

	nvdResp := &NVDCVEResponse{}
	err = json.NewDecoder(resp.Body).Decode(nvdResp)

	return nvdResp, err
}

// EachCVE pages through every result for options and calls fn per record.
func (a *APIv2) EachCVE(ctx context.Context, fn func(Vulnerability) error, options ...RequestOptionsFunc) error {
	for index := 0; ; {
		page := append(options[:len(options):len(options)], StartIndex(index))
		resp, err := a.GetCVEs(ctx, page...)
		if err != nil {
			return err
		}
		for _, item := range resp.Vulnerabilities {
			if err := fn(item); err != nil {
				return err
			}
		}

		index += len(resp.Vulnerabilities)
		if len(resp.Vulnerabilities) == 0 || index >= resp.TotalResults {
			return nil
		}
	}
}

// splitCPE splits on the colons that are not escaped with a backslash.
func splitCPE(uri string) []string {
	parts := []string{}
	var current strings.Builder
	escaped := false
	for _, r := range uri {
		switch {
		case escaped:
			current.WriteRune('\\')
			current.WriteRune(r)
			escaped = false
		case r == '\\':
			escaped = true
		case r == ':':
			parts = append(parts, current.String())
			current.Reset()
		default:
			current.WriteRune(r)
		}
	}
	return append(parts, current.String())
}

func unquote(v string) string {
	var unquoted strings.Builder

	for _, r := range v {
		if r == '\\' {
			continue
		}
		unquoted.WriteRune(r)
	}

	return unquoted.String()
}
