package importer

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/moznion/go-optional"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gitlab.alpinelinux.org/alpine/security/threat-triage/triage"
)

func TestBuildUrlReturnsValidUrl(t *testing.T) {
	require := require.New(t)

	result, err := buildUrl("https://example.com/api/%s/", "test", []RequestOptionsFunc{})
	require.NoError(err, "unexpected error")

	require.NotEmpty(result)

	parsedUrl, err := url.Parse(result)
	require.NoError(err)
	require.Equal("example.com", parsedUrl.Host)
	require.Equal("/api/test/", parsedUrl.Path)
	require.Equal("https", parsedUrl.Scheme)
}

func TestBuildUrlOptions(t *testing.T) {
	aug := func(day int) time.Time { return time.Date(2023, 8, day, 0, 0, 0, 0, time.UTC) }

	cases := []struct {
		name     string
		options  []RequestOptionsFunc
		expected map[string]string
	}{
		{"no rejected", []RequestOptionsFunc{NoRejected()}, map[string]string{"noRejected": ""}},
		{"pub start sets end", []RequestOptionsFunc{PubStart(aug(1))}, map[string]string{
			"pubStartDate": "2023-08-01T00:00:00Z",
			"pubEndDate":   "2023-08-02T00:00:00Z",
		}},
		{"pub end sets start", []RequestOptionsFunc{PubEnd(aug(2))}, map[string]string{
			"pubStartDate": "2023-08-01T00:00:00Z",
			"pubEndDate":   "2023-08-02T00:00:00Z",
		}},
		{"explicit window", []RequestOptionsFunc{PubStart(aug(1)), PubEnd(aug(5))}, map[string]string{
			"pubStartDate": "2023-08-01T00:00:00Z",
			"pubEndDate":   "2023-08-05T00:00:00Z",
		}},
		{"paging", []RequestOptionsFunc{StartIndex(1), ResultsPerPage(200)}, map[string]string{
			"startIndex":     "1",
			"resultsPerPage": "200",
		}},
		{"last modified", []RequestOptionsFunc{LastModified(aug(1), aug(8))}, map[string]string{
			"lastModStartDate": "2023-08-01T00:00:00.000Z",
			"lastModEndDate":   "2023-08-08T00:00:00.000Z",
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require := require.New(t)
			result, err := buildUrl("https://example.com/api/%s/", "test", tc.options)
			require.NoError(err)

			parsed, err := url.Parse(result)
			require.NoError(err)
			query := parsed.Query()
			for key, value := range tc.expected {
				require.Contains(query, key)
				require.Equal(value, query.Get(key), key)
			}
		})
	}
}

func TestLastModifiedRejectsInvalidWindows(t *testing.T) {
	start := time.Date(2023, 8, 1, 0, 0, 0, 0, time.UTC)

	_, err := buildUrl(NVDEndpoint, "cves", []RequestOptionsFunc{LastModified(start, start.Add(-time.Hour))})
	require.Error(t, err)

	_, err = buildUrl(NVDEndpoint, "cves", []RequestOptionsFunc{LastModified(start, start.Add(200*24*time.Hour))})
	require.Error(t, err)
}

func TestCPEUri(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	cpeuri := CPE23Uri{}
	err := json.Unmarshal([]byte(`"cpe:2.3:a:b:c:d:e:f:g:h:i:j:k"`), &cpeuri)
	require.NoError(err)

	assert.Equal("a", cpeuri.Part, "part")
	assert.Equal("b", cpeuri.Vendor, "vendor")
	assert.Equal("c", cpeuri.Product, "product")
	assert.Equal("d", cpeuri.Version, "version")
	assert.Equal("e", cpeuri.Update, "update")
	assert.Equal("f", cpeuri.Edition, "edition")
	assert.Equal("g", cpeuri.Language, "language")
	assert.Equal("h", cpeuri.SwEdition, "sw_edition")
	assert.Equal("i", cpeuri.TargetSw, "target_sw")
	assert.Equal("j", cpeuri.TargetHw, "target_hw")
	assert.Equal("k", cpeuri.Other, "other")
}

func TestCPEUriEscapedColon(t *testing.T) {
	require := require.New(t)

	cpeuri, err := NewCPEUri(`cpe:2.3:a:vendor:product\:extra:1.0:*:*:*:*:*:*:*`)
	require.NoError(err)
	require.Equal("product:extra", cpeuri.Product)
	require.Equal("1.0", cpeuri.Version)

	_, err = NewCPEUri("cpe:/a:vendor:product")
	require.Error(err)
}

func TestCPEMatchRange(t *testing.T) {
	cpe := func(version string) CPE23Uri {
		c, err := NewCPEUri("cpe:2.3:a:openssl:openssl:" + version + ":*:*:*:*:*:*:*")
		require.NoError(t, err)
		return c
	}

	cases := []struct {
		name     string
		match    CPEMatch
		expected optional.Option[string]
	}{
		{"exact", CPEMatch{Criteria: cpe("1.1.1")}, optional.Some("==1.1.1")},
		{"any", CPEMatch{Criteria: cpe("*")}, optional.Some("*")},
		{"not applicable", CPEMatch{Criteria: cpe("-")}, optional.None[string]()},
		{"half open", CPEMatch{
			Criteria:              cpe("*"),
			VersionStartIncluding: optional.Some("1.0"),
			VersionEndExcluding:   optional.Some("1.1.1w"),
		}, optional.Some(">=1.0 <1.1.1w")},
		{"closed", CPEMatch{
			Criteria:              cpe("*"),
			VersionStartExcluding: optional.Some("1.0"),
			VersionEndIncluding:   optional.Some("1.2"),
		}, optional.Some(">1.0 <=1.2")},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.expected, tc.match.Range())
		})
	}
}

func TestMetricPrimaryPrefersV31(t *testing.T) {
	require := require.New(t)

	metric := Metric{
		CvssMetricV31: CvssMetrics{{Type: "Secondary", CvssData: CvssData{BaseScore: "5.0"}}},
		CvssMetricV30: CvssMetrics{{Type: "Primary", CvssData: CvssData{BaseScore: "7.5"}}},
	}
	primary, err := metric.Primary().Take()
	require.NoError(err)
	require.Equal(json.Number("7.5"), primary.CvssData.BaseScore)

	metric.CvssMetricV31 = append(metric.CvssMetricV31, CvssMetric{Type: "Primary", CvssData: CvssData{BaseScore: "9.8"}})
	primary, err = metric.Primary().Take()
	require.NoError(err)
	require.Equal(json.Number("9.8"), primary.CvssData.BaseScore)

	require.True(Metric{}.Primary().IsNone())
}

const nvdItem = `{
  "cve": {
    "id": "CVE-2023-0464",
    "vulnStatus": "Analyzed",
    "descriptions": [{"lang": "es", "value": "..."}, {"lang": "en", "value": "Excessive resource use verifying X.509 policy constraints"}],
    "metrics": {"cvssMetricV31": [{"source": "nvd@nist.gov", "type": "Primary", "cvssData": {"version": "3.1", "baseScore": 7.5}}]},
    "configurations": [{"nodes": [{"operator": "OR", "negate": false, "cpeMatch": [
      {"vulnerable": true, "criteria": "cpe:2.3:a:openssl:openssl:*:*:*:*:*:*:*:*", "versionStartIncluding": "1.1.1", "versionEndExcluding": "1.1.1u"},
      {"vulnerable": true, "criteria": "cpe:2.3:a:openssl:openssl:*:*:*:*:*:*:*:*", "versionStartIncluding": "3.0.0", "versionEndExcluding": "3.0.9"},
      {"vulnerable": false, "criteria": "cpe:2.3:o:linux:linux_kernel:-:*:*:*:*:*:*:*"}
    ]}]}]
  }
}`

func TestProcessNvdCveItem(t *testing.T) {
	require := require.New(t)

	config := triage.Config{Rewriters: []triage.Rewriter{{
		Field:       "ecosystem",
		Predicate:   `source == "nvd" && vendor == "openssl"`,
		RewriteRule: `"alpine"`,
	}}}
	i, store := newTestImporter(t, config)

	var item Vulnerability
	require.NoError(json.Unmarshal([]byte(nvdItem), &item))
	require.NoError(i.ProcessNvdCveItem(context.Background(), item))

	in := store.last(t)
	require.Equal("CVE-2023-0464", in.CveID)
	require.Equal("Excessive resource use verifying X.509 policy constraints", in.Detail)
	score, err := in.CvssScore.Take()
	require.NoError(err)
	require.InDelta(7.5, score, 0.001)

	require.Equal([]triage.AffectedPackageInput{{
		Name:             "openssl",
		Ecosystem:        "alpine",
		AffectedVersions: []string{">=1.1.1 <1.1.1u", ">=3.0.0 <3.0.9"},
		FixedVersions:    []string{"1.1.1u", "3.0.9"},
	}}, in.AffectedPackages)
}

func TestProcessNvdCveItemKeepsDecisionPoints(t *testing.T) {
	require := require.New(t)
	i, store := newTestImporter(t, triage.Config{})
	store.existing["CVE-2023-0464"] = triage.Vulnerability{
		VulnID:       "v1",
		CveID:        "CVE-2023-0464",
		Exploitation: triage.ExploitationActive,
		Automatable:  triage.AutomatableYes,
		Zones:        []string{"eu"},
	}

	var item Vulnerability
	require.NoError(json.Unmarshal([]byte(nvdItem), &item))
	require.NoError(i.ProcessNvdCveItem(context.Background(), item))

	in := store.last(t)
	require.Equal("v1", in.VulnID)
	require.Equal(triage.ExploitationActive, in.Exploitation)
	require.Equal(triage.AutomatableYes, in.Automatable)
	require.Equal([]string{"eu"}, in.Zones)
	require.Equal(defaultCPEEcosystem, in.AffectedPackages[0].Ecosystem)
}

func TestProcessNvdCveItemSkipsWithoutDescription(t *testing.T) {
	i, store := newTestImporter(t, triage.Config{})
	require.NoError(t, i.ProcessNvdCveItem(context.Background(), Vulnerability{CVE: CVE{ID: "CVE-2023-1"}}))
	require.Empty(t, store.vulns)
}

func TestEachCVEPages(t *testing.T) {
	require := require.New(t)

	requests := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		assert.Equal(t, "/rest/cves", r.URL.Path)
		assert.Equal(t, "secret", r.Header.Get("apiKey"))
		start, _ := strconv.Atoi(r.URL.Query().Get("startIndex"))

		ids := []string{}
		for n := start; n < start+2 && n < 3; n++ {
			ids = append(ids, fmt.Sprintf(`{"cve": {"id": "CVE-2024-%d"}}`, n))
		}
		fmt.Fprintf(w, `{"totalResults": 3, "startIndex": %d, "vulnerabilities": [%s]}`, start, strings.Join(ids, ","))
	}))
	defer server.Close()

	api := &APIv2{Endpoint: server.URL + "/rest/%s", APIKey: "secret"}
	seen := []string{}
	err := api.EachCVE(context.Background(), func(v Vulnerability) error {
		seen = append(seen, v.CVE.ID)
		return nil
	}, NoRejected())
	require.NoError(err)
	require.Equal([]string{"CVE-2024-0", "CVE-2024-1", "CVE-2024-2"}, seen)
	require.Equal(2, requests)
}

func TestGetCVEsReportsHTTPErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer server.Close()

	api := &APIv2{Endpoint: server.URL + "/%s"}
	_, err := api.GetCVEs(context.Background())
	require.Error(t, err)
}
