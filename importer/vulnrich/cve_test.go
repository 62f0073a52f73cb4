package vulnrich

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestStringableAcceptsNumbers(t *testing.T) {
	require := require.New(t)

	var versions []Stringable
	require.NoError(json.Unmarshal([]byte(`["1.2.3", 2, 1.5]`), &versions))
	require.Equal([]Stringable{"1.2.3", "2", "1.5"}, versions)

	var s Stringable
	require.Error(json.Unmarshal([]byte(`{}`), &s))
}

func TestDateTimeFormats(t *testing.T) {
	cases := map[string]time.Time{
		`"2024-06-04T17:48:51.013Z"`:  time.Date(2024, 6, 4, 17, 48, 51, 13000000, time.UTC),
		`"2024-06-04T17:48:51"`:       time.Date(2024, 6, 4, 17, 48, 51, 0, time.UTC),
		`"2024-06-04T19:48:51+02:00"`: time.Date(2024, 6, 4, 17, 48, 51, 0, time.UTC),
		`"2024-06-04"`:                time.Date(2024, 6, 4, 0, 0, 0, 0, time.UTC),
		`""`:                          {},
		`null`:                        {},
	}
	for input, expected := range cases {
		t.Run(input, func(t *testing.T) {
			var dt DateTime
			require.NoError(t, json.Unmarshal([]byte(input), &dt))
			require.True(t, expected.Equal(dt.Time), "got %s", dt.Time)
		})
	}

	var dt DateTime
	require.Error(t, json.Unmarshal([]byte(`"yesterday"`), &dt))
}

const ssvcRecord = `{
  "cveMetadata": {"cveId": "CVE-2024-3094", "state": "PUBLISHED"},
  "containers": {
    "cna": {
      "providerMetadata": {"dateUpdated": "2024-04-01T10:00:00Z", "shortName": "redhat"},
      "metrics": [{"cvssV3_1": {"version": "3.1", "baseScore": 10, "baseSeverity": "CRITICAL"}}]
    },
    "adp": [{
      "providerMetadata": {"dateUpdated": "2024-06-04T17:48:51.013Z", "shortName": "CISA-ADP"},
      "metrics": [{"other": {"type": "ssvc", "content": {
        "timestamp": "2024-06-04T17:48:51.013821Z",
        "id": "CVE-2024-3094",
        "options": [{"Exploitation": "active"}, {"Automatable": "yes"}, {"Technical Impact": "total"}],
        "role": "CISA Coordinator",
        "version": "2.0.3"
      }}}]
    }]
  }
}`

func TestRecordSSVCAndUpdated(t *testing.T) {
	require := require.New(t)

	record, err := DecodeRecord(strings.NewReader(ssvcRecord))
	require.NoError(err)

	ssvc, err := record.Containers.SSVC().Take()
	require.NoError(err)
	require.Equal(SSVC{Exploitation: "active", Automatable: "yes", TechnicalImpact: "total"}, ssvc)

	require.Equal(2024, record.Containers.Updated().Year())
	require.Equal(time.June, record.Containers.Updated().Month())

	cvss, err := record.Containers.Cna.Metrics[0].Cvss().Take()
	require.NoError(err)
	require.Equal(json.Number("10"), cvss.BaseScore)
}

func TestDecodeRecordRequiresID(t *testing.T) {
	_, err := DecodeRecord(strings.NewReader(`{"dataType": "CVE_RECORD"}`))
	require.Error(t, err)
}

func TestRecordsFilter(t *testing.T) {
	records := Records{
		{CveMetadata: CveMetadata{CveID: "CVE-1", State: CveStatePUBLISHED}},
		{CveMetadata: CveMetadata{CveID: "CVE-2", State: CveStateREJECTED}},
	}
	published := records.Filter(func(r Record) bool { return r.CveMetadata.State == CveStatePUBLISHED })
	require.Len(t, published, 1)
	require.Equal(t, "CVE-1", published[0].CveMetadata.CveID)
}
