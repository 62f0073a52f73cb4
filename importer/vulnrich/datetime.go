package vulnrich

import (
	"encoding/json"
	"time"
)

// UnmarshalJsonTimeFormat parses a JSON string with the first format that
// fits. null and the empty string yield the zero time.
func UnmarshalJsonTimeFormat(b []byte, formats ...string) (t time.Time, err error) {
	var timeUnmarshalled string
	err = json.Unmarshal(b, &timeUnmarshalled)
	if err != nil {
		return time.Time{}, err
	}
	if timeUnmarshalled == "" {
		return time.Time{}, nil
	}

	var parsed time.Time
	for _, format := range formats {
		parsed, err = time.Parse(format, timeUnmarshalled)
		if err == nil {
			return parsed.UTC(), nil
		}
	}

	return time.Time{}, err
}

// DateTime is a CVE 5 timestamp, with or without a zone offset. Timestamps
// without an offset are UTC.
type DateTime struct {
	time.Time
}

var _ json.Unmarshaler = (*DateTime)(nil)

func (t *DateTime) UnmarshalJSON(b []byte) error {
	tm, err := UnmarshalJsonTimeFormat(b,
		"2006-01-02T15:04:05Z07:00",
		"2006-01-02T15:04:05",
		"2006-01-02",
	)
	if err != nil {
		return err
	}

	*t = DateTime{tm}
	return nil
}

type Timestamp struct {
	time.Time
}

var _ json.Unmarshaler = (*Timestamp)(nil)

func (t *Timestamp) UnmarshalJSON(b []byte) error {
	tm, err := UnmarshalJsonTimeFormat(b, "2006-01-02T15:04:05.999999Z07:00", "2006-01-02T15:04:05")
	if err != nil {
		return err
	}

	*t = Timestamp{tm}
	return nil
}
