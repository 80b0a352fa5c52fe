package oai

import (
	"fmt"
	"time"
)

// Granularity is the precision of an OAI-PMH datestamp.
type Granularity int

const (
	GranularityDay Granularity = iota
	GranularitySecond
)

// The two datestamp layouts the protocol allows. The trailing Z in the
// second-granularity layout is a literal; values always denote UTC.
const (
	dayLayout    = "2006-01-02"
	secondLayout = "2006-01-02T15:04:05Z"
)

// ParseDatestamp parses an OAI-PMH datestamp in either granularity and
// reports which one it found. Day-granularity values parse to midnight
// UTC.
func ParseDatestamp(value string) (time.Time, Granularity, error) {
	if t, err := time.Parse(secondLayout, value); err == nil {
		return t.UTC(), GranularitySecond, nil
	}
	t, err := time.Parse(dayLayout, value)
	if err != nil {
		return time.Time{}, 0, fmt.Errorf("parse datestamp %q: %w", value, err)
	}
	return t.UTC(), GranularityDay, nil
}

// FormatDatestamp renders t as a second-granularity UTC datestamp, the
// finest granularity the repository advertises.
func FormatDatestamp(t time.Time) string {
	return t.UTC().Format(secondLayout)
}

// parseFromAndUntil validates the from and until arguments of a selective
// harvesting request. A nil argument is absent. A day-granularity until
// covers its whole day, so it parses to 23:59:59.
func parseFromAndUntil(from, until *string) (*time.Time, *time.Time, error) {
	var (
		fromTime, untilTime *time.Time
		fromGran, untilGran Granularity
	)
	if from != nil {
		t, g, err := ParseDatestamp(*from)
		if err != nil {
			return nil, nil, BadArgument(`Illegal "from" datestamp`)
		}
		fromTime, fromGran = &t, g
	}
	if until != nil {
		t, g, err := ParseDatestamp(*until)
		if err != nil {
			return nil, nil, BadArgument(`Illegal "until" datestamp`)
		}
		if g == GranularityDay {
			t = t.Add(23*time.Hour + 59*time.Minute + 59*time.Second)
		}
		untilTime, untilGran = &t, g
	}
	if fromTime != nil && untilTime != nil {
		if fromGran != untilGran {
			return nil, nil, BadArgument(`Datestamps "from" and "until" have different granularity`)
		}
		if fromTime.After(*untilTime) {
			return nil, nil, BadArgument(`Datestamp "from" is greater than "until"`)
		}
	}
	return fromTime, untilTime, nil
}
