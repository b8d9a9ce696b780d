package reservation

import (
	"fmt"
	"math"
	"strings"
	"time"
	_ "time/tzdata"
)

var naiveLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04",
}

// NormalizeTimestamp parses raw into a UTC instant. RFC3339 input keeps its
// own offset. A naive timestamp is read in timeZone when that is a known
// IANA zone, otherwise offsetMinutes is applied with the browser convention
// UTC = local + offset. With neither, the timestamp is taken as UTC.
func NormalizeTimestamp(raw, timeZone string, offsetMinutes *int) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, fmt.Errorf("timestamp is empty")
	}
	if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return t.UTC(), nil
	}

	loc := time.UTC
	zoned := false
	if tz := strings.TrimSpace(timeZone); tz != "" {
		if l, err := time.LoadLocation(tz); err == nil {
			loc, zoned = l, true
		}
	}

	for _, layout := range naiveLayouts {
		t, err := time.ParseInLocation(layout, raw, loc)
		if err != nil {
			continue
		}
		if !zoned && offsetMinutes != nil {
			t = t.Add(time.Duration(*offsetMinutes) * time.Minute)
		}
		return t.UTC(), nil
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", raw)
}

// ParseAuditTimestamp accepts RFC3339 or "2006-01-02 15:04:05" (UTC).
func ParseAuditTimestamp(raw *string) (time.Time, bool) {
	if raw == nil {
		return time.Time{}, false
	}
	s := strings.TrimSpace(*raw)
	if s == "" {
		return time.Time{}, false
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC(), true
	}
	if t, err := time.Parse("2006-01-02 15:04:05", s); err == nil {
		return t.UTC(), true
	}
	return time.Time{}, false
}

// roundedMinutes is the session length rounded half up, or nil when not positive.
func roundedMinutes(start, end time.Time) *int {
	m := math.Round(end.Sub(start).Minutes())
	if m <= 0 {
		return nil
	}
	v := int(m)
	return &v
}
