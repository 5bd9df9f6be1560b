package audit

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// TimestampError is the one normalization failure that is not tolerated: a
// garbled timestamp cannot be coerced to a comparable key.
type TimestampError struct {
	Field string
	Value string
}

func (e *TimestampError) Error() string {
	return fmt.Sprintf("cannot parse time from %s=%q", e.Field, e.Value)
}

// isoLayouts are the timestamp shapes accepted from Flywheel dataview rows.
var isoLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

func parseISOTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	var lastErr error
	for _, layout := range isoLayouts {
		ts, err := time.Parse(layout, s)
		if err == nil {
			return ts, nil
		}
		lastErr = err
	}
	return time.Time{}, lastErr
}

// stringify renders a raw cell value the way spreadsheet tooling would have
// typed it: integral floats lose the trailing ".0" the sheet auto-format adds.
func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		if !math.IsInf(t, 0) && !math.IsNaN(t) && t == math.Trunc(t) {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	case nil:
		return ""
	default:
		return fmt.Sprint(t)
	}
}

// normalizeRemoteValue computes the comparable form of one Flywheel field.
//
// Timestamp fields parse as ISO-8601, convert to the configured timezone when
// that zone is loadable (unknown zones keep the original offset), and reformat
// with the query layout. Everything else goes through the alias table.
func normalizeRemoteValue(cfg *Config, q Query, raw any) (*string, error) {
	if raw == nil {
		return nil, nil
	}
	s := stringify(raw)
	if q.TimeFormat != "" {
		ts, err := parseISOTimestamp(s)
		if err != nil {
			return nil, &TimestampError{Field: q.Field, Value: s}
		}
		if q.Timezone != "" {
			if loc, locErr := time.LoadLocation(q.Timezone); locErr == nil {
				ts = ts.In(loc)
			}
		}
		out := ts.Format(q.TimeFormat)
		return casefold(cfg, out), nil
	}
	return casefold(cfg, cfg.resolveAlias(s)), nil
}

// normalizeLogValue computes the comparable form of one transfer-log cell.
//
// Pattern extraction is best effort: an unmatched pattern falls back to the
// raw value. Timestamps must parse with the configured layout and are
// reformatted through it; unpadded layout verbs accept padded input, so both
// forms land on one canonical rendering.
func normalizeLogValue(cfg *Config, q Query, raw any) (*string, error) {
	if raw == nil {
		return nil, nil
	}
	s := stringify(raw)
	if q.pattern != nil {
		if m := q.pattern.FindString(s); m != "" {
			s = strings.TrimSpace(m)
		}
	}
	if q.TimeFormat != "" {
		ts, err := time.Parse(q.TimeFormat, s)
		if err != nil {
			return nil, &TimestampError{Field: q.Field, Value: s}
		}
		return casefold(cfg, ts.Format(q.TimeFormat)), nil
	}
	return casefold(cfg, cfg.resolveAlias(s)), nil
}

// casefold lower-cases last, after alias substitution.
func casefold(cfg *Config, s string) *string {
	if cfg.CaseInsensitive {
		s = strings.ToLower(s)
	}
	return &s
}
