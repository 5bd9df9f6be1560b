package audit

import (
	"fmt"
	"strings"
	"time"
)

// ShapeError is one defect in the transfer log's shape: a missing column
// (Row 1, the header line) or a cell failing its validation pattern or time
// layout (Row is the 1-based spreadsheet line).
type ShapeError struct {
	Row     int
	Column  string
	Message string
}

// ShapeErrorList carries the full defect list so a spreadsheet can be fixed
// in one pass.
type ShapeErrorList []ShapeError

func (l ShapeErrorList) Error() string {
	return fmt.Sprintf("transfer log failed validation with %d errors", len(l))
}

// ValidateShape checks the transfer log against the template before any
// matching happens. Column presence is checked on the first row only; when
// columns are missing, per-cell validation is skipped entirely and only the
// column errors are reported.
func ValidateShape(cfg *Config, rows []map[string]any) ShapeErrorList {
	if len(rows) == 0 {
		return nil
	}

	var errs ShapeErrorList
	first := rows[0]
	for _, q := range cfg.RealQueries() {
		if _, ok := first[q.Column]; !ok {
			errs = append(errs, ShapeError{
				Row:     1,
				Column:  q.Column,
				Message: fmt.Sprintf("Transfer log missing column %s", q.Column),
			})
		}
	}
	if len(errs) > 0 {
		return errs
	}

	for i, row := range rows {
		line := i + 2
		for _, q := range cfg.RealQueries() {
			raw := row[q.Column]
			if raw == nil {
				continue
			}
			s := stringify(raw)
			if q.validate != nil && !q.validate.MatchString(s) {
				errs = append(errs, ShapeError{
					Row:     line,
					Column:  q.Column,
					Message: fmt.Sprintf("Value %q does not match pattern %s", s, q.Validate),
				})
				continue
			}
			if q.TimeFormat == "" {
				continue
			}
			candidate := s
			if q.pattern != nil {
				if m := q.pattern.FindString(s); m != "" {
					candidate = strings.TrimSpace(m)
				}
			}
			if _, err := time.Parse(q.TimeFormat, candidate); err != nil {
				errs = append(errs, ShapeError{
					Row:     line,
					Column:  q.Column,
					Message: fmt.Sprintf("Cannot parse %q with format %s", candidate, q.TimeFormat),
				})
			}
		}
	}
	return errs
}
