package audit

import (
	"fmt"
	"strings"
)

// Row is the uniform view over Flywheel containers and transfer-log lines.
// MatchValues holds exactly one entry per configured field; a nil pointer is a
// null value.
type Row interface {
	Identity() string
	MatchValues() map[string]*string
	Line() (int, bool)
}

// RemoteRow is one Flywheel dataview record.
type RemoteRow struct {
	ID     string
	Raw    map[string]any
	values map[string]*string
}

// NewRemoteRow normalizes a flattened dataview record. Virtual fields carry
// the container id; they ride along in MatchValues but stay out of the
// grouping key.
func NewRemoteRow(cfg *Config, id string, raw map[string]any) (*RemoteRow, error) {
	values := make(map[string]*string, len(cfg.Queries))
	for _, q := range cfg.Queries {
		if q.Virtual {
			v := id
			values[q.Field] = &v
			continue
		}
		v, err := normalizeRemoteValue(cfg, q, raw[q.Field])
		if err != nil {
			return nil, err
		}
		values[q.Field] = v
	}
	return &RemoteRow{ID: id, Raw: raw, values: values}, nil
}

func (r *RemoteRow) Identity() string                { return r.ID }
func (r *RemoteRow) MatchValues() map[string]*string { return r.values }
func (r *RemoteRow) Line() (int, bool)               { return 0, false }

// LogRow is one transfer-log data line. Index is the 0-based data row; the
// human spreadsheet line adds the header and 1-based offset.
type LogRow struct {
	Index  int
	Raw    map[string]any
	values map[string]*string
}

func NewLogRow(cfg *Config, index int, raw map[string]any) (*LogRow, error) {
	values := make(map[string]*string, len(cfg.Queries))
	for _, q := range cfg.Queries {
		if q.Virtual {
			values[q.Field] = nil
			continue
		}
		v, err := normalizeLogValue(cfg, q, raw[q.Column])
		if err != nil {
			return nil, err
		}
		values[q.Field] = v
	}
	return &LogRow{Index: index, Raw: raw, values: values}, nil
}

func (r *LogRow) Identity() string                { return fmt.Sprintf("row %d", r.Index+2) }
func (r *LogRow) MatchValues() map[string]*string { return r.values }
func (r *LogRow) Line() (int, bool)               { return r.Index + 2, true }

// matchKey joins the normalized values of the real fields into the grouping
// key. Null values key distinctly from empty strings.
func matchKey(cfg *Config, values map[string]*string) string {
	var b strings.Builder
	for _, q := range cfg.Queries {
		if q.Virtual {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte(0x1f)
		}
		v := values[q.Field]
		if v == nil {
			b.WriteByte(0x00)
			continue
		}
		b.WriteString(*v)
	}
	return b.String()
}

// RowsMatch reports structural equality of two rows' normalized real-field
// values. Retained for single-assignment callers; the grouped matcher in
// MatchRows is the authoritative path.
func RowsMatch(cfg *Config, a, b Row) bool {
	return matchKey(cfg, a.MatchValues()) == matchKey(cfg, b.MatchValues())
}
