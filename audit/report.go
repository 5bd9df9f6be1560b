package audit

import (
	"encoding/csv"
	"encoding/json"
	"io"
	"strconv"
	"strings"
)

// PathInfo is the collaborator-supplied location of a Flywheel container.
type PathInfo struct {
	Path  string `json:"path"`
	Label string `json:"label"`
}

// Discrepancy is one report line. Records are created once and never mutated;
// operators flip Resolved externally after remediation.
type Discrepancy struct {
	FlywheelID    string             `json:"_id,omitempty"`
	TransferRows  []int              `json:"transfer_log_rows,omitempty"`
	Values        map[string]*string `json:"values"`
	Error         string             `json:"error"`
	MatchingFWIDs []string           `json:"matching_fw_ids,omitempty"`
	Path          string             `json:"path,omitempty"`
	Label         string             `json:"label,omitempty"`
	Type          string             `json:"type"`
	Resolved      bool               `json:"resolved"`
}

// ReportOptions carries the collaborator-supplied context for report building.
type ReportOptions struct {
	// EmptyIDs are Flywheel containers known to have no attached files.
	EmptyIDs map[string]struct{}
	// Paths maps Flywheel id to resolver path and display label.
	Paths map[string]PathInfo
	// AlreadyValid are containers annotated as validated by a previous run;
	// they are not re-reported as unexpected.
	AlreadyValid map[string]struct{}
	// MatchOnce suppresses error records for containers already reconciled
	// against some transfer-log line.
	MatchOnce bool
}

// BuildReport expands erroring match groups into discrepancy records: one per
// Flywheel container in the group, or a single record for groups with no
// Flywheel side. Group iteration order is preserved.
func BuildReport(cfg *Config, groups []*MatchGroup, opts ReportOptions) []Discrepancy {
	matched := map[string]struct{}{}
	if opts.MatchOnce {
		matched = matchedIDs(groups)
	}

	var out []Discrepancy
	for _, g := range groups {
		errText := classifyGroup(cfg, g, opts.EmptyIDs)
		if errText == "" {
			continue
		}
		if g.LogOnly() {
			out = append(out, Discrepancy{
				TransferRows: append([]int(nil), g.LogLines...),
				Values:       g.Values,
				Error:        errText,
				Type:         cfg.Join,
			})
			continue
		}
		for _, id := range g.RemoteIDs {
			if opts.MatchOnce {
				if _, ok := matched[id]; ok {
					continue
				}
			}
			if g.RemoteOnly() {
				if _, ok := opts.AlreadyValid[id]; ok {
					continue
				}
			}
			d := Discrepancy{
				FlywheelID:    id,
				Values:        g.Values,
				Error:         errText,
				MatchingFWIDs: append([]string(nil), g.RemoteIDs...),
				Type:          cfg.Join,
			}
			if len(g.LogLines) > 0 {
				d.TransferRows = append([]int(nil), g.LogLines...)
			}
			if info, ok := opts.Paths[id]; ok {
				d.Path = info.Path
				d.Label = info.Label
			}
			out = append(out, d)
		}
	}
	return out
}

// reportHeaders is the CSV column order: the row locator, one column per
// configured field, then the error metadata.
func reportHeaders(cfg *Config) []string {
	headers := []string{"row_or_id"}
	for _, q := range cfg.Queries {
		headers = append(headers, q.Field)
	}
	return append(headers, "error", "path", "type", "resolved", "label", "matching_fw_ids", "_id")
}

// WriteReportCSV writes the discrepancy report as CSV.
func WriteReportCSV(w io.Writer, cfg *Config, report []Discrepancy) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(reportHeaders(cfg)); err != nil {
		return err
	}
	for _, d := range report {
		record := []string{rowOrID(d)}
		for _, q := range cfg.Queries {
			if v := d.Values[q.Field]; v != nil {
				record = append(record, *v)
			} else {
				record = append(record, "")
			}
		}
		record = append(record,
			d.Error,
			d.Path,
			d.Type,
			strconv.FormatBool(d.Resolved),
			d.Label,
			strings.Join(d.MatchingFWIDs, " "),
			d.FlywheelID,
		)
		if err := cw.Write(record); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func rowOrID(d Discrepancy) string {
	if d.FlywheelID != "" {
		return d.FlywheelID
	}
	lines := make([]string, 0, len(d.TransferRows))
	for _, n := range d.TransferRows {
		lines = append(lines, strconv.Itoa(n))
	}
	return strings.Join(lines, " ")
}

// WriteReportJSON writes the discrepancy report as a JSON array.
func WriteReportJSON(w io.Writer, report []Discrepancy) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if report == nil {
		report = []Discrepancy{}
	}
	return enc.Encode(report)
}

// WriteShapeErrorsCSV writes the pre-validation defect list with row, column
// and error columns, the format operators fix spreadsheets from.
func WriteShapeErrorsCSV(w io.Writer, errs ShapeErrorList) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"row", "column", "error"}); err != nil {
		return err
	}
	for _, e := range errs {
		if err := cw.Write([]string{strconv.Itoa(e.Row), e.Column, e.Message}); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
