package audit

import (
	"reflect"
	"testing"
)

func buildRemote(t *testing.T, cfg *Config, records ...RemoteRecord) []*RemoteRow {
	t.Helper()
	out := make([]*RemoteRow, 0, len(records))
	for _, rec := range records {
		row, err := NewRemoteRow(cfg, rec.ID, rec.Fields)
		if err != nil {
			t.Fatalf("remote row %s: %v", rec.ID, err)
		}
		out = append(out, row)
	}
	return out
}

func buildLog(t *testing.T, cfg *Config, rows ...map[string]any) []*LogRow {
	t.Helper()
	out := make([]*LogRow, 0, len(rows))
	for i, raw := range rows {
		row, err := NewLogRow(cfg, i, raw)
		if err != nil {
			t.Fatalf("log row %d: %v", i, err)
		}
		out = append(out, row)
	}
	return out
}

const labelTemplate = `
join: session
query:
  - session.label: Label
`

func TestPerfectMatchNoErrors(t *testing.T) {
	cfg := mustConfig(t, labelTemplate)
	remote := buildRemote(t, cfg, RemoteRecord{ID: "id1", Fields: map[string]any{"session.label": "A"}})
	logRows := buildLog(t, cfg, map[string]any{"Label": "A"})

	groups := MatchRows(cfg, remote, logRows)
	report := BuildReport(cfg, groups, ReportOptions{})
	if len(report) != 0 {
		t.Fatalf("expected empty report, got %+v", report)
	}
	if got := reconciledIDs(cfg, groups, nil); !reflect.DeepEqual(got, []string{"id1"}) {
		t.Fatalf("expected id1 reconciled, got %v", got)
	}
}

func TestCaseInsensitiveMatching(t *testing.T) {
	run := func(caseInsensitive bool) int {
		doc := `
join: session
query:
  - project.label: Project
`
		if caseInsensitive {
			doc += "case_insensitive: true\n"
		}
		cfg := mustConfig(t, doc)
		remote := buildRemote(t, cfg, RemoteRecord{ID: "id1", Fields: map[string]any{"project.label": "My Project"}})
		logRows := buildLog(t, cfg, map[string]any{"Project": "my project"})
		return len(BuildReport(cfg, MatchRows(cfg, remote, logRows), ReportOptions{}))
	}
	if got := run(true); got != 0 {
		t.Fatalf("case-insensitive: expected 0 errors, got %d", got)
	}
	if got := run(false); got != 2 {
		t.Fatalf("case-sensitive: expected one error per side, got %d", got)
	}
}

func TestAliasResolutionMatches(t *testing.T) {
	cfg := mustConfig(t, `
join: session
query:
  - session.label: Visit
mappings:
  Week 4: [w04, wk4]
`)
	remote := buildRemote(t, cfg, RemoteRecord{ID: "id1", Fields: map[string]any{"session.label": "w04"}})
	logRows := buildLog(t, cfg, map[string]any{"Visit": "Week 4"})
	if report := BuildReport(cfg, MatchRows(cfg, remote, logRows), ReportOptions{}); len(report) != 0 {
		t.Fatalf("expected alias to reconcile, got %+v", report)
	}
}

func TestCountMismatchExpansion(t *testing.T) {
	cfg := mustConfig(t, labelTemplate)
	remote := buildRemote(t, cfg,
		RemoteRecord{ID: "id1", Fields: map[string]any{"session.label": "A"}},
		RemoteRecord{ID: "id2", Fields: map[string]any{"session.label": "A"}},
		RemoteRecord{ID: "id3", Fields: map[string]any{"session.label": "A"}},
	)
	logRows := buildLog(t, cfg, map[string]any{"Label": "A"})

	report := BuildReport(cfg, MatchRows(cfg, remote, logRows), ReportOptions{})
	if len(report) != 3 {
		t.Fatalf("expected one record per container, got %d", len(report))
	}
	for _, d := range report {
		if d.Error != "2 more records in flywheel than in transfer_log" {
			t.Fatalf("unexpected error text: %q", d.Error)
		}
		if len(d.MatchingFWIDs) != 3 {
			t.Fatalf("expected full id list attached, got %v", d.MatchingFWIDs)
		}
		if !reflect.DeepEqual(d.TransferRows, []int{2}) {
			t.Fatalf("expected transfer rows [2], got %v", d.TransferRows)
		}
	}
}

func TestCountMismatchLogSide(t *testing.T) {
	cfg := mustConfig(t, labelTemplate)
	remote := buildRemote(t, cfg, RemoteRecord{ID: "id1", Fields: map[string]any{"session.label": "A"}})
	logRows := buildLog(t, cfg,
		map[string]any{"Label": "A"},
		map[string]any{"Label": "A"},
	)
	report := BuildReport(cfg, MatchRows(cfg, remote, logRows), ReportOptions{})
	if len(report) != 1 {
		t.Fatalf("expected 1 record, got %d", len(report))
	}
	if report[0].Error != "1 more records in transfer_log than in flywheel" {
		t.Fatalf("unexpected error text: %q", report[0].Error)
	}
}

func TestMatchOnceSuppression(t *testing.T) {
	cfg := mustConfig(t, labelTemplate)
	remote := buildRemote(t, cfg,
		RemoteRecord{ID: "id1", Fields: map[string]any{"session.label": "A"}},
		RemoteRecord{ID: "id2", Fields: map[string]any{"session.label": "A"}},
	)
	logRows := buildLog(t, cfg, map[string]any{"Label": "A"})
	groups := MatchRows(cfg, remote, logRows)

	if got := len(BuildReport(cfg, groups, ReportOptions{})); got != 2 {
		t.Fatalf("without match-once: expected 2 records, got %d", got)
	}
	report := BuildReport(cfg, groups, ReportOptions{MatchOnce: true})
	if len(report) != 1 {
		t.Fatalf("with match-once: expected 1 record, got %d", len(report))
	}
	if report[0].FlywheelID != "id2" {
		t.Fatalf("expected the unmatched container flagged, got %q", report[0].FlywheelID)
	}
}

func TestRemoteOnlyAndEmptyContainers(t *testing.T) {
	cfg := mustConfig(t, labelTemplate)
	remote := buildRemote(t, cfg,
		RemoteRecord{ID: "id1", Fields: map[string]any{"session.label": "A"}},
		RemoteRecord{ID: "id2", Fields: map[string]any{"session.label": "B"}},
	)
	groups := MatchRows(cfg, remote, nil)

	report := BuildReport(cfg, groups, ReportOptions{
		EmptyIDs: map[string]struct{}{"id2": {}},
		Paths:    map[string]PathInfo{"id2": {Path: "grp/proj/subj/B", Label: "B"}},
	})
	if len(report) != 2 {
		t.Fatalf("expected 2 records, got %d", len(report))
	}
	if report[0].Error != "session in flywheel not present in transfer_log" {
		t.Fatalf("unexpected generic error: %q", report[0].Error)
	}
	if report[1].Error != "session contains no files" {
		t.Fatalf("empty container must take precedence: %q", report[1].Error)
	}
	if report[1].Path != "grp/proj/subj/B" || report[1].Label != "B" {
		t.Fatalf("expected resolver path attached, got %+v", report[1])
	}
	if report[0].Resolved || report[1].Resolved {
		t.Fatalf("records must start unresolved")
	}
}

func TestLogOnlyGroup(t *testing.T) {
	cfg := mustConfig(t, labelTemplate)
	logRows := buildLog(t, cfg, map[string]any{"Label": "A"}, map[string]any{"Label": "A"})
	report := BuildReport(cfg, MatchRows(cfg, nil, logRows), ReportOptions{})
	if len(report) != 1 {
		t.Fatalf("expected single record per log-only group, got %d", len(report))
	}
	d := report[0]
	if d.Error != "session in transfer_log not present in flywheel" {
		t.Fatalf("unexpected error text: %q", d.Error)
	}
	if d.FlywheelID != "" || !reflect.DeepEqual(d.TransferRows, []int{2, 3}) {
		t.Fatalf("unexpected record: %+v", d)
	}
}

func TestAlreadyValidSuppression(t *testing.T) {
	cfg := mustConfig(t, labelTemplate)
	remote := buildRemote(t, cfg,
		RemoteRecord{ID: "id1", Fields: map[string]any{"session.label": "A"}},
		RemoteRecord{ID: "id2", Fields: map[string]any{"session.label": "B"}},
	)
	report := BuildReport(cfg, MatchRows(cfg, remote, nil), ReportOptions{
		AlreadyValid: map[string]struct{}{"id1": {}},
	})
	if len(report) != 1 || report[0].FlywheelID != "id2" {
		t.Fatalf("expected only id2 flagged, got %+v", report)
	}
}

func TestGroupingCompleteness(t *testing.T) {
	cfg := mustConfig(t, labelTemplate)
	remote := buildRemote(t, cfg,
		RemoteRecord{ID: "id1", Fields: map[string]any{"session.label": "A"}},
		RemoteRecord{ID: "id2", Fields: map[string]any{"session.label": "B"}},
		RemoteRecord{ID: "id3", Fields: map[string]any{"session.label": "B"}},
	)
	logRows := buildLog(t, cfg,
		map[string]any{"Label": "A"},
		map[string]any{"Label": "C"},
	)
	groups := MatchRows(cfg, remote, logRows)

	ids := 0
	lines := 0
	for _, g := range groups {
		ids += len(g.RemoteIDs)
		lines += len(g.LogLines)
		if g.RemoteOnly() && g.LogOnly() {
			t.Fatalf("group cannot be empty on both sides: %+v", g)
		}
	}
	if ids != 3 || lines != 2 {
		t.Fatalf("every row must land in exactly one group: ids=%d lines=%d", ids, lines)
	}
}

func TestMatchingIsDeterministic(t *testing.T) {
	cfg := mustConfig(t, labelTemplate)
	remote := buildRemote(t, cfg,
		RemoteRecord{ID: "id1", Fields: map[string]any{"session.label": "A"}},
		RemoteRecord{ID: "id2", Fields: map[string]any{"session.label": "B"}},
	)
	logRows := buildLog(t, cfg, map[string]any{"Label": "C"})

	first := BuildReport(cfg, MatchRows(cfg, remote, logRows), ReportOptions{})
	second := BuildReport(cfg, MatchRows(cfg, remote, logRows), ReportOptions{})
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("expected identical reports:\n%+v\n%+v", first, second)
	}
}

func TestRowsMatchHelper(t *testing.T) {
	cfg := mustConfig(t, labelTemplate)
	remote := buildRemote(t, cfg, RemoteRecord{ID: "id1", Fields: map[string]any{"session.label": "A"}})
	logRows := buildLog(t, cfg, map[string]any{"Label": "A"}, map[string]any{"Label": "B"})
	if !RowsMatch(cfg, remote[0], logRows[0]) {
		t.Fatalf("expected rows to match")
	}
	if RowsMatch(cfg, remote[0], logRows[1]) {
		t.Fatalf("expected rows not to match")
	}
}
