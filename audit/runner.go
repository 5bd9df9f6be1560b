package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type RunnerConfig struct {
	TemplatePath    string
	TransferLogPath string
	// Project is the resolver path or id of the Flywheel project.
	Project string

	OutputPath string
	// Format is csv or json.
	Format string
	// ShapeErrorPath receives the pre-validation defect list when the
	// transfer log is rejected. Defaults next to OutputPath.
	ShapeErrorPath string
	DBPath         string
	// ErrorDir, when set, receives rejected transfer logs.
	ErrorDir string

	// CaseInsensitive and MatchOnce override the template values when set.
	CaseInsensitive *bool
	MatchOnce       *bool

	DryRun bool
	Debug  bool

	Client RemoteClient
}

type Runner struct {
	cfg RunnerConfig
	db  *gorm.DB
}

func (r *Runner) debugf(format string, args ...any) {
	if r == nil || !r.cfg.Debug {
		return
	}
	log.Printf(format, args...)
}

type runStats struct {
	RowsRemote   int
	RowsLog      int
	Groups       int
	Errors       int
	ValidatedOK  int
	ValidatedErr int
}

func NewRunner(cfg RunnerConfig) (*Runner, error) {
	if strings.TrimSpace(cfg.TemplatePath) == "" {
		return nil, fmt.Errorf("TemplatePath is required")
	}
	if strings.TrimSpace(cfg.TransferLogPath) == "" {
		return nil, fmt.Errorf("TransferLogPath is required")
	}
	if strings.TrimSpace(cfg.Project) == "" {
		return nil, fmt.Errorf("Project is required")
	}
	if cfg.Client == nil {
		return nil, fmt.Errorf("Client is required")
	}
	if cfg.Format == "" {
		cfg.Format = "csv"
	}
	if cfg.Format != "csv" && cfg.Format != "json" {
		return nil, fmt.Errorf("Format must be csv or json, got %q", cfg.Format)
	}
	if cfg.OutputPath == "" {
		cfg.OutputPath = "transfer-log-report." + cfg.Format
	}
	if cfg.ShapeErrorPath == "" {
		cfg.ShapeErrorPath = filepath.Join(filepath.Dir(cfg.OutputPath), "transfer-log-errors.csv")
	}
	if strings.TrimSpace(cfg.DBPath) == "" {
		cfg.DBPath = "transfer-audit.db"
	}

	db, err := OpenDB(cfg.DBPath)
	if err != nil {
		return nil, err
	}
	return &Runner{cfg: cfg, db: db}, nil
}

// ShapeErrorPath reports where a rejected transfer log's defect list lands.
func (r *Runner) ShapeErrorPath() string { return r.cfg.ShapeErrorPath }

func (r *Runner) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	err = sqlDB.Close()
	r.db = nil
	return err
}

// RunOnce reconciles the transfer log against the project and returns the
// discrepancy report. The report (possibly empty, meaning full reconciliation)
// is also written to OutputPath and archived in the audit DB.
func (r *Runner) RunOnce(ctx context.Context) ([]Discrepancy, error) {
	start := time.Now().UTC()
	run := AuditRun{
		ID:        uuid.NewString(),
		Project:   r.cfg.Project,
		StartedAt: start,
		DryRun:    r.cfg.DryRun,
		Status:    "error",
	}
	stats := &runStats{}

	report, runErr := r.runPipeline(ctx, &run, stats)
	if runErr == nil {
		run.Status = "ok"
	} else if _, rejected := runErr.(ShapeErrorList); rejected {
		run.Status = "rejected"
		run.LastError = runErr.Error()
	} else {
		run.LastError = runErr.Error()
	}
	now := time.Now().UTC()
	run.FinishedAt = &now
	run.RowsRemote = stats.RowsRemote
	run.RowsLog = stats.RowsLog
	run.Groups = stats.Groups
	run.ErrorCount = stats.Errors
	if err := r.db.Create(&run).Error; err != nil {
		r.debugf("persist run failed: %v", err)
		if runErr == nil {
			runErr = err
		}
	}
	r.debugf("run %s done: status=%s remote=%d log=%d groups=%d errors=%d validatedOK=%d validatedErr=%d elapsed=%s",
		run.ID, run.Status, stats.RowsRemote, stats.RowsLog, stats.Groups, stats.Errors,
		stats.ValidatedOK, stats.ValidatedErr, time.Since(start))
	return report, runErr
}

func (r *Runner) runPipeline(ctx context.Context, run *AuditRun, stats *runStats) ([]Discrepancy, error) {
	cfg, err := LoadConfig(r.cfg.TemplatePath)
	if err != nil {
		return nil, err
	}
	if r.cfg.CaseInsensitive != nil {
		cfg.CaseInsensitive = *r.cfg.CaseInsensitive
	}
	if r.cfg.MatchOnce != nil {
		cfg.MatchContainersOnce = *r.cfg.MatchOnce
	}
	run.Join = cfg.Join
	r.debugf("template loaded: join=%s queries=%d aliases=%d caseInsensitive=%v matchOnce=%v",
		cfg.Join, len(cfg.Queries), len(cfg.Aliases), cfg.CaseInsensitive, cfg.MatchContainersOnce)

	logTable, err := LoadTransferLog(r.cfg.TransferLogPath)
	if err != nil {
		return nil, err
	}
	stats.RowsLog = len(logTable)

	if shapeErrs := ValidateShape(cfg, logTable); len(shapeErrs) > 0 {
		r.debugf("transfer log rejected: %d shape errors", len(shapeErrs))
		if err := r.writeShapeErrors(shapeErrs); err != nil {
			return nil, err
		}
		if strings.TrimSpace(r.cfg.ErrorDir) != "" {
			if dst, mvErr := MoveFileToDir(r.cfg.TransferLogPath, r.cfg.ErrorDir); mvErr != nil {
				r.debugf("move rejected transfer log failed: %v", mvErr)
			} else {
				r.debugf("moved rejected transfer log to %q", dst)
			}
		}
		return nil, shapeErrs
	}

	records, err := r.cfg.Client.FetchView(ctx, cfg, r.cfg.Project)
	if err != nil {
		return nil, err
	}
	stats.RowsRemote = len(records)

	// Empty-container and path lookups only decorate the report; a failure
	// there must not lose the reconciliation result.
	emptyIDs, err := r.cfg.Client.FetchEmptyIDs(ctx, cfg, r.cfg.Project)
	if err != nil {
		r.debugf("fetch empty container ids failed: %v", err)
		emptyIDs = nil
	}
	paths, err := r.cfg.Client.FetchPaths(ctx, cfg, r.cfg.Project)
	if err != nil {
		r.debugf("fetch resolver paths failed: %v", err)
		paths = nil
	}

	validKey := cfg.Join + ".info.transfer_log.valid"
	alreadyValid := make(map[string]struct{})
	remoteRows := make([]*RemoteRow, 0, len(records))
	for _, rec := range records {
		row, err := NewRemoteRow(cfg, rec.ID, rec.Fields)
		if err != nil {
			return nil, err
		}
		remoteRows = append(remoteRows, row)
		if truthy(rec.Fields[validKey]) {
			alreadyValid[rec.ID] = struct{}{}
		}
	}
	logRows := make([]*LogRow, 0, len(logTable))
	for i, raw := range logTable {
		row, err := NewLogRow(cfg, i, raw)
		if err != nil {
			return nil, err
		}
		logRows = append(logRows, row)
	}

	groups := MatchRows(cfg, remoteRows, logRows)
	stats.Groups = len(groups)

	report := BuildReport(cfg, groups, ReportOptions{
		EmptyIDs:     emptyIDs,
		Paths:        paths,
		AlreadyValid: alreadyValid,
		MatchOnce:    cfg.MatchContainersOnce,
	})
	stats.Errors = len(report)

	resolved, err := r.resolvedHistory()
	if err != nil {
		r.debugf("load resolved history failed: %v", err)
	}
	for i := range report {
		if _, ok := resolved[resolvedKey(report[i].FlywheelID, report[i].Error)]; ok {
			report[i].Resolved = true
		}
	}

	if err := r.persistReport(run, cfg, report); err != nil {
		return report, err
	}
	if err := r.writeReport(cfg, report); err != nil {
		return report, err
	}

	if r.cfg.DryRun {
		r.debugf("dry run: skipping validated annotations")
		return report, nil
	}
	// Advisory bookkeeping: annotation failures never abort the report.
	for _, id := range reconciledIDs(cfg, groups, emptyIDs) {
		if err := r.cfg.Client.MarkValidated(ctx, cfg, id); err != nil {
			r.debugf("mark validated failed id=%s err=%v", id, err)
			stats.ValidatedErr++
			continue
		}
		stats.ValidatedOK++
	}
	return report, nil
}

func truthy(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		return t == "true" || t == "True"
	default:
		return false
	}
}

func resolvedKey(id, errText string) string {
	return id + "\x1f" + errText
}

// resolvedHistory collects (container, error) pairs an operator marked
// resolved in earlier runs for this project.
func (r *Runner) resolvedHistory() (map[string]struct{}, error) {
	var recs []DiscrepancyRecord
	if err := r.db.Where("project = ? AND resolved = ?", r.cfg.Project, true).Find(&recs).Error; err != nil {
		return nil, err
	}
	out := make(map[string]struct{}, len(recs))
	for _, rec := range recs {
		out[resolvedKey(rec.FlywheelID, rec.ErrorText)] = struct{}{}
	}
	return out, nil
}

func (r *Runner) persistReport(run *AuditRun, cfg *Config, report []Discrepancy) error {
	if len(report) == 0 {
		return nil
	}
	recs := make([]DiscrepancyRecord, 0, len(report))
	for _, d := range report {
		values, _ := json.Marshal(d.Values)
		lines := make([]string, 0, len(d.TransferRows))
		for _, n := range d.TransferRows {
			lines = append(lines, strconv.Itoa(n))
		}
		recs = append(recs, DiscrepancyRecord{
			RunID:         run.ID,
			Project:       run.Project,
			FlywheelID:    d.FlywheelID,
			TransferRows:  strings.Join(lines, " "),
			ContainerType: d.Type,
			ErrorText:     d.Error,
			Path:          d.Path,
			Label:         d.Label,
			ValuesJSON:    string(values),
			Resolved:      d.Resolved,
		})
	}
	return r.db.Transaction(func(tx *gorm.DB) error {
		return tx.Create(&recs).Error
	})
}

func (r *Runner) writeReport(cfg *Config, report []Discrepancy) error {
	f, err := os.Create(r.cfg.OutputPath)
	if err != nil {
		return err
	}
	defer f.Close()
	if r.cfg.Format == "json" {
		return WriteReportJSON(f, report)
	}
	return WriteReportCSV(f, cfg, report)
}

func (r *Runner) writeShapeErrors(errs ShapeErrorList) error {
	f, err := os.Create(r.cfg.ShapeErrorPath)
	if err != nil {
		return err
	}
	defer f.Close()
	return WriteShapeErrorsCSV(f, errs)
}
