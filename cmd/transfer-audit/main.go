package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"transfer-audit/audit"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	var templatePath string
	var transferLogPath string
	var project string
	var outputPath string
	var format string
	var shapeErrorPath string
	var dbPath string
	var errorDir string
	var apiURL string
	var apiKey string
	var caseInsensitive bool
	var matchOnce bool
	var dryRun bool
	var debug bool
	var timeout time.Duration

	flag.StringVar(&templatePath, "template", "", "YAML reconciliation template path.")
	flag.StringVar(&transferLogPath, "transfer-log", "", "Transfer log CSV path.")
	flag.StringVar(&project, "project", "", "Flywheel project resolver path (e.g. group/Project Label).")
	flag.StringVar(&outputPath, "output", "", "Report output path (defaults to transfer-log-report.<format>).")
	flag.StringVar(&format, "format", "csv", "Report format: csv or json.")
	flag.StringVar(&shapeErrorPath, "shape-errors", "", "Shape error CSV path (defaults next to -output).")
	flag.StringVar(&dbPath, "db", "transfer-audit.db", "SQLite audit database path.")
	flag.StringVar(&errorDir, "error-dir", "", "Directory for rejected transfer logs.")
	flag.StringVar(&apiURL, "api-url", "", "Flywheel API base URL.")
	flag.StringVar(&apiKey, "api-key", "", "Flywheel API key (or FW_API_KEY).")
	flag.BoolVar(&caseInsensitive, "case-insensitive", false, "Case-fold values before matching. Overrides template.")
	flag.BoolVar(&matchOnce, "match-once", false, "Suppress errors for containers already reconciled once. Overrides template.")
	flag.BoolVar(&dryRun, "dry-run", false, "Skip the validated annotations on reconciled containers.")
	flag.BoolVar(&debug, "debug", false, "Enable debug logs.")
	flag.DurationVar(&timeout, "timeout", 10*time.Minute, "Overall timeout for one run.")
	flag.Parse()

	visited := map[string]bool{}
	flag.CommandLine.Visit(func(f *flag.Flag) {
		visited[f.Name] = true
	})

	if templatePath == "" || transferLogPath == "" || project == "" {
		fmt.Fprintln(os.Stderr, "missing required flags: -template, -transfer-log, -project")
		os.Exit(2)
	}
	if apiURL == "" {
		fmt.Fprintln(os.Stderr, "missing -api-url")
		os.Exit(2)
	}
	if apiKey == "" {
		apiKey = os.Getenv("FW_API_KEY")
	}

	cfg := audit.RunnerConfig{
		TemplatePath:    templatePath,
		TransferLogPath: transferLogPath,
		Project:         project,
		OutputPath:      outputPath,
		Format:          format,
		ShapeErrorPath:  shapeErrorPath,
		DBPath:          dbPath,
		ErrorDir:        errorDir,
		DryRun:          dryRun,
		Debug:           debug,
		Client:          audit.NewHTTPClient(apiURL, apiKey),
	}
	// Template values win unless the flag was given explicitly.
	if visited["case-insensitive"] {
		cfg.CaseInsensitive = &caseInsensitive
	}
	if visited["match-once"] {
		cfg.MatchOnce = &matchOnce
	}

	runner, err := audit.NewRunner(cfg)
	if err != nil {
		log.Fatalf("init runner: %v", err)
	}
	defer runner.Close()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	report, err := runner.RunOnce(ctx)
	var shapeErrs audit.ShapeErrorList
	if errors.As(err, &shapeErrs) {
		log.Printf("transfer log rejected: %d shape errors (see %s)", len(shapeErrs), runner.ShapeErrorPath())
		os.Exit(1)
	}
	if err != nil {
		log.Fatalf("run: %v", err)
	}
	log.Printf("TRANSFER_ERROR_COUNT_%d_AT_%s", len(report), time.Now().UTC().Format(time.RFC3339))
}
