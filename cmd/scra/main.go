package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/scrabg/scra/pkg/config"
	"github.com/scrabg/scra/pkg/engine"
	"github.com/scrabg/scra/pkg/export"
	applog "github.com/scrabg/scra/pkg/log"
	"github.com/scrabg/scra/pkg/models"
	"github.com/scrabg/scra/pkg/orchestrate"
	"github.com/scrabg/scra/pkg/storage"
	"github.com/scrabg/scra/pkg/watch"
	"github.com/scrabg/scra/pkg/workflow"
)

const version = "0.4.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "run":
		runRun(os.Args[2:])
	case "test":
		runTest(os.Args[2:])
	case "validate":
		runValidate(os.Args[2:])
	case "list-workflows":
		runListWorkflows(os.Args[2:])
	case "export":
		runExport(os.Args[2:])
	case "watch":
		runWatch(os.Args[2:])
	case "mcp-server":
		runMcpServer(os.Args[2:])
	case "version":
		fmt.Printf("scra %s\n", version)
	case "-h", "--help", "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	printUsageTo(os.Stdout)
}

// printUsageTo writes usage information to the provided writer.
func printUsageTo(w io.Writer) {
	fmt.Fprintln(w, `scra - Workflow-driven web scraper

Usage:
  scra <command> [options]

Commands:
  run             Run one or more workflows and export their records
  test            Walk a workflow against one URL and print what each step produced
  validate        Validate configuration file
  list-workflows  List available workflow keys
  export          Export persisted records of a previous run
  watch           Re-run workflows on a schedule
  mcp-server      Start MCP server for AI tool integration
  version         Show version info

Run 'scra <command> -h' for command-specific help.`)
}

// loadConfig loads and parses the config file
func loadConfig(path string) (*config.AppConfig, error) {
	return config.Load(path)
}

// loadAndValidateConfig loads the config, applies defaults and logs warnings.
// With optional set, a missing file yields an all-defaults config.
func loadAndValidateConfig(path string, optional bool, log logrus.FieldLogger) (*config.AppConfig, error) {
	appCfg, err := loadConfig(path)
	if err != nil {
		if !optional || !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
		log.Debugf("No config at %s, using defaults", path)
		appCfg = &config.AppConfig{}
	} else {
		log.Infof("Loaded configuration from %s", path)
	}

	warnings, err := appCfg.Validate()
	if err != nil {
		return nil, err
	}
	for _, w := range warnings {
		log.Warn(w)
	}
	return appCfg, nil
}

// selectKeys resolves -workflow, -workflows and -all into workflow keys
func selectKeys(appCfg *config.AppConfig, single, list string, all bool) ([]string, error) {
	var keys []string
	switch {
	case all:
		keys = appCfg.WorkflowKeys()
		if len(keys) == 0 {
			return nil, fmt.Errorf("no workflows configured")
		}
	case list != "":
		for _, k := range strings.Split(list, ",") {
			if k = strings.TrimSpace(k); k != "" {
				keys = append(keys, k)
			}
		}
	case single != "":
		keys = []string{single}
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("one of -workflow, -workflows, -all or -file is required")
	}
	return keys, orchestrate.ValidateWorkflowKeys(appCfg, keys)
}

// addWorkflowFile registers a standalone workflow document under its file
// name so it can run through the orchestrator like a configured workflow.
func addWorkflowFile(appCfg *config.AppConfig, path string) (string, error) {
	wf, _, err := config.LoadWorkflow(path)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read workflow: %w", err)
	}
	raw, err := config.ParseWorkflow(data)
	if err != nil {
		return "", err
	}
	if _, exists := appCfg.Workflows[wf.Name]; exists {
		return "", fmt.Errorf("workflow file %s clashes with configured workflow '%s'", path, wf.Name)
	}
	if appCfg.Workflows == nil {
		appCfg.Workflows = make(map[string]config.RawWorkflow)
	}
	appCfg.Workflows[wf.Name] = *raw
	return wf.Name, nil
}

// stringList is a repeatable string flag
type stringList []string

func (s *stringList) String() string { return strings.Join(*s, ",") }

func (s *stringList) Set(v string) error {
	*s = append(*s, v)
	return nil
}

// runOptions holds the parsed flags of the run subcommand
type runOptions struct {
	ConfigPath   string
	Workflow     string
	Workflows    string
	All          bool
	WorkflowFile string
	StartURLs    []string
	Format       string
	OutputDir    string
	Persist      bool
	LogLevel     string
}

// runRun handles the run subcommand
func runRun(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	var o runOptions
	var urls stringList
	fs.StringVar(&o.ConfigPath, "config", "config.yaml", "Path to config file")
	fs.StringVar(&o.Workflow, "workflow", "", "Workflow key from config (single workflow)")
	fs.StringVar(&o.Workflows, "workflows", "", "Comma-separated workflow keys to run in parallel")
	fs.BoolVar(&o.All, "all", false, "Run all configured workflows in parallel")
	fs.StringVar(&o.WorkflowFile, "file", "", "Standalone workflow document (JSON or YAML)")
	fs.Var(&urls, "url", "Start URL (repeatable); defaults to the workflow's base URL")
	fs.StringVar(&o.Format, "format", "json", "Export format (json, jsonl, csv)")
	fs.StringVar(&o.OutputDir, "output", "", "Export directory (default: output_base_dir)")
	fs.BoolVar(&o.Persist, "persist", false, "Also save the run and its records under state_dir")
	fs.StringVar(&o.LogLevel, "loglevel", "info", "Log level (debug, info, warn, error)")
	pprofAddr := fs.String("pprof", "", "pprof address, e.g. localhost:6060 (disabled by default)")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: scra run [options]\n\nOptions:\n")
		fs.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  scra run -workflow news\n")
		fmt.Fprintf(os.Stderr, "  scra run -workflows news,shop -format csv\n")
		fmt.Fprintf(os.Stderr, "  scra run -file products.yaml -url https://shop.example.com/\n")
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	o.StartURLs = urls

	startPprof(*pprofAddr, applog.New(o.LogLevel, os.Stderr))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := doRun(ctx, o, os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// doRun runs the selected workflows and prints one summary line per
// workflow. Cancelling ctx stops the runs gracefully; records extracted so
// far are still exported. Returns exit code (0 = every workflow succeeded).
func doRun(ctx context.Context, o runOptions, stdout, stderr io.Writer) int {
	log := applog.New(o.LogLevel, stderr)

	appCfg, err := loadAndValidateConfig(o.ConfigPath, o.WorkflowFile != "", log)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	format, err := export.ParseFormat(o.Format)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	var keys []string
	if o.WorkflowFile != "" {
		key, err := addWorkflowFile(appCfg, o.WorkflowFile)
		if err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		keys = []string{key}
	} else {
		keys, err = selectKeys(appCfg, o.Workflow, o.Workflows, o.All)
		if err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
	}

	orc := orchestrate.New(appCfg, keys, orchestrate.Options{
		StartURLs: o.StartURLs,
		Format:    format,
		OutputDir: o.OutputDir,
		Persist:   o.Persist,
	}, log.WithField("cmd", "run"))

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			log.Warn("Interrupted, stopping workflows...")
			orc.Stop()
		case <-done:
		}
	}()

	results := orc.Run(context.WithoutCancel(ctx))

	exitCode := 0
	for _, r := range results {
		if !r.Success {
			fmt.Fprintf(stdout, "FAILED: [%s] %s\n", r.WorkflowKey, r.Message)
			exitCode = 1
			continue
		}
		fmt.Fprintf(stdout, "OK: [%s] %d records, %d requests in %v", r.WorkflowKey, r.Records, r.Requests, r.Duration.Round(time.Millisecond))
		if r.OutputPath != "" {
			fmt.Fprintf(stdout, " -> %s", r.OutputPath)
		}
		fmt.Fprintln(stdout)
	}
	return exitCode
}

// runTest handles the test subcommand
func runTest(args []string) {
	fs := flag.NewFlagSet("test", flag.ExitOnError)
	configFile := fs.String("config", "config.yaml", "Path to config file")
	key := fs.String("workflow", "", "Workflow key from config")
	file := fs.String("file", "", "Standalone workflow document (JSON or YAML)")
	target := fs.String("url", "", "URL to test (default: the workflow's base URL)")
	logLevel := fs.String("loglevel", "warn", "Log level (debug, info, warn, error)")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: scra test [options]\n\nOptions:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := doTest(ctx, *configFile, *key, *file, *target, *logLevel, os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// doTest walks one workflow against one URL and prints the report as JSON.
// Returns exit code (0 = the test succeeded).
func doTest(ctx context.Context, configPath, key, file, target, logLevel string, stdout, stderr io.Writer) int {
	log := applog.New(logLevel, stderr)
	start := time.Now()

	if key == "" && file == "" {
		fmt.Fprintln(stderr, "Error: one of -workflow or -file is required")
		return 1
	}

	appCfg, err := loadAndValidateConfig(configPath, file != "", log)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	report := testWorkflow(ctx, appCfg, key, file, target, log)
	if report.ExecutionTime == 0 {
		report.ExecutionTime = time.Since(start).Seconds()
	}
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if !report.Success {
		return 1
	}
	return 0
}

func testWorkflow(ctx context.Context, appCfg *config.AppConfig, key, file, target string, log *logrus.Logger) engine.ConfigTestReport {
	start := time.Now()
	var (
		wf       *models.Workflow
		warnings []string
		err      error
	)
	if file != "" {
		wf, warnings, err = config.LoadWorkflow(file)
	} else {
		wf, warnings, err = appCfg.Workflow(key)
	}
	for _, w := range warnings {
		log.Warn(w)
	}
	if err != nil {
		return engine.FailedConfigTest(err, time.Since(start))
	}

	if target == "" {
		urls, err := workflow.StartURLs(wf, nil)
		if err != nil {
			return engine.FailedConfigTest(err, time.Since(start))
		}
		target = urls[0]
	}

	e := engine.New(appCfg, wf, engine.WithLogger(log.WithField("cmd", "test")))
	defer e.Close()
	return e.TestConfig(ctx, target)
}

// runValidate handles the validate subcommand
func runValidate(args []string) {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	configFile := fs.String("config", "config.yaml", "Path to config file")
	key := fs.String("workflow", "", "Workflow key to validate (optional, validates all if empty)")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: scra validate [options]\n\nOptions:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	os.Exit(doValidate(*configFile, *key, os.Stdout, os.Stderr))
}

// doValidate performs validation and writes output to provided writers.
// Returns exit code (0 = success, 1 = error).
func doValidate(configPath, key string, stdout, stderr io.Writer) int {
	appCfg, err := loadConfig(configPath)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	warnings, _ := appCfg.Validate()
	for _, w := range warnings {
		fmt.Fprintf(stdout, "WARN: %s\n", w)
	}

	keys := appCfg.WorkflowKeys()
	if key != "" {
		if _, ok := appCfg.Workflows[key]; !ok {
			fmt.Fprintf(stderr, "Error: workflow '%s' not found in config\n", key)
			return 1
		}
		keys = []string{key}
	}

	hasError := false
	for _, k := range keys {
		_, wfWarnings, err := appCfg.Workflow(k)
		if err != nil {
			fmt.Fprintf(stderr, "ERROR: [%s] %v\n", k, err)
			hasError = true
			continue
		}
		for _, w := range wfWarnings {
			fmt.Fprintf(stdout, "WARN: [%s] %s\n", k, w)
		}
		fmt.Fprintf(stdout, "OK: [%s]\n", k)
	}
	if hasError {
		return 1
	}

	fmt.Fprintln(stdout, "\nConfiguration valid.")
	return 0
}

// runListWorkflows handles the list-workflows subcommand
func runListWorkflows(args []string) {
	fs := flag.NewFlagSet("list-workflows", flag.ExitOnError)
	configFile := fs.String("config", "config.yaml", "Path to config file")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: scra list-workflows [options]\n\nOptions:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	os.Exit(doListWorkflows(*configFile, os.Stdout, os.Stderr))
}

// doListWorkflows lists workflows and writes output to provided writers.
// Returns exit code (0 = success, 1 = error).
func doListWorkflows(configPath string, stdout, stderr io.Writer) int {
	appCfg, err := loadConfig(configPath)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	fmt.Fprintf(stdout, "Workflows in %s:\n\n", configPath)
	for _, key := range appCfg.WorkflowKeys() {
		fmt.Fprintf(stdout, "  %s\n", key)
		wf, _, err := appCfg.Workflow(key)
		if err != nil {
			fmt.Fprintf(stdout, "    Error: %v\n\n", err)
			continue
		}
		if wf.BaseURL != "" {
			fmt.Fprintf(stdout, "    Base URL: %s\n", wf.BaseURL)
		}
		fmt.Fprintf(stdout, "    Steps: %d\n", len(wf.Steps))
		fmt.Fprintf(stdout, "    Concurrency: %d\n", wf.Concurrency)
		fmt.Fprintln(stdout)
	}
	return 0
}

// runExport handles the export subcommand
func runExport(args []string) {
	fs := flag.NewFlagSet("export", flag.ExitOnError)
	configFile := fs.String("config", "config.yaml", "Path to config file")
	key := fs.String("workflow", "", "Workflow key whose runs to export (required)")
	runID := fs.String("run", "", "Run ID (default: the most recent run)")
	format := fs.String("format", "json", "Export format (json, jsonl, csv)")
	out := fs.String("out", "", "Output file (default: stdout)")
	list := fs.Bool("list", false, "List persisted runs instead of exporting")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: scra export [options]\n\nOptions:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	os.Exit(doExport(exportOptions{
		ConfigPath: *configFile,
		Workflow:   *key,
		RunID:      *runID,
		Format:     *format,
		Out:        *out,
		List:       *list,
	}, os.Stdout, os.Stderr))
}

// exportOptions holds the parsed flags of the export subcommand
type exportOptions struct {
	ConfigPath string
	Workflow   string
	RunID      string
	Format     string
	Out        string
	List       bool
}

// doExport reads records persisted by an earlier run from the workflow's
// store. Returns exit code (0 = success, 1 = error).
func doExport(o exportOptions, stdout, stderr io.Writer) int {
	if o.Workflow == "" {
		fmt.Fprintln(stderr, "Error: -workflow is required")
		return 1
	}
	format, err := export.ParseFormat(o.Format)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	log := applog.New("warn", stderr)
	appCfg, err := loadAndValidateConfig(o.ConfigPath, true, log)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	dbPath := storage.DBPath(appCfg.StateDir, o.Workflow)
	if _, err := os.Stat(dbPath); err != nil {
		fmt.Fprintf(stderr, "Error: no persisted runs for workflow '%s' (looked in %s)\n", o.Workflow, dbPath)
		return 1
	}
	store, err := storage.NewBadgerStore(appCfg.StateDir, o.Workflow, log.WithField("cmd", "export"))
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer store.Close()

	runs, err := store.ListRuns()
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if len(runs) == 0 {
		fmt.Fprintf(stderr, "Error: no persisted runs for workflow '%s'\n", o.Workflow)
		return 1
	}

	if o.List {
		for _, r := range runs {
			records := 0
			if r.Stats != nil {
				records = r.Stats.ExtractedDataCount
			}
			fmt.Fprintf(stdout, "%s  %-9s  %s  %d records\n", r.RunID, r.Status, r.StartedAt.Format(time.RFC3339), records)
		}
		return 0
	}

	runID := o.RunID
	if runID == "" {
		runID = runs[0].RunID
	} else if _, err := store.GetRun(runID); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	records, err := store.ListRecords(runID)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	if o.Out == "" {
		if err := export.Write(stdout, format, records); err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		return 0
	}
	if err := export.WriteFile(o.Out, format, records); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "Exported %d records of run %s to %s\n", len(records), runID, o.Out)
	return 0
}

// runWatch handles the watch subcommand
func runWatch(args []string) {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	configFile := fs.String("config", "config.yaml", "Path to config file")
	key := fs.String("workflow", "", "Workflow key from config (single workflow)")
	keysFlag := fs.String("workflows", "", "Comma-separated workflow keys")
	all := fs.Bool("all", false, "Watch all configured workflows")
	interval := fs.String("interval", "24h", "Run interval (e.g., 30m, 1h, 24h, 7d)")
	format := fs.String("format", "json", "Export format (json, jsonl, csv)")
	persist := fs.Bool("persist", false, "Also save every run and its records under state_dir")
	logLevel := fs.String("loglevel", "info", "Log level (debug, info, warn, error)")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: scra watch [options]\n\nOptions:\n")
		fs.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  scra watch -workflow news -interval 1h\n")
		fmt.Fprintf(os.Stderr, "  scra watch -all -interval 1d12h -persist\n")
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := doWatch(ctx, watchOptions{
		ConfigPath: *configFile,
		Workflow:   *key,
		Workflows:  *keysFlag,
		All:        *all,
		Interval:   *interval,
		Format:     *format,
		Persist:    *persist,
		LogLevel:   *logLevel,
	}, os.Stderr)
	stop()
	os.Exit(code)
}

// watchOptions holds the parsed flags of the watch subcommand
type watchOptions struct {
	ConfigPath string
	Workflow   string
	Workflows  string
	All        bool
	Interval   string
	Format     string
	Persist    bool
	LogLevel   string
}

// doWatch runs the scheduler until ctx is cancelled
func doWatch(ctx context.Context, o watchOptions, stderr io.Writer) int {
	log := applog.New(o.LogLevel, stderr)

	interval, err := watch.ParseInterval(o.Interval)
	if err != nil {
		fmt.Fprintf(stderr, "Error: invalid interval: %v\n", err)
		return 1
	}
	format, err := export.ParseFormat(o.Format)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	appCfg, err := loadAndValidateConfig(o.ConfigPath, false, log)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	keys, err := selectKeys(appCfg, o.Workflow, o.Workflows, o.All)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	for _, k := range keys {
		if _, _, err := appCfg.Workflow(k); err != nil {
			fmt.Fprintf(stderr, "Error: [%s] %v\n", k, err)
			return 1
		}
	}

	scheduler := watch.NewScheduler(appCfg, keys, interval,
		orchestrate.Options{Format: format, Persist: o.Persist},
		log.WithField("component", "watch"))

	if err := scheduler.Run(ctx); err != nil {
		fmt.Fprintf(stderr, "Error: watch scheduler: %v\n", err)
		return 1
	}
	log.Info("Watch mode stopped")
	return 0
}

// startPprof starts the pprof HTTP server if addr is non-empty.
func startPprof(addr string, log *logrus.Logger) {
	if addr == "" {
		return
	}
	go func() {
		log.Infof("Starting pprof server at http://%s/debug/pprof/", addr)
		if err := http.ListenAndServe(addr, nil); err != nil {
			log.Errorf("pprof server error: %v", err)
		}
	}()
}
