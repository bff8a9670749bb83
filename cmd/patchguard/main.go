// cmd/patchguard/main.go
//
// Entry point for the patchguard CLI, normally invoked from a build hook
// before compilation.
//
// Flow:
// 1. Resolve the project directory and load .patchguard/config.yaml
// 2. Resolve the build directories (libdeps, framework) for path expansion
// 3. Apply every enabled patch whose sentinel is missing

package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"

	"github.com/kingrea/patchguard/internal/config"
	"github.com/kingrea/patchguard/internal/logbook"
	"github.com/kingrea/patchguard/internal/logging"
	"github.com/kingrea/patchguard/internal/patch"
	"github.com/kingrea/patchguard/internal/report"
)

const usage = `Usage: patchguard [command] [flags] [names]

Commands:
  apply    apply pending patches (default)
  status   show the state of each patch and recent journal entries
  reset    remove sentinels so patches are applied again (all, or the named ones)
  init     write a default .patchguard/config.yaml
`

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// options carries the flags shared by every command.
type options struct {
	project      string
	libDepsDir   string
	frameworkDir string
	dryRun       bool
	history      int
	// readOnly commands leave .patchguard/logs untouched.
	readOnly bool
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	command := "apply"
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		command, args = args[0], args[1:]
	}

	var opts options
	fs := flag.NewFlagSet("patchguard "+command, flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() {
		fmt.Fprint(stderr, usage)
		fs.PrintDefaults()
	}
	fs.StringVar(&opts.project, "project", "", "path to the project directory (defaults to cwd)")
	fs.StringVar(&opts.libDepsDir, "libdeps-dir", "", "override PROJECT_LIBDEPS_DIR")
	fs.StringVar(&opts.frameworkDir, "framework-dir", "", "override FRAMEWORK_DIR")
	switch command {
	case "apply":
		fs.BoolVar(&opts.dryRun, "dry-run", false, "report what would be patched without running anything")
	case "status":
		fs.IntVar(&opts.history, "history", 10, "number of journal entries to show")
	case "reset", "init":
	default:
		fmt.Fprintf(stderr, "unknown command %q\n\n", command)
		fs.Usage()
		return 2
	}
	names, err := parseInterleaved(fs, args)
	if err != nil {
		return 2
	}
	opts.readOnly = opts.dryRun || command == "status"

	project, err := resolveProject(opts.project)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	if command == "init" {
		if err := config.InitStateDir(project); err != nil {
			fmt.Fprintf(stderr, "init .patchguard: %v\n", err)
			return 1
		}
		fmt.Fprintf(stdout, "Wrote %s\n", filepath.Join(project, config.StateDir, "config.yaml"))
		return 0
	}

	app, err := newApp(project, opts, stdout, stderr)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	defer app.close()

	switch command {
	case "status":
		return app.status(opts.history)
	case "reset":
		return app.reset(names)
	default:
		return app.apply(ctx)
	}
}

// parseInterleaved parses flags that appear before, between or after
// positional arguments. Everything after "--" is positional.
func parseInterleaved(fs *flag.FlagSet, args []string) ([]string, error) {
	var positional []string
	for {
		if err := fs.Parse(args); err != nil {
			return nil, err
		}
		rest := fs.Args()
		if len(rest) == 0 {
			return positional, nil
		}
		if consumed := len(args) - len(rest); consumed > 0 && args[consumed-1] == "--" {
			return append(positional, rest...), nil
		}
		positional = append(positional, rest[0])
		args = rest[1:]
	}
}

func resolveProject(project string) (string, error) {
	if strings.TrimSpace(project) == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return "", fmt.Errorf("determine working directory: %w", err)
		}
		project = cwd
	}
	absolute, err := filepath.Abs(project)
	if err != nil {
		return "", fmt.Errorf("resolve project dir: %w", err)
	}
	return absolute, nil
}

type app struct {
	entries []config.Entry
	logger  *logging.Logger
	journal *logbook.Logbook
	guard   *patch.Guard
	printer *report.Printer
	out     io.Writer
}

func newApp(project string, opts options, stdout, stderr io.Writer) (*app, error) {
	cfg, err := config.NewConfig(project, config.Overrides{
		LibDepsDir:   opts.libDepsDir,
		FrameworkDir: opts.frameworkDir,
	})
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	entries, err := cfg.Entries()
	if err != nil {
		return nil, err
	}
	guardOpts := []patch.Option{
		patch.WithCommand(cfg.PatchCommand()),
		patch.WithSentinelSuffix(cfg.SentinelSuffix()),
		patch.WithDryRun(opts.dryRun),
	}
	var logger *logging.Logger
	var journal *logbook.Logbook
	if opts.readOnly {
		journal = logbook.Open(cfg.JournalPath())
	} else {
		logger, err = logging.New(cfg.LogPath())
		if err != nil {
			return nil, err
		}
		journal, err = logbook.New(cfg.JournalPath())
		if err != nil {
			logger.Close()
			return nil, fmt.Errorf("open journal: %w", err)
		}
		guardOpts = append(guardOpts, patch.WithLogger(logger), patch.WithJournal(journal))
		for _, name := range cfg.VarNames() {
			logger.Printf("%s=%s", name, cfg.Vars[name])
		}
	}
	guard := patch.NewGuard(patch.ExecRunner{Stdout: stdout, Stderr: stderr}, guardOpts...)
	return &app{
		entries: entries,
		logger:  logger,
		journal: journal,
		guard:   guard,
		printer: report.New(stdout),
		out:     stdout,
	}, nil
}

func (a *app) close() {
	a.logger.Close()
}

func (a *app) apply(ctx context.Context) int {
	results, err := a.guard.ApplyAll(ctx, a.entries)
	a.printer.Results(results)
	if err != nil {
		a.printer.Error(err)
		return 1
	}
	return 0
}

func (a *app) status(history int) int {
	rows := make([]report.Row, 0, len(a.entries))
	for _, e := range a.entries {
		rows = append(rows, report.Row{Name: e.Name, State: a.guard.Status(e), Target: e.Target})
	}
	lines, total := a.journal.Tail(history)
	a.printer.Status(rows, lines, total)
	return 0
}

func (a *app) reset(names []string) int {
	selected, err := selectEntries(a.entries, names)
	if err != nil {
		a.printer.Error(err)
		return 1
	}
	code := 0
	for _, e := range selected {
		removed, err := a.guard.Reset(e)
		switch {
		case err != nil:
			a.printer.Error(err)
			code = 1
		case removed:
			fmt.Fprintf(a.out, "reset %s\n", e.Name)
		}
	}
	return code
}

func selectEntries(entries []config.Entry, names []string) ([]config.Entry, error) {
	if len(names) == 0 {
		return entries, nil
	}
	byName := make(map[string]config.Entry, len(entries))
	for _, e := range entries {
		byName[e.Name] = e
	}
	selected := make([]config.Entry, 0, len(names))
	for _, name := range names {
		e, ok := byName[name]
		if !ok {
			return nil, fmt.Errorf("no patch named %q", name)
		}
		selected = append(selected, e)
	}
	return selected, nil
}
