// Package patch applies patch files to vendored sources exactly once, using a
// sentinel file next to each target to remember what has already been done.
package patch

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/kingrea/patchguard/internal/config"
)

var (
	// ErrMissingInput is returned when the target or patch file does not exist.
	// It aborts the build step; nothing is run or written.
	ErrMissingInput = errors.New("missing input file")

	// ErrPatchCommand is returned when the external patch command fails.
	ErrPatchCommand = errors.New("patch command failed")
)

// Status enumerates per-entry run outcomes.
type Status string

const (
	StatusApplied  Status = "applied"
	StatusSkipped  Status = "skipped"
	StatusDisabled Status = "disabled"
	StatusPlanned  Status = "planned"
	StatusFailed   Status = "failed"
)

// State describes an entry on disk without running anything.
type State string

const (
	StatePending      State = "pending"
	StateApplied      State = "applied"
	StateMissingInput State = "missing-input"
	StateDisabled     State = "disabled"
)

// Result captures the outcome of one entry.
type Result struct {
	Entry    config.Entry
	Sentinel string
	Status   Status
	Stats    DiffStats
	Message  string
}

// Logger receives diagnostic lines.
type Logger interface {
	Printf(format string, args ...any)
}

// Journal records state changes worth keeping across builds.
type Journal interface {
	Info(format string, args ...any)
	Warn(format string, args ...any)
	Error(format string, args ...any)
}

// Guard runs the patch command for entries whose sentinel is missing.
type Guard struct {
	runner  Runner
	command string
	suffix  string
	dryRun  bool
	logger  Logger
	journal Journal
}

// Option customizes a Guard during construction.
type Option func(*Guard)

// WithCommand overrides the patch executable.
func WithCommand(command string) Option {
	return func(g *Guard) {
		if trimmed := strings.TrimSpace(command); trimmed != "" {
			g.command = trimmed
		}
	}
}

// WithSentinelSuffix overrides the suffix appended to targets.
func WithSentinelSuffix(suffix string) Option {
	return func(g *Guard) {
		if trimmed := strings.TrimSpace(suffix); trimmed != "" {
			g.suffix = trimmed
		}
	}
}

// WithDryRun makes the guard report planned work without touching anything.
func WithDryRun(dryRun bool) Option {
	return func(g *Guard) {
		g.dryRun = dryRun
	}
}

// WithLogger attaches a diagnostics logger.
func WithLogger(logger Logger) Option {
	return func(g *Guard) {
		g.logger = logger
	}
}

// WithJournal attaches the patch journal.
func WithJournal(journal Journal) Option {
	return func(g *Guard) {
		g.journal = journal
	}
}

// NewGuard builds a guard that shells out through runner.
func NewGuard(runner Runner, opts ...Option) *Guard {
	g := &Guard{
		runner:  runner,
		command: "patch",
		suffix:  config.DefaultSentinelSuffix,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// SentinelPath returns the marker file that records a target as patched.
func (g *Guard) SentinelPath(target string) string {
	return target + g.suffix
}

// CommandLine renders the shell equivalent of what ApplyIfNeeded runs.
func (g *Guard) CommandLine(e config.Entry) string {
	return fmt.Sprintf("%s %q < %s", g.command, e.Target, e.Patch)
}

// ApplyIfNeeded patches e.Target with e.Patch unless its sentinel exists.
// The sentinel is written only after the command succeeds.
func (g *Guard) ApplyIfNeeded(ctx context.Context, e config.Entry) (Result, error) {
	sentinel := g.SentinelPath(e.Target)
	res := Result{Entry: e, Sentinel: sentinel}

	if sentinelExists(sentinel) {
		g.logf("%s: sentinel %s present, skipping", e.Name, sentinel)
		res.Status = StatusSkipped
		return res, nil
	}

	for _, input := range []string{e.Target, e.Patch} {
		if !fileExists(input) {
			g.logf("%s: missing input %s", e.Name, input)
			if g.journal != nil {
				g.journal.Error("%s: missing input %s", e.Name, input)
			}
			res.Status = StatusFailed
			res.Message = "missing " + input
			return res, fmt.Errorf("patch: %s: %w: %s", e.Name, ErrMissingInput, input)
		}
	}

	if g.dryRun {
		res.Status = StatusPlanned
		res.Message = g.CommandLine(e)
		g.logf("%s: dry run, would run %s", e.Name, res.Message)
		return res, nil
	}

	g.logf("Patching %s with %s", e.Target, e.Patch)
	before, err := os.ReadFile(e.Target)
	if err != nil {
		res.Status = StatusFailed
		return res, fmt.Errorf("patch: %s: read target: %w", e.Name, err)
	}

	if err := g.run(ctx, e); err != nil {
		g.logf("%s: %v", e.Name, err)
		if g.journal != nil {
			g.journal.Error("%s: %s failed: %v", e.Name, g.CommandLine(e), err)
		}
		res.Status = StatusFailed
		res.Message = err.Error()
		return res, fmt.Errorf("patch: %s: %w: %w", e.Name, ErrPatchCommand, err)
	}

	after, err := os.ReadFile(e.Target)
	if err != nil {
		res.Status = StatusFailed
		return res, fmt.Errorf("patch: %s: read patched target: %w", e.Name, err)
	}
	res.Stats = ComputeStats(string(before), string(after))

	if err := os.WriteFile(sentinel, []byte{}, 0o644); err != nil {
		res.Status = StatusFailed
		return res, fmt.Errorf("patch: %s: write sentinel: %w", e.Name, err)
	}

	res.Status = StatusApplied
	res.Message = res.Stats.String()
	g.logf("%s: applied (%s), wrote %s", e.Name, res.Stats, sentinel)
	if g.journal != nil {
		g.journal.Info("%s: applied %s to %s (%s)", e.Name, e.Patch, e.Target, res.Stats)
	}
	return res, nil
}

func (g *Guard) run(ctx context.Context, e config.Entry) error {
	patchFile, err := os.Open(e.Patch)
	if err != nil {
		return err
	}
	defer patchFile.Close()
	return g.runner.Run(ctx, g.command, []string{e.Target}, patchFile)
}

// ApplyAll processes entries in order and stops at the first error. Results
// gathered before the failure are returned alongside it.
func (g *Guard) ApplyAll(ctx context.Context, entries []config.Entry) ([]Result, error) {
	results := make([]Result, 0, len(entries))
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		if !e.Enabled {
			results = append(results, Result{Entry: e, Sentinel: g.SentinelPath(e.Target), Status: StatusDisabled})
			continue
		}
		res, err := g.ApplyIfNeeded(ctx, e)
		results = append(results, res)
		if err != nil {
			return results, err
		}
	}
	return results, nil
}

// Status inspects an entry without side effects.
func (g *Guard) Status(e config.Entry) State {
	switch {
	case !e.Enabled:
		return StateDisabled
	case sentinelExists(g.SentinelPath(e.Target)):
		return StateApplied
	case !fileExists(e.Target) || !fileExists(e.Patch):
		return StateMissingInput
	default:
		return StatePending
	}
}

// Reset removes the sentinel so the next run applies the patch again. It
// reports whether a sentinel was removed.
func (g *Guard) Reset(e config.Entry) (bool, error) {
	sentinel := g.SentinelPath(e.Target)
	if err := os.Remove(sentinel); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("patch: %s: remove sentinel: %w", e.Name, err)
	}
	g.logf("%s: removed %s", e.Name, sentinel)
	if g.journal != nil {
		g.journal.Warn("%s: reset, removed %s", e.Name, sentinel)
	}
	return true, nil
}

func (g *Guard) logf(format string, args ...any) {
	if g.logger != nil {
		g.logger.Printf(format, args...)
	}
}

// sentinelExists treats any entry at path as the marker, whatever its type.
func sentinelExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
