package forge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/log"
)

// ErrBuildFailed is the root of every fatal build error.
var ErrBuildFailed = errors.New("build failed")

// BuildError reports a configure or make stage that failed on every
// attempt.
type BuildError struct {
	Package  string
	Stage    string
	Attempts int
	Output   string // tail of the last attempt's output
}

func (e *BuildError) Error() string {
	return fmt.Sprintf("%s of %s failed after %d attempt(s)", e.Stage, e.Package, e.Attempts)
}

func (e *BuildError) Unwrap() error { return ErrBuildFailed }

// attempt describes one try of a stage.
type attempt struct {
	verbose bool              // pass output through instead of condensing it
	overlay map[string]string // recipe-local variables overridden for this try
}

// stagePolicy is the retry schedule of one pipeline stage.
type stagePolicy struct {
	name     string
	state    State // recorded once the stage succeeds
	preamble string
	attempts []attempt
	retry    string // warning printed before the second attempt
	fatal    bool   // running out of attempts is a BuildError
}

var (
	configurePolicy = stagePolicy{
		name:     "configure",
		state:    StateConfigured,
		preamble: "Configuring: ",
		attempts: []attempt{{}, {verbose: true}},
		retry:    "Configuration failed. Re-trying with higher verbosity.",
		fatal:    true,
	}
	makePolicy = stagePolicy{
		name:     "make",
		state:    StateMade,
		preamble: "Building: ",
		attempts: []attempt{{}, {verbose: true, overlay: map[string]string{"makewidth": "1"}}},
		retry:    "Build failed. Re-trying with reduced makewidth and higher verbosity.",
		fatal:    true,
	}
	installPolicy = stagePolicy{
		name:     "install",
		state:    StateInstalled,
		preamble: "Installing: ",
		attempts: []attempt{{}},
	}
	uninstallPolicy = stagePolicy{
		name:     "uninstall",
		preamble: "Uninstalling: ",
		attempts: []attempt{{}},
	}
)

// stageResult is the outcome of running a stage to completion.
type stageResult struct {
	OK       bool
	Attempts int
	Output   string
}

// SourceBackend builds packages from source into the active prefix:
// fetch, configure, make and install, recording each completed stage in
// the inventory before moving on.
type SourceBackend struct {
	Out   io.Writer // stage output; defaults to os.Stdout
	Quiet bool      // suppresses the "-> stage" banners

	prefix   Prefix
	cfg      *Config
	inv      *Inventory
	fetcher  Fetcher
	runner   Runner
	renderer Renderer
	sdk      SDKSettings
	keepLogs bool
	logger   *log.Logger
}

// NewSourceBackend loads the inventory of the active prefix.
func NewSourceBackend(cfg *Config, fetcher Fetcher, runner Runner, logger *log.Logger) (*SourceBackend, error) {
	prefix, err := cfg.ActivePrefix()
	if err != nil {
		return nil, err
	}
	logger = childLogger(logger, "source")
	return &SourceBackend{
		Out:      os.Stdout,
		prefix:   prefix,
		cfg:      cfg,
		inv:      NewInventory(prefix.InventoryPath, logger),
		fetcher:  fetcher,
		runner:   runner,
		renderer: Renderer{Strict: cfg.GetBool("strict_vars")},
		sdk:      sdkSettingsFromEnv(cfg),
		keepLogs: cfg.GetBool("keep_logs"),
		logger:   logger,
	}, nil
}

func (b *SourceBackend) Name() string    { return "source" }
func (b *SourceBackend) Class() Class    { return ClassSource }
func (b *SourceBackend) Supported() bool { return true }

// Inventory returns the inventory of the active prefix.
func (b *SourceBackend) Inventory() *Inventory { return b.inv }

// Prefix returns the active prefix.
func (b *SourceBackend) Prefix() Prefix { return b.prefix }

// Exists returns the pseudo-version "0.0" for any recipe with sources.
func (b *SourceBackend) Exists(_ context.Context, r *Recipe) (string, error) {
	if len(r.Srcs) == 0 {
		return "", nil
	}
	return "0.0", nil
}

// Installed returns the recorded version when the package state is
// installed, "0.0" when no version was recorded.
func (b *SourceBackend) Installed(_ context.Context, r *Recipe) (string, error) {
	state, ok := b.inv.GetState(r.ID)
	if !ok || state != StateInstalled {
		return "", nil
	}
	if v := b.inv.GetVersion(r.ID); v != "" {
		return v, nil
	}
	return "0.0", nil
}

// Install runs the whole pipeline for r.
func (b *SourceBackend) Install(ctx context.Context, r *Recipe) (bool, error) {
	if len(r.Srcs) == 0 {
		b.logger.Warn("Cannot find a source URI for package", "pkg", r.ID)
		return false, nil
	}

	announce(b.Quiet, "Fetching %s", r.ID)
	if !b.fetch(ctx, r) {
		b.logger.Error("Unable to fetch", "pkg", r.ID)
		return false, nil
	}
	if err := b.record(r, StateFetched); err != nil {
		return false, err
	}

	buildDir, ok, err := b.prepareBuildDir(r)
	if err != nil || !ok {
		return false, err
	}

	blog := b.openLog(r)
	defer b.closeLog(blog)

	stages := []struct {
		policy stagePolicy
		tmpl   string
		filter func(string) string
	}{
		{configurePolicy, r.SrcConfigure, func(s string) string { return ConfigFilter(s, b.sdk) }},
		{makePolicy, r.SrcMake, nil},
		{installPolicy, r.SrcInstall, InstallFilter},
	}
	for _, st := range stages {
		res, err := b.runStage(ctx, r, st.policy, st.tmpl, st.filter, buildDir, blog)
		if err != nil {
			return false, err
		}
		if !res.OK {
			if st.policy.fatal {
				b.logger.Error("Problem occurred while building package", "pkg", r.ID, "stage", st.policy.name)
				return false, &BuildError{Package: r.ID, Stage: st.policy.name, Attempts: res.Attempts, Output: res.Output}
			}
			b.logger.Error("Installation failed", "pkg", r.ID)
			return false, nil
		}
		if err := b.record(r, st.policy.state); err != nil {
			return false, err
		}
	}
	return true, nil
}

// Update rebuilds packages that were installed from source.
func (b *SourceBackend) Update(ctx context.Context, r *Recipe) (bool, error) {
	if v, _ := b.Installed(ctx, r); v == "" {
		b.logger.Debug("not installed from source, nothing to update", "pkg", r.ID)
		return false, nil
	}
	return b.Install(ctx, r)
}

// Remove runs the uninstall command in the build directory and drops the
// inventory entry.
func (b *SourceBackend) Remove(ctx context.Context, r *Recipe) (bool, error) {
	if v, _ := b.Installed(ctx, r); v == "" {
		b.logger.Warn("package not installed from source, ignoring", "pkg", r.ID)
		return false, nil
	}
	buildDir := filepath.Join(b.prefix.SrcDir, r.ID, r.InstallDir)
	if info, err := os.Stat(buildDir); err != nil || !info.IsDir() {
		b.logger.Error("build directory does not exist", "dir", buildDir)
		return false, nil
	}

	res, err := b.runStage(ctx, r, uninstallPolicy, r.SrcUninstall, nil, buildDir, nil)
	if err != nil {
		return false, err
	}
	if !res.OK {
		b.logger.Error("Uninstall failed", "pkg", r.ID)
		return false, nil
	}
	b.inv.Remove(r.ID)
	if err := b.inv.Save(); err != nil {
		return false, err
	}
	return true, nil
}

// fetch tries every source URI in order until one succeeds.
func (b *SourceBackend) fetch(ctx context.Context, r *Recipe) bool {
	b.logger.Debug("fetching", "pkg", r.ID, "srcs", r.Srcs)
	for _, src := range r.Srcs {
		if ctx.Err() != nil {
			return false
		}
		ok, err := b.fetcher.Refetch(ctx, r, src)
		if err != nil {
			b.logger.Error("Unable to fetch source", "pkg", r.ID, "src", src, "err", err)
			continue
		}
		if !ok {
			b.logger.Warn("Fetching source failed", "src", src)
			continue
		}
		return true
	}
	return false
}

// record persists a completed stage. Reaching installed replaces the
// recorded version, clearing it when the recipe declares none.
func (b *SourceBackend) record(r *Recipe, state State) error {
	if err := b.inv.SetState(r.ID, state); err != nil {
		return err
	}
	if state == StateInstalled {
		b.inv.SetVersion(r.ID, r.Version)
	}
	return b.inv.Save()
}

// prepareBuildDir creates an empty build directory below the package
// source directory. A missing source directory is an expected failure.
func (b *SourceBackend) prepareBuildDir(r *Recipe) (string, bool, error) {
	pkgSrcDir := filepath.Join(b.prefix.SrcDir, r.ID)
	if info, err := os.Stat(pkgSrcDir); err != nil || !info.IsDir() {
		b.logger.Error("There should be a source dir, but there isn't", "dir", pkgSrcDir)
		return "", false, nil
	}

	buildDir := filepath.Join(pkgSrcDir, r.InstallDir)
	if buildDir == pkgSrcDir {
		// in-tree build, keep the sources
		return buildDir, true, nil
	}
	if !strings.HasPrefix(buildDir, pkgSrcDir+string(os.PathSeparator)) {
		return "", false, fmt.Errorf("install dir %q of %s escapes the source dir", r.InstallDir, r.ID)
	}
	if err := os.RemoveAll(buildDir); err != nil {
		return "", false, fmt.Errorf("failed to clear build dir: %w", err)
	}
	if err := os.MkdirAll(buildDir, 0o755); err != nil {
		return "", false, fmt.Errorf("failed to create build dir: %w", err)
	}
	return buildDir, true, nil
}

// render expands tmpl with the recipe variables, overlay on top.
func (b *SourceBackend) render(r *Recipe, tmpl string, overlay map[string]string) (string, error) {
	local := make(map[string]string, len(r.Vars)+len(overlay))
	for k, v := range r.Vars {
		local[k] = v
	}
	for k, v := range overlay {
		local[k] = v
	}
	global := b.cfg.TemplateVars()
	global["prefix"] = b.prefix.Dir
	return b.renderer.Render(tmpl, local, global)
}

// RenderStage renders the command of one stage as it would run.
func (b *SourceBackend) RenderStage(r *Recipe, stage string) (string, error) {
	switch stage {
	case "configure":
		cmd, err := b.render(r, r.SrcConfigure, nil)
		if err != nil {
			return "", err
		}
		return ConfigFilter(cmd, b.sdk), nil
	case "make":
		return b.render(r, r.SrcMake, nil)
	case "install":
		cmd, err := b.render(r, r.SrcInstall, nil)
		if err != nil {
			return "", err
		}
		return InstallFilter(cmd), nil
	case "uninstall":
		return b.render(r, r.SrcUninstall, nil)
	}
	return "", fmt.Errorf("unknown stage %q (want configure, make, install or uninstall)", stage)
}

// runStage runs the attempts of policy until one exits zero. Template
// errors and commands that cannot be started end the stage with an error.
func (b *SourceBackend) runStage(ctx context.Context, r *Recipe, policy stagePolicy, tmpl string,
	filter func(string) string, dir string, blog *buildLog) (stageResult, error) {
	var res stageResult
	announce(b.Quiet, "%s%s", policy.preamble, r.ID)

	for i, a := range policy.attempts {
		res.Attempts = i + 1
		if i > 0 {
			b.logger.Warn(policy.retry, "pkg", r.ID)
		}

		cmd, err := b.render(r, tmpl, a.overlay)
		if err != nil {
			return res, err
		}
		if filter != nil {
			cmd = filter(cmd)
		}
		b.logger.Debug(policy.name+" command", "cmd", cmd, "dir", dir)

		tail := newTailBuffer(40)
		writers := []io.Writer{tail}
		var proc *outputProcessor
		if a.verbose || isVerbose(b.logger) {
			writers = append(writers, b.Out)
		} else {
			proc = newOutputProcessor(policy.preamble, b.Out)
			writers = append(writers, proc)
		}
		if blog != nil {
			blog.Section("%s %s (attempt %d): %s", policy.name, r.ID, i+1, cmd)
			writers = append(writers, blog)
		}
		w := io.MultiWriter(writers...)

		code, err := b.runner.RunShell(ctx, ShellCommand{Command: cmd, Dir: dir, Stdout: w, Stderr: w})
		if proc != nil {
			proc.Finish()
		}
		res.Output = tail.String()
		if err != nil {
			return res, fmt.Errorf("%s of %s: %w", policy.name, r.ID, err)
		}
		if code == 0 {
			b.logger.Debug(policy.name+" successful", "pkg", r.ID)
			res.OK = true
			return res, nil
		}
		b.logger.Debug(policy.name+" exited non-zero", "pkg", r.ID, "status", code)
	}
	return res, nil
}

func (b *SourceBackend) openLog(r *Recipe) *buildLog {
	if !b.keepLogs {
		return nil
	}
	blog, err := openBuildLog(b.prefix.LogDir, r.ID)
	if err != nil {
		b.logger.Warn("build log disabled", "err", err)
		return nil
	}
	return blog
}

func (b *SourceBackend) closeLog(blog *buildLog) {
	if blog == nil {
		return
	}
	if err := blog.Close(); err != nil {
		b.logger.Warn("failed to finalize build log", "err", err)
		return
	}
	b.logger.Debug("build log written", "path", buildLogPath(b.prefix.LogDir, blog.pkg))
}
