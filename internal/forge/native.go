package forge

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"strings"

	"github.com/charmbracelet/log"
)

// commandBackend is a native backend driven by two command lines: a query
// printing the installed or available version, and an install command.
type commandBackend struct {
	name     string
	tools    []string // all must be on PATH for Supported
	query    func(pkg string) []string
	avail    func(pkg string) []string
	parse    func(out string) string // extracts the version from avail output
	install  func(pkg string) []string
	update   func(pkg string) []string
	lookPath func(string) (string, error)
	exec     *Executor
	logger   *log.Logger
}

func (b *commandBackend) Name() string { return b.name }
func (b *commandBackend) Class() Class { return ClassNative }

func (b *commandBackend) Supported() bool {
	for _, t := range b.tools {
		if _, err := b.lookPath(t); err != nil {
			b.logger.Debug("tool not found", "tool", t)
			return false
		}
	}
	return true
}

// pkgName returns the native name of r for this backend.
func (b *commandBackend) pkgName(r *Recipe) string {
	if n := strings.TrimSpace(r.Satisfy[b.name]); n != "" {
		return n
	}
	return r.ID
}

// output runs argv unprivileged and returns its trimmed stdout, or "" when
// the command fails.
func (b *commandBackend) output(ctx context.Context, argv []string) string {
	var out bytes.Buffer
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Stdout = &out
	cmd.Stderr = &bytes.Buffer{}
	cmd.Stdin = devNull{}
	if err := cmd.Run(); err != nil {
		b.logger.Debug("query failed", "cmd", strings.Join(argv, " "), "err", err)
		return ""
	}
	return strings.TrimSpace(out.String())
}

func (b *commandBackend) Installed(ctx context.Context, r *Recipe) (string, error) {
	return NormalizeVersion(b.output(ctx, b.query(b.pkgName(r)))), nil
}

func (b *commandBackend) Exists(ctx context.Context, r *Recipe) (string, error) {
	if b.avail == nil {
		return b.Installed(ctx, r)
	}
	out := b.output(ctx, b.avail(b.pkgName(r)))
	if b.parse != nil {
		out = b.parse(out)
	}
	return NormalizeVersion(out), nil
}

func (b *commandBackend) runPrivileged(ctx context.Context, argv []string) (bool, error) {
	if argv == nil {
		return false, nil
	}
	b.logger.Info("running", "cmd", strings.Join(argv, " "))
	cmd := exec.Command(argv[0], argv[1:]...)
	if err := b.exec.Run(ctx, cmd); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			b.logger.Warn("command failed", "cmd", argv[0], "status", exitErr.ExitCode())
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (b *commandBackend) Install(ctx context.Context, r *Recipe) (bool, error) {
	if b.install == nil {
		return false, nil
	}
	return b.runPrivileged(ctx, b.install(b.pkgName(r)))
}

func (b *commandBackend) Update(ctx context.Context, r *Recipe) (bool, error) {
	if b.update == nil {
		return false, nil
	}
	return b.runPrivileged(ctx, b.update(b.pkgName(r)))
}

func newAptBackend(root *Executor, logger *log.Logger) *commandBackend {
	return &commandBackend{
		name:  "apt",
		tools: []string{"dpkg-query", "apt-get"},
		query: func(pkg string) []string {
			return []string{"dpkg-query", "-W", "-f=${Version}", pkg}
		},
		avail: func(pkg string) []string {
			return []string{"apt-cache", "policy", "--", pkg}
		},
		parse:   aptCandidate,
		install: func(pkg string) []string {
			return []string{"apt-get", "install", "-y", pkg}
		},
		update: func(pkg string) []string {
			return []string{"apt-get", "install", "-y", "--only-upgrade", pkg}
		},
		lookPath: exec.LookPath,
		exec:     root,
		logger:   childLogger(logger, "apt"),
	}
}

func newDnfBackend(root *Executor, logger *log.Logger) *commandBackend {
	return &commandBackend{
		name:  "dnf",
		tools: []string{"rpm", "dnf"},
		query: func(pkg string) []string {
			return []string{"rpm", "-q", "--qf", "%{VERSION}", pkg}
		},
		avail: func(pkg string) []string {
			return []string{"dnf", "-q", "repoquery", "--qf", "%{version}", "--latest-limit=1", pkg}
		},
		install: func(pkg string) []string {
			return []string{"dnf", "install", "-y", pkg}
		},
		update: func(pkg string) []string {
			return []string{"dnf", "upgrade", "-y", pkg}
		},
		lookPath: exec.LookPath,
		exec:     root,
		logger:   childLogger(logger, "dnf"),
	}
}

// aptCandidate picks the candidate version out of apt-cache policy output.
func aptCandidate(out string) string {
	for _, line := range strings.Split(out, "\n") {
		v, ok := strings.CutPrefix(strings.TrimSpace(line), "Candidate:")
		if !ok {
			continue
		}
		if v = strings.TrimSpace(v); v != "(none)" {
			return v
		}
	}
	return ""
}

// newPkgConfigBackend can only detect packages; it never installs.
func newPkgConfigBackend(logger *log.Logger) *commandBackend {
	return &commandBackend{
		name:  "pkgconfig",
		tools: []string{"pkg-config"},
		query: func(pkg string) []string {
			return []string{"pkg-config", "--modversion", pkg}
		},
		lookPath: exec.LookPath,
		logger:   childLogger(logger, "pkgconfig"),
	}
}

// DefaultRegistry returns the built-in native backends. Installs go
// through a root executor derived from base.
func DefaultRegistry(base *Executor, logger *log.Logger) Registry {
	root := &Executor{ShouldRunAsRoot: true}
	if base != nil {
		root.Interactive = base.Interactive
		root.ApplyIdlePriority = base.ApplyIdlePriority
	}
	return Registry{
		"apt":       func() Backend { return newAptBackend(root, logger) },
		"dnf":       func() Backend { return newDnfBackend(root, logger) },
		"pkgconfig": func() Backend { return newPkgConfigBackend(logger) },
	}
}
