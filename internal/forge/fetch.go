package forge

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/sys/unix"
	"lukechampine.com/blake3"
)

// Fetcher retrieves one source URI of a recipe into the prefix source tree.
// A false result with a nil error means the source was not usable; errors
// report transport or filesystem failures.
type Fetcher interface {
	Refetch(ctx context.Context, r *Recipe, uri string) (bool, error)
}

// Fetchers dispatches Refetch by URI scheme. Sources land in SrcDir/<id>;
// downloads are cached in CacheDir.
type Fetchers struct {
	SrcDir   string
	CacheDir string
	Runner   Runner
	Client   *http.Client
	Quiet    bool      // suppresses download progress bars
	Out      io.Writer // output of git and curl; nil inherits os.Stdout

	store    objectStore
	newStore func(ctx context.Context) (objectStore, error)
	logger   *log.Logger
}

// NewFetchers wires the fetchers for prefix. The S3 client is only
// created when an s3:// source is first used.
func NewFetchers(prefix Prefix, cfg *Config, runner Runner, logger *log.Logger) *Fetchers {
	f := &Fetchers{
		SrcDir:   prefix.SrcDir,
		CacheDir: prefix.CacheDir,
		Runner:   runner,
		Client:   newHTTPClient(),
		logger:   childLogger(logger, "fetch"),
	}
	f.newStore = func(ctx context.Context) (objectStore, error) {
		return NewS3Client(ctx, cfg, f.logger)
	}
	return f
}

func newHTTPClient() *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	// Some upstream mirrors are slow to complete the handshake.
	transport.TLSHandshakeTimeout = 30 * time.Second
	return &http.Client{
		Transport: transport,
		Timeout:   300 * time.Second,
	}
}

// Refetch implements Fetcher.
func (f *Fetchers) Refetch(ctx context.Context, r *Recipe, uri string) (bool, error) {
	if rest, ok := strings.CutPrefix(uri, "git+"); ok {
		return f.fetchGit(ctx, r, rest)
	}
	scheme, _, _ := strings.Cut(uri, "://")
	switch scheme {
	case "http", "https":
		return f.fetchDownload(ctx, r, uri, f.fillHTTP)
	case "ftp":
		return f.fetchDownload(ctx, r, uri, f.fillCurl)
	case "s3":
		return f.fetchDownload(ctx, r, uri, f.fillS3)
	case "file":
		return f.fetchFile(r, strings.TrimPrefix(uri, "file://"))
	}
	return false, fmt.Errorf("%w: %s", ErrUnsupportedScheme, uri)
}

func (f *Fetchers) sourceDir(r *Recipe) string {
	return filepath.Join(f.SrcDir, r.ID)
}

func (f *Fetchers) run(ctx context.Context, dir, command string) error {
	f.logger.Debug("running", "cmd", command, "dir", dir)
	code, err := f.Runner.RunShell(ctx, ShellCommand{Command: command, Dir: dir, Stdout: f.Out, Stderr: f.Out})
	if err != nil {
		return err
	}
	if code != 0 {
		return fmt.Errorf("%q exited with status %d", command, code)
	}
	return nil
}

// fetchGit clones url into the source dir, or updates an existing clone.
// An optional "#ref" suffix selects a branch, tag or commit.
func (f *Fetchers) fetchGit(ctx context.Context, r *Recipe, uri string) (bool, error) {
	repo, ref, _ := strings.Cut(uri, "#")
	dest := f.sourceDir(r)

	if _, err := os.Stat(filepath.Join(dest, ".git")); err == nil {
		if ref == "" {
			if err := f.run(ctx, dest, "git pull --ff-only"); err != nil {
				return false, err
			}
			return true, nil
		}
		if err := f.run(ctx, dest, "git fetch --tags origin"); err != nil {
			return false, err
		}
		if err := f.run(ctx, dest, "git checkout "+shellQuote(ref)); err != nil {
			return false, err
		}
		return true, nil
	}

	if err := os.MkdirAll(f.SrcDir, 0o755); err != nil {
		return false, fmt.Errorf("failed to create source dir: %w", err)
	}
	if err := os.RemoveAll(dest); err != nil {
		return false, fmt.Errorf("failed to clear %s: %w", dest, err)
	}
	if err := f.run(ctx, f.SrcDir, "git clone "+shellQuote(repo)+" "+shellQuote(dest)); err != nil {
		return false, err
	}
	if ref != "" {
		if err := f.run(ctx, dest, "git checkout "+shellQuote(ref)); err != nil {
			return false, err
		}
	}
	return true, nil
}

// fetchFile copies a local directory or unpacks a local archive.
func (f *Fetchers) fetchFile(r *Recipe, src string) (bool, error) {
	info, err := os.Stat(src)
	if err != nil {
		return false, err
	}
	if !info.IsDir() {
		if err := f.unpack(src, filepath.Base(src), r); err != nil {
			return false, err
		}
		return true, nil
	}
	dest := f.sourceDir(r)
	if err := os.RemoveAll(dest); err != nil {
		return false, fmt.Errorf("failed to clear %s: %w", dest, err)
	}
	if err := copyDir(src, dest); err != nil {
		return false, fmt.Errorf("failed to copy %s: %w", src, err)
	}
	return true, nil
}

// fillFunc writes the content of uri into dst.
type fillFunc func(ctx context.Context, uri string, dst *os.File, progress io.Writer) error

func (f *Fetchers) fetchDownload(ctx context.Context, r *Recipe, uri string, fill fillFunc) (bool, error) {
	base := remoteBaseName(uri)
	cached, err := f.download(ctx, uri, r.Version, base, fill)
	if err != nil {
		return false, err
	}
	if err := f.unpack(cached, base, r); err != nil {
		return false, err
	}
	return true, nil
}

// unpack replaces the source dir with the content of file. Archives are
// extracted; anything else is copied in under name.
func (f *Fetchers) unpack(file, name string, r *Recipe) error {
	dest := f.sourceDir(r)
	if err := os.RemoveAll(dest); err != nil {
		return fmt.Errorf("failed to clear %s: %w", dest, err)
	}
	if isArchive(name) {
		return extractArchive(file, dest, f.logger)
	}
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return err
	}
	return copyFile(file, filepath.Join(dest, name))
}

// cachePath names the cache entry for uri at version.
func (f *Fetchers) cachePath(uri, version, base string) string {
	return filepath.Join(f.CacheDir, hashString(uri + "\x00" + version)[:16] + "-" + base)
}

// download fills the cache entry for uri unless it already exists. An
// exclusive flock on "<entry>.lock" serializes concurrent downloads of the
// same entry.
func (f *Fetchers) download(ctx context.Context, uri, version, base string, fill fillFunc) (string, error) {
	if err := os.MkdirAll(f.CacheDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create cache directory %s: %w", f.CacheDir, err)
	}
	absPath := f.cachePath(uri, version, base)
	lockPath := absPath + ".lock"

	lFile, err := os.Create(lockPath)
	if err != nil {
		return "", fmt.Errorf("failed to create lock file: %w", err)
	}
	defer lFile.Close()
	if err := unix.Flock(int(lFile.Fd()), unix.LOCK_EX); err != nil {
		return "", fmt.Errorf("failed to acquire lock for download: %w", err)
	}
	defer unix.Flock(int(lFile.Fd()), unix.LOCK_UN)

	// Another process may have finished the download while we waited.
	if _, err := os.Stat(absPath); err == nil {
		f.logger.Debug("using cached download", "path", absPath)
		_ = os.Remove(lockPath)
		return absPath, nil
	}

	partPath := absPath + ".part"
	out, err := os.Create(partPath)
	if err != nil {
		return "", fmt.Errorf("failed to create destination file %s: %w", partPath, err)
	}
	f.logger.Debug("downloading", "url", uri, "dest", absPath)

	var progress io.Writer = io.Discard
	if !f.Quiet {
		bar := progressbar.DefaultBytes(-1, base)
		defer bar.Close()
		progress = bar
	}

	if err := fill(ctx, uri, out, progress); err != nil {
		out.Close()
		_ = os.Remove(partPath)
		return "", err
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(partPath)
		return "", err
	}
	if err := os.Rename(partPath, absPath); err != nil {
		return "", err
	}
	_ = os.Remove(lockPath)
	return absPath, nil
}

func (f *Fetchers) fillHTTP(ctx context.Context, uri string, dst *os.File, progress io.Writer) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return err
	}
	resp, err := f.Client.Do(req)
	if err != nil {
		return fmt.Errorf("http get failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download failed with status: %s", resp.Status)
	}
	if bar, ok := progress.(*progressbar.ProgressBar); ok && resp.ContentLength > 0 {
		bar.ChangeMax64(resp.ContentLength)
	}
	if _, err := io.Copy(io.MultiWriter(dst, progress), resp.Body); err != nil {
		return fmt.Errorf("failed to write to destination file: %w", err)
	}
	return nil
}

// fillCurl hands ftp:// downloads to curl.
func (f *Fetchers) fillCurl(ctx context.Context, uri string, dst *os.File, _ io.Writer) error {
	flag := "-#"
	if f.Quiet {
		flag = "-sS"
	}
	return f.run(ctx, "", fmt.Sprintf("curl -L --fail %s -o %s %s", flag, shellQuote(dst.Name()), shellQuote(uri)))
}

func (f *Fetchers) fillS3(ctx context.Context, uri string, dst *os.File, progress io.Writer) error {
	bucket, key, err := parseS3URI(uri)
	if err != nil {
		return err
	}
	if f.store == nil {
		if f.newStore == nil {
			return errors.New("no s3 client configured")
		}
		if f.store, err = f.newStore(ctx); err != nil {
			return err
		}
	}
	body, size, err := f.store.Open(ctx, bucket, key)
	if err != nil {
		return err
	}
	defer body.Close()

	if bar, ok := progress.(*progressbar.ProgressBar); ok && size > 0 {
		bar.ChangeMax64(size)
	}
	if _, err := io.Copy(io.MultiWriter(dst, progress), body); err != nil {
		return fmt.Errorf("failed to write to destination file: %w", err)
	}
	return nil
}

// remoteBaseName returns the last path element of uri, or "source".
func remoteBaseName(uri string) string {
	p := uri
	if u, err := url.Parse(uri); err == nil {
		p = u.Path
	}
	base := path.Base(p)
	if base == "." || base == "/" || base == "" {
		return "source"
	}
	return base
}

// hashString returns the hex BLAKE3-256 digest of s.
func hashString(s string) string {
	sum := blake3.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// shellQuote quotes s for /bin/sh.
func shellQuote(s string) string {
	if s != "" && strings.IndexFunc(s, func(r rune) bool {
		return !(r == '/' || r == '.' || r == '-' || r == '_' || r == ':' || r == '@' || r == '+' || r == '=' ||
			(r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9'))
	}) < 0 {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
