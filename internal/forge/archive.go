package forge

import (
	"archive/tar"
	"compress/bzip2"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/klauspost/compress/zip"
	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"
	"github.com/ulikunitz/xz"
	"golang.org/x/sys/unix"
)

var errUnsupportedArchive = errors.New("unsupported archive format")

// isArchive reports whether name has an extension extractArchive handles.
func isArchive(name string) bool {
	for _, ext := range []string{".tar", ".tar.gz", ".tgz", ".tar.bz2", ".tar.xz", ".tar.zst", ".zip"} {
		if strings.HasSuffix(name, ext) {
			return true
		}
	}
	return false
}

// extractArchive unpacks an archive into dest. When every entry lives
// below one top-level directory, that directory is stripped.
func extractArchive(path, dest string, logger *log.Logger) error {
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", dest, err)
	}
	if strings.HasSuffix(path, ".zip") {
		return unzipGo(path, dest)
	}

	// First pass: find a common top-level directory.
	var names []string
	if err := walkTar(path, func(hdr *tar.Header, _ io.Reader) error {
		names = append(names, hdr.Name)
		return nil
	}); err != nil {
		return err
	}
	prefix := commonTopDir(names)
	if prefix != "" {
		logger.Debug("stripping archive prefix", "archive", filepath.Base(path), "prefix", prefix)
	}

	return walkTar(path, func(hdr *tar.Header, r io.Reader) error {
		return extractEntry(hdr, r, dest, prefix, logger)
	})
}

// walkTar opens a possibly compressed tarball and calls fn for every
// content entry. PAX headers are skipped.
func walkTar(path string, fn func(*tar.Header, io.Reader) error) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open archive %s: %w", path, err)
	}
	defer f.Close()

	var r io.Reader = f
	switch {
	case strings.HasSuffix(path, ".tar.gz") || strings.HasSuffix(path, ".tgz"):
		gz, err := pgzip.NewReader(f)
		if err != nil {
			return fmt.Errorf("failed to create gzip reader for %s: %w", path, err)
		}
		defer gz.Close()
		r = gz
	case strings.HasSuffix(path, ".tar.bz2"):
		r = bzip2.NewReader(f)
	case strings.HasSuffix(path, ".tar.xz"):
		xr, err := xz.NewReader(f)
		if err != nil {
			return fmt.Errorf("failed to create xz reader for %s: %w", path, err)
		}
		r = xr
	case strings.HasSuffix(path, ".tar.zst"):
		zst, err := zstd.NewReader(f)
		if err != nil {
			return fmt.Errorf("failed to create zstd reader for %s: %w", path, err)
		}
		defer zst.Close()
		r = zst
	case strings.HasSuffix(path, ".tar"):
		// No compression
	default:
		return fmt.Errorf("%w: %s", errUnsupportedArchive, path)
	}

	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("error reading tar header in %s: %w", path, err)
		}
		if hdr.Typeflag == tar.TypeXHeader || hdr.Typeflag == tar.TypeXGlobalHeader {
			continue
		}
		if err := fn(hdr, tr); err != nil {
			return err
		}
	}
}

// commonTopDir returns "dir/" when all names share that first path
// element and at least one entry lies below it.
func commonTopDir(names []string) string {
	top := ""
	nested := false
	for _, n := range names {
		n = strings.TrimPrefix(n, "./")
		if n == "" {
			continue
		}
		first, rest, found := strings.Cut(n, "/")
		if top == "" {
			top = first
		} else if first != top {
			return ""
		}
		if found && rest != "" {
			nested = true
		} else if !found {
			// a plain file at the root cannot be the top directory
			return ""
		}
	}
	if top == "" || !nested {
		return ""
	}
	return top + "/"
}

// safeJoin joins name below dest and rejects paths escaping dest.
func safeJoin(dest, name string) (string, error) {
	target := filepath.Join(dest, name)
	if target != dest && !strings.HasPrefix(target, filepath.Clean(dest)+string(os.PathSeparator)) {
		return "", fmt.Errorf("illegal file path in archive: %s", name)
	}
	return target, nil
}

func extractEntry(hdr *tar.Header, r io.Reader, dest, prefix string, logger *log.Logger) error {
	name := strings.TrimPrefix(hdr.Name, "./")
	if prefix != "" {
		name = strings.TrimPrefix(name, prefix)
	}
	if name == "" {
		return nil
	}
	target, err := safeJoin(dest, name)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("failed to create parent dir for %s: %w", target, err)
	}

	switch hdr.Typeflag {
	case tar.TypeDir:
		if err := os.MkdirAll(target, os.FileMode(hdr.Mode)|0o700); err != nil {
			return fmt.Errorf("failed to create dir %s: %w", target, err)
		}
	case tar.TypeReg:
		out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode))
		if err != nil {
			return fmt.Errorf("failed to create file %s: %w", target, err)
		}
		if _, err := io.Copy(out, r); err != nil {
			out.Close()
			return fmt.Errorf("failed to write file %s: %w", target, err)
		}
		out.Close()
		if err := os.Chtimes(target, hdr.AccessTime, hdr.ModTime); err != nil {
			return fmt.Errorf("failed to set times for file %s: %w", target, err)
		}
	case tar.TypeSymlink:
		_ = os.Remove(target)
		if err := os.Symlink(hdr.Linkname, target); err != nil {
			return fmt.Errorf("failed to create symlink %s -> %s: %w", target, hdr.Linkname, err)
		}
		mtime := unix.NsecToTimeval(hdr.ModTime.UnixNano())
		if err := unix.Lutimes(target, []unix.Timeval{mtime, mtime}); err != nil {
			logger.Debug("failed to set symlink times", "path", target, "err", err)
		}
	case tar.TypeLink:
		src, err := safeJoin(dest, strings.TrimPrefix(strings.TrimPrefix(hdr.Linkname, "./"), prefix))
		if err != nil {
			return err
		}
		_ = os.Remove(target)
		if err := os.Link(src, target); err != nil {
			return fmt.Errorf("failed to create hard link %s: %w", target, err)
		}
	default:
		logger.Debug("skipping unsupported tar entry", "type", string(hdr.Typeflag), "name", hdr.Name)
	}
	return nil
}

func unzipGo(src, dest string) error {
	r, err := zip.OpenReader(src)
	if err != nil {
		return err
	}
	defer r.Close()

	dest, err = filepath.Abs(dest)
	if err != nil {
		return err
	}

	names := make([]string, 0, len(r.File))
	for _, f := range r.File {
		names = append(names, f.Name)
	}
	prefix := commonTopDir(names)

	for _, f := range r.File {
		name := strings.TrimPrefix(f.Name, prefix)
		if name == "" {
			continue
		}
		fpath, err := safeJoin(dest, name)
		if err != nil {
			return err
		}

		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(fpath, 0o755); err != nil {
				return err
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(fpath), 0o755); err != nil {
			return err
		}

		outFile, err := os.OpenFile(fpath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, f.Mode())
		if err != nil {
			return err
		}
		rc, err := f.Open()
		if err != nil {
			outFile.Close()
			return err
		}
		_, err = io.Copy(outFile, rc)

		// Close inside the loop to avoid holding too many file descriptors.
		outFile.Close()
		rc.Close()
		if err != nil {
			return err
		}
	}
	return nil
}
