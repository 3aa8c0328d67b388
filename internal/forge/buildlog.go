package forge

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/ulikunitz/xz"
)

// buildLog collects the output of one install attempt in a plain file and
// compresses it to <pkg>.log.xz on Close.
type buildLog struct {
	dir  string
	pkg  string
	file *os.File
}

func openBuildLog(dir, pkg string) (*buildLog, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log dir %s: %w", dir, err)
	}
	f, err := os.Create(filepath.Join(dir, pkg+".log"))
	if err != nil {
		return nil, fmt.Errorf("failed to create build log: %w", err)
	}
	return &buildLog{dir: dir, pkg: pkg, file: f}, nil
}

func (l *buildLog) Write(b []byte) (int, error) {
	return l.file.Write(b)
}

// Section writes a header line separating stages in the log.
func (l *buildLog) Section(format string, a ...any) {
	fmt.Fprintf(l.file, "\n==> "+format+"\n", a...)
}

// Close compresses the raw log and removes it.
func (l *buildLog) Close() error {
	rawPath := l.file.Name()
	if err := l.file.Close(); err != nil {
		return err
	}
	if err := compressXZ(rawPath, buildLogPath(l.dir, l.pkg)); err != nil {
		return err
	}
	return os.Remove(rawPath)
}

func buildLogPath(dir, pkg string) string {
	return filepath.Join(dir, pkg+".log.xz")
}

// compressXZ writes an xz-compressed copy of srcPath to destPath.
func compressXZ(srcPath, destPath string) error {
	in, err := os.Open(srcPath)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(destPath)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", destPath, err)
	}
	bw := bufio.NewWriter(out)
	xw, err := xz.NewWriter(bw)
	if err != nil {
		out.Close()
		return fmt.Errorf("failed to create xz writer: %w", err)
	}
	if _, err := io.Copy(xw, in); err != nil {
		out.Close()
		return fmt.Errorf("failed to compress log: %w", err)
	}
	if err := xw.Close(); err != nil {
		out.Close()
		return err
	}
	if err := bw.Flush(); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// ReadBuildLog returns the decompressed build log of pkg stored in dir.
func ReadBuildLog(dir, pkg string) ([]byte, error) {
	f, err := os.Open(buildLogPath(dir, pkg))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	xr, err := xz.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("failed to create xz reader: %w", err)
	}
	return io.ReadAll(xr)
}
