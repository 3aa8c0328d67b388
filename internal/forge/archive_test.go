package forge

import (
	"archive/tar"
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/zip"
	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"
	"github.com/stretchr/testify/require"
	"github.com/ulikunitz/xz"
)

type tarEntry struct {
	name string
	body string
	dir  bool
	link string
}

func writeTar(t *testing.T, w io.Writer, entries []tarEntry) {
	t.Helper()
	tw := tar.NewWriter(w)
	for _, e := range entries {
		hdr := &tar.Header{Name: e.name, Mode: 0o644, Size: int64(len(e.body)), Typeflag: tar.TypeReg}
		switch {
		case e.dir:
			hdr.Typeflag, hdr.Mode, hdr.Size = tar.TypeDir, 0o755, 0
		case e.link != "":
			hdr.Typeflag, hdr.Linkname, hdr.Size = tar.TypeSymlink, e.link, 0
		}
		require.NoError(t, tw.WriteHeader(hdr))
		if hdr.Typeflag == tar.TypeReg {
			_, err := tw.Write([]byte(e.body))
			require.NoError(t, err)
		}
	}
	require.NoError(t, tw.Close())
}

var sampleTree = []tarEntry{
	{name: "pkg-1.0/", dir: true},
	{name: "pkg-1.0/CMakeLists.txt", body: "project(pkg)"},
	{name: "pkg-1.0/src/", dir: true},
	{name: "pkg-1.0/src/main.c", body: "int main(){}"},
	{name: "pkg-1.0/latest", link: "src/main.c"},
}

func TestExtractArchiveFormats(t *testing.T) {
	compressors := map[string]func(io.Writer) io.WriteCloser{
		".tar": func(w io.Writer) io.WriteCloser { return nopCloser{w} },
		".tar.gz": func(w io.Writer) io.WriteCloser {
			return pgzip.NewWriter(w)
		},
		".tar.xz": func(w io.Writer) io.WriteCloser {
			xw, err := xz.NewWriter(w)
			require.NoError(t, err)
			return xw
		},
		".tar.zst": func(w io.Writer) io.WriteCloser {
			zw, err := zstd.NewWriter(w)
			require.NoError(t, err)
			return zw
		},
	}

	for ext, compress := range compressors {
		t.Run(ext, func(t *testing.T) {
			dir := t.TempDir()
			archive := filepath.Join(dir, "pkg-1.0"+ext)
			var buf bytes.Buffer
			cw := compress(&buf)
			writeTar(t, cw, sampleTree)
			require.NoError(t, cw.Close())
			require.NoError(t, os.WriteFile(archive, buf.Bytes(), 0o644))

			dest := filepath.Join(dir, "out")
			require.NoError(t, extractArchive(archive, dest, quietLogger(t)))

			data, err := os.ReadFile(filepath.Join(dest, "src", "main.c"))
			require.NoError(t, err)
			require.Equal(t, "int main(){}", string(data))
			target, err := os.Readlink(filepath.Join(dest, "latest"))
			require.NoError(t, err)
			require.Equal(t, "src/main.c", target)
			require.NoDirExists(t, filepath.Join(dest, "pkg-1.0"))
		})
	}
}

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }

func TestExtractArchiveKeepsMixedRoot(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "flat.tar")
	f, err := os.Create(archive)
	require.NoError(t, err)
	writeTar(t, f, []tarEntry{
		{name: "a/x.txt", body: "x"},
		{name: "README", body: "r"},
	})
	require.NoError(t, f.Close())

	dest := filepath.Join(dir, "out")
	require.NoError(t, extractArchive(archive, dest, quietLogger(t)))
	require.FileExists(t, filepath.Join(dest, "a", "x.txt"))
	require.FileExists(t, filepath.Join(dest, "README"))
}

func TestExtractArchiveRejectsTraversal(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "evil.tar")
	f, err := os.Create(archive)
	require.NoError(t, err)
	writeTar(t, f, []tarEntry{
		{name: "ok.txt", body: "fine"},
		{name: "../escape.txt", body: "bad"},
	})
	require.NoError(t, f.Close())

	err = extractArchive(archive, filepath.Join(dir, "out"), quietLogger(t))
	require.Error(t, err)
	require.NoFileExists(t, filepath.Join(dir, "escape.txt"))
}

func TestExtractZip(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "pkg.zip")
	f, err := os.Create(archive)
	require.NoError(t, err)
	zw := zip.NewWriter(f)
	for name, body := range map[string]string{"pkg/a.txt": "a", "pkg/sub/b.txt": "b"} {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(body))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())

	dest := filepath.Join(dir, "out")
	require.NoError(t, extractArchive(archive, dest, quietLogger(t)))
	data, err := os.ReadFile(filepath.Join(dest, "sub", "b.txt"))
	require.NoError(t, err)
	require.Equal(t, "b", string(data))
}

func TestExtractArchiveUnsupported(t *testing.T) {
	path := filepath.Join(t.TempDir(), "thing.rar")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
	require.ErrorIs(t, extractArchive(path, t.TempDir(), quietLogger(t)), errUnsupportedArchive)
}

func TestCommonTopDir(t *testing.T) {
	require.Equal(t, "pkg/", commonTopDir([]string{"pkg/", "pkg/a", "./pkg/b/c"}))
	require.Equal(t, "", commonTopDir([]string{"pkg/a", "other/b"}))
	require.Equal(t, "", commonTopDir([]string{"pkg/"}))
	require.Equal(t, "", commonTopDir([]string{"file"}))
	require.Equal(t, "", commonTopDir(nil))
}
