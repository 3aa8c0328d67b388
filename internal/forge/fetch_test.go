package forge

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/klauspost/pgzip"
	"github.com/stretchr/testify/require"
)

func newTestFetchers(t *testing.T, runner Runner) *Fetchers {
	t.Helper()
	root := t.TempDir()
	f := NewFetchers(Prefix{
		SrcDir:   filepath.Join(root, "src"),
		CacheDir: filepath.Join(root, "cache"),
	}, NewConfig(), runner, quietLogger(t))
	f.Quiet = true
	f.Out = io.Discard
	return f
}

func sampleTarGz(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := pgzip.NewWriter(&buf)
	writeTar(t, zw, sampleTree)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func TestFetchHTTPCachesDownload(t *testing.T) {
	data := sampleTarGz(t)
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/pkg-1.0.tar.gz" {
			http.NotFound(w, r)
			return
		}
		hits.Add(1)
		w.Write(data)
	}))
	defer srv.Close()

	f := newTestFetchers(t, &fakeRunner{})
	r := &Recipe{ID: "pkg", Version: "1.0"}
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		ok, err := f.Refetch(ctx, r, srv.URL+"/pkg-1.0.tar.gz")
		require.NoError(t, err)
		require.True(t, ok)
	}
	require.EqualValues(t, 1, hits.Load())

	body, err := os.ReadFile(filepath.Join(f.SrcDir, "pkg", "src", "main.c"))
	require.NoError(t, err)
	require.Equal(t, "int main(){}", string(body))

	// a different version is a different cache entry
	r.Version = "1.1"
	_, err = f.Refetch(ctx, r, srv.URL+"/pkg-1.0.tar.gz")
	require.NoError(t, err)
	require.EqualValues(t, 2, hits.Load())

	entries, err := os.ReadDir(f.CacheDir)
	require.NoError(t, err)
	require.Len(t, entries, 2, "no lock or partial files left behind")
}

func TestFetchHTTPErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	f := newTestFetchers(t, &fakeRunner{})
	ok, err := f.Refetch(context.Background(), &Recipe{ID: "pkg"}, srv.URL+"/missing.tar.gz")
	require.Error(t, err)
	require.False(t, ok)

	matches, _ := filepath.Glob(filepath.Join(f.CacheDir, "*.part"))
	require.Empty(t, matches)
}

func TestFetchPlainFileIsCopied(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("#!/bin/sh\n"))
	}))
	defer srv.Close()

	f := newTestFetchers(t, &fakeRunner{})
	ok, err := f.Refetch(context.Background(), &Recipe{ID: "tool"}, srv.URL+"/dl/install.sh?token=x")
	require.NoError(t, err)
	require.True(t, ok)
	require.FileExists(t, filepath.Join(f.SrcDir, "tool", "install.sh"))
}

type fakeStore struct {
	objects map[string][]byte
}

func (s fakeStore) Open(_ context.Context, bucket, key string) (io.ReadCloser, int64, error) {
	data, ok := s.objects[bucket+"/"+key]
	if !ok {
		return nil, 0, os.ErrNotExist
	}
	return io.NopCloser(bytes.NewReader(data)), int64(len(data)), nil
}

func TestFetchS3(t *testing.T) {
	f := newTestFetchers(t, &fakeRunner{})
	f.store = fakeStore{objects: map[string][]byte{
		"mirror/sources/pkg-1.0.tar.gz": sampleTarGz(t),
	}}
	r := &Recipe{ID: "pkg", Version: "1.0"}

	ok, err := f.Refetch(context.Background(), r, "s3://mirror/sources/pkg-1.0.tar.gz")
	require.NoError(t, err)
	require.True(t, ok)
	require.FileExists(t, filepath.Join(f.SrcDir, "pkg", "CMakeLists.txt"))

	_, err = f.Refetch(context.Background(), r, "s3://mirror/sources/nope.tar.gz")
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestFetchGit(t *testing.T) {
	runner := &fakeRunner{}
	f := newTestFetchers(t, runner)
	r := &Recipe{ID: "repo"}
	dest := filepath.Join(f.SrcDir, "repo")
	ctx := context.Background()

	ok, err := f.Refetch(ctx, r, "git+https://example.org/repo.git#v1.0")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []string{
		"git clone https://example.org/repo.git " + dest,
		"git checkout v1.0",
	}, runner.commands())
	require.Equal(t, f.SrcDir, runner.calls[0].Dir)
	require.Equal(t, dest, runner.calls[1].Dir)

	// an existing clone is updated in place
	require.NoError(t, os.MkdirAll(filepath.Join(dest, ".git"), 0o755))
	runner.calls = nil
	_, err = f.Refetch(ctx, r, "git+https://example.org/repo.git")
	require.NoError(t, err)
	require.Equal(t, []string{"git pull --ff-only"}, runner.commands())

	runner.calls = nil
	_, err = f.Refetch(ctx, r, "git+https://example.org/repo.git#main")
	require.NoError(t, err)
	require.Equal(t, []string{"git fetch --tags origin", "git checkout main"}, runner.commands())

	runner.script = func(int, ShellCommand) int { return 128 }
	ok, err = f.Refetch(ctx, r, "git+https://example.org/repo.git")
	require.Error(t, err)
	require.False(t, ok)
}

func TestFetchFTPUsesCurl(t *testing.T) {
	runner := &fakeRunner{}
	f := newTestFetchers(t, runner)

	// curl never writes the file here, so unpacking the empty download fails
	_, err := f.Refetch(context.Background(), &Recipe{ID: "pkg"}, "ftp://ftp.example.org/pub/pkg-1.0.tar.gz")
	require.Error(t, err)
	cmds := runner.commands()
	require.Len(t, cmds, 1)
	require.Contains(t, cmds[0], "curl -L --fail -sS -o ")
	require.Contains(t, cmds[0], "ftp://ftp.example.org/pub/pkg-1.0.tar.gz")
}

func TestFetchFile(t *testing.T) {
	f := newTestFetchers(t, &fakeRunner{})
	ctx := context.Background()

	srcTree := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(srcTree, "configure"), []byte("#!/bin/sh"), 0o755))

	ok, err := f.Refetch(ctx, &Recipe{ID: "local"}, "file://"+srcTree)
	require.NoError(t, err)
	require.True(t, ok)
	require.FileExists(t, filepath.Join(f.SrcDir, "local", "configure"))

	archive := filepath.Join(t.TempDir(), "pkg-1.0.tar.gz")
	require.NoError(t, os.WriteFile(archive, sampleTarGz(t), 0o644))
	ok, err = f.Refetch(ctx, &Recipe{ID: "pkg"}, "file://"+archive)
	require.NoError(t, err)
	require.True(t, ok)
	require.FileExists(t, filepath.Join(f.SrcDir, "pkg", "src", "main.c"))

	_, err = f.Refetch(ctx, &Recipe{ID: "gone"}, "file:///nonexistent/forge-src")
	require.Error(t, err)
}

func TestFetchUnsupportedScheme(t *testing.T) {
	f := newTestFetchers(t, &fakeRunner{})
	ok, err := f.Refetch(context.Background(), &Recipe{ID: "pkg"}, "svn://example.org/trunk")
	require.ErrorIs(t, err, ErrUnsupportedScheme)
	require.False(t, ok)
}

func TestRemoteBaseName(t *testing.T) {
	cases := []struct{ uri, want string }{
		{"https://example.org/a/b/pkg-1.0.tar.gz", "pkg-1.0.tar.gz"},
		{"https://example.org/dl/x.zip?mirror=eu", "x.zip"},
		{"https://example.org/", "source"},
		{"s3://bucket/dir/archive.tar.xz", "archive.tar.xz"},
		{"ftp://ftp.gnu.org/gnu/make/make-4.4.tar.gz", "make-4.4.tar.gz"},
	}
	for _, c := range cases {
		require.Equal(t, c.want, remoteBaseName(c.uri), c.uri)
	}
}

func TestShellQuote(t *testing.T) {
	require.Equal(t, "/usr/src/pkg-1.0", shellQuote("/usr/src/pkg-1.0"))
	require.Equal(t, "''", shellQuote(""))
	require.Equal(t, "'a b'", shellQuote("a b"))
	require.Equal(t, `'it'\''s'`, shellQuote("it's"))
	require.Equal(t, "'$(rm -rf /)'", shellQuote("$(rm -rf /)"))
}

func TestParseS3URI(t *testing.T) {
	bucket, key, err := parseS3URI("s3://mirror/sources/pkg.tar.gz")
	require.NoError(t, err)
	require.Equal(t, "mirror", bucket)
	require.Equal(t, "sources/pkg.tar.gz", key)

	_, _, err = parseS3URI("s3://mirror")
	require.Error(t, err)
	_, _, err = parseS3URI("https://mirror/key")
	require.ErrorIs(t, err, ErrUnsupportedScheme)
}

func TestHashStringIsStable(t *testing.T) {
	require.Len(t, hashString("x"), 64)
	require.Equal(t, hashString("a"), hashString("a"))
	require.NotEqual(t, hashString("a"), hashString("b"))
}
