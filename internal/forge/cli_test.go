package forge

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

// cliEnv isolates the CLI from the host: no implicit config files, no
// native packagers and a fresh prefix with one recipe.
func cliEnv(t *testing.T) (prefix, recipes string) {
	t.Helper()
	root := t.TempDir()
	t.Setenv("HOME", root)
	chdir(t, root)
	t.Setenv("FORGE_PACKAGERS", "")
	t.Setenv("FORGE_SATISFY_ORDER", "src")
	t.Setenv("FORGE_MAKEWIDTH", "3")

	prefix = filepath.Join(root, "prefix")
	recipes = filepath.Join(root, "recipes")
	require.NoError(t, os.MkdirAll(recipes, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(recipes, "zlib.yml"), []byte(`
source: https://zlib.net/zlib-1.3.tar.gz
version: "1.3"
configure: cmake .. -DCMAKE_INSTALL_PREFIX=$prefix
`), 0o644))
	return prefix, recipes
}

func runCLI(t *testing.T, prefix, recipes string, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"-p", prefix, "-r", recipes}, args...))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestCLIInventory(t *testing.T) {
	prefix, recipes := cliEnv(t)

	_, err := runCLI(t, prefix, recipes, "inventory", "set", "zlib", "made")
	require.NoError(t, err)
	_, err = runCLI(t, prefix, recipes, "inventory", "set", "curl", "installed", "8.5.0")
	require.NoError(t, err)

	out, err := runCLI(t, prefix, recipes, "inventory", "list")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2)
	require.Equal(t, []string{"curl", "installed", "8.5.0"}, strings.Fields(lines[0]))
	require.Equal(t, []string{"zlib", "made"}, strings.Fields(lines[1]))

	_, err = runCLI(t, prefix, recipes, "inventory", "set", "zlib", "unpacked")
	require.ErrorIs(t, err, ErrInvalidState)

	_, err = runCLI(t, prefix, recipes, "inventory", "set", "zlib", "installed", "1.x")
	require.ErrorIs(t, err, ErrMalformedVersion)

	_, err = runCLI(t, prefix, recipes, "inventory", "rm", "curl")
	require.NoError(t, err)
	out, err = runCLI(t, prefix, recipes, "inventory", "ls")
	require.NoError(t, err)
	require.NotContains(t, out, "curl")
}

func TestCLIInventoryStates(t *testing.T) {
	prefix, recipes := cliEnv(t)
	out, err := runCLI(t, prefix, recipes, "inventory", "states")
	require.NoError(t, err)
	for _, s := range ValidStates() {
		require.Contains(t, out, string(s))
	}
}

func TestCLIQueries(t *testing.T) {
	prefix, recipes := cliEnv(t)

	out, err := runCLI(t, prefix, recipes, "exists", "zlib")
	require.NoError(t, err)
	require.Equal(t, "zlib: 0.0\n", out)

	out, err = runCLI(t, prefix, recipes, "exists", "--version", "1.0", "zlib")
	require.ErrorIs(t, err, errUnsatisfied)
	require.Equal(t, "zlib: no\n", out)

	out, err = runCLI(t, prefix, recipes, "installed", "zlib")
	require.ErrorIs(t, err, errUnsatisfied)
	require.Equal(t, "zlib: no\n", out)

	_, err = runCLI(t, prefix, recipes, "inventory", "set", "zlib", "installed", "1.3")
	require.NoError(t, err)
	out, err = runCLI(t, prefix, recipes, "installed", "--version", "1.2", "zlib")
	require.NoError(t, err)
	require.Equal(t, "zlib: 1.3\n", out)

	_, err = runCLI(t, prefix, recipes, "exists", "nosuch")
	require.ErrorIs(t, err, ErrRecipeNotFound)
}

func TestCLIRender(t *testing.T) {
	prefix, recipes := cliEnv(t)

	out, err := runCLI(t, prefix, recipes, "render", "zlib", "make")
	require.NoError(t, err)
	require.Equal(t, "make -j3\n", out)

	out, err = runCLI(t, prefix, recipes, "render", "zlib", "configure")
	require.NoError(t, err)
	require.Equal(t, "cmake .. -DCMAKE_INSTALL_PREFIX="+prefix+"\n", out)

	_, err = runCLI(t, prefix, recipes, "render", "zlib", "bake")
	require.Error(t, err)
}

func TestCLIConfig(t *testing.T) {
	prefix, recipes := cliEnv(t)

	out, err := runCLI(t, prefix, recipes, "config", "get", "makewidth")
	require.NoError(t, err)
	require.Equal(t, "3\n", out)

	out, err = runCLI(t, prefix, recipes, "config", "show")
	require.NoError(t, err)
	require.Contains(t, out, "[overrides]")
	require.Contains(t, out, "[defaults]")
	require.Less(t, strings.Index(out, "[overrides]"), strings.Index(out, "[defaults]"))
}

func TestCLIMissingConfigFile(t *testing.T) {
	prefix, recipes := cliEnv(t)
	_, err := runCLI(t, prefix, recipes, "-c", filepath.Join(t.TempDir(), "none.yml"), "config", "get", "prefix")
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestCLILogMissing(t *testing.T) {
	prefix, recipes := cliEnv(t)
	_, err := runCLI(t, prefix, recipes, "log", "zlib")
	require.ErrorIs(t, err, os.ErrNotExist)
}
