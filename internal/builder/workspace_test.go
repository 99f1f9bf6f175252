package builder

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const helloPatch = `--- a/hello.txt
+++ b/hello.txt
@@ -1,2 +1,2 @@
-hello
+goodbye
 world
`

func requireTools(t *testing.T, tools ...string) {
	t.Helper()
	for _, tool := range tools {
		if _, err := exec.LookPath(tool); err != nil {
			t.Skipf("%s not installed", tool)
		}
	}
}

func newTestWorkspace(t *testing.T) *Workspace {
	t.Helper()
	root := t.TempDir()
	sourceDir := filepath.Join(root, "hello-src")
	toolingDir := filepath.Join(root, "oss-fuzz")
	require.NoError(t, os.MkdirAll(sourceDir, 0755))
	require.NoError(t, os.MkdirAll(toolingDir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(sourceDir, "hello.txt"),
		[]byte("hello\nworld\n"), 0644))

	ws, err := NewWorkspace("hello", sourceDir, toolingDir,
		filepath.Join(root, "workdir"), false)
	require.NoError(t, err)
	return ws
}

func TestSourcePathIsImmutableCopy(t *testing.T) {
	requireTools(t, "cp")
	ws := newTestWorkspace(t)
	ctx := context.Background()

	source, err := ws.SourcePath(ctx)
	require.NoError(t, err)
	assert.True(t, dirExists(source))
	assert.True(t, fileExists(filepath.Join(source, "hello.txt")))
	assert.Contains(t, source, "immutable")

	// Mutating the original after the copy does not leak into the copy.
	require.NoError(t, os.WriteFile(filepath.Join(ws.orgSourcePath, "hello.txt"),
		[]byte("mutated\n"), 0644))
	data, err := os.ReadFile(filepath.Join(source, "hello.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello\nworld\n", string(data))

	// Repeated calls return the cached copy.
	again, err := ws.SourcePath(ctx)
	require.NoError(t, err)
	assert.Equal(t, source, again)
}

func TestCheckPatch(t *testing.T) {
	requireTools(t, "cp", "git")
	ws := newTestWorkspace(t)
	ctx := context.Background()

	assert.NoError(t, ws.CheckPatch(ctx, helloPatch))
}

func TestCheckPatch_Rejected(t *testing.T) {
	requireTools(t, "cp", "git")
	ws := newTestWorkspace(t)
	ctx := context.Background()

	bad := `--- a/missing.txt
+++ b/missing.txt
@@ -1 +1 @@
-nothing
+something
`
	err := ws.CheckPatch(ctx, bad)
	require.Error(t, err)
	var applyErr *PatchApplyError
	assert.True(t, errors.As(err, &applyErr))
}

func TestCheckPatch_ResetsBetweenAttempts(t *testing.T) {
	requireTools(t, "cp", "git")
	ws := newTestWorkspace(t)
	ctx := context.Background()

	// The same patch checks cleanly twice only if the scratch tree is
	// restored in between. An applied leftover would make the second
	// attempt fail as already-applied.
	require.NoError(t, ws.CheckPatch(ctx, helloPatch))
	require.NoError(t, ws.CheckPatch(ctx, helloPatch))
}

func TestFormatPatch(t *testing.T) {
	requireTools(t, "cp", "git", "patch")
	ws := newTestWorkspace(t)
	ctx := context.Background()

	diff, err := ws.FormatPatch(ctx, helloPatch)
	require.NoError(t, err)
	assert.Contains(t, diff, "-hello")
	assert.Contains(t, diff, "+goodbye")
	assert.Contains(t, diff, "hello.txt")
}

func TestFormatPatch_Unappliable(t *testing.T) {
	requireTools(t, "cp", "git", "patch")
	ws := newTestWorkspace(t)
	ctx := context.Background()

	diff, err := ws.FormatPatch(ctx, "this is not a patch at all")
	require.NoError(t, err)
	assert.Equal(t, "", diff)
}
