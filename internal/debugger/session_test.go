package debugger

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStripEcho(t *testing.T) {
	out := stripEcho("bt\r\n#0 main () at main.c:10\r\n", "bt")
	assert.Equal(t, "#0 main () at main.c:10", out)

	// No echo present, output passes through.
	out = stripEcho("#0 main () at main.c:10", "bt")
	assert.Equal(t, "#0 main () at main.c:10", out)

	assert.Equal(t, "", stripEcho("print x\n", "print x"))
}

func TestBackendGDBCommands(t *testing.T) {
	gdb := backends["gdb"]

	argv := gdb.argv("/work/out/fuzzer")
	assert.Equal(t, "-q", argv[0])
	assert.Contains(t, argv, "set confirm off")
	assert.Contains(t, argv, "set env "+sanitizerEnv)
	assert.Equal(t, "/work/out/fuzzer", argv[len(argv)-1])

	assert.Equal(t, "set args /work/poc.bin", gdb.setArgs([]string{"/work/poc.bin"}))
	assert.Equal(t, "set substitute-path /src/png /work/png",
		gdb.sourceMap("/src/png", "/work/png"))
	assert.True(t, gdb.prompt.MatchString("some output\n(gdb) "))
	assert.False(t, gdb.prompt.MatchString("(gdb) in the middle\nmore"))
}

func TestBackendLLDBCommands(t *testing.T) {
	lldb := backends["lldb"]

	argv := lldb.argv("/work/out/fuzzer")
	assert.Equal(t, "-X", argv[0])
	assert.Contains(t, argv, "settings set target.env-vars "+sanitizerEnv)

	assert.Equal(t, "settings set target.run-args a b", lldb.setArgs([]string{"a", "b"}))
	assert.Equal(t, "settings set target.source-map /src/png /work/png",
		lldb.sourceMap("/src/png", "/work/png"))
	assert.True(t, lldb.prompt.MatchString("(lldb) "))
}

func TestDetectBackend(t *testing.T) {
	be, path, err := detectBackend(func(name string) (string, error) {
		if name == "gdb" {
			return "/usr/bin/gdb", nil
		}
		return "", fmt.Errorf("not found")
	})
	require.NoError(t, err)
	assert.Equal(t, "gdb", be.name)
	assert.Equal(t, "/usr/bin/gdb", path)

	// gdb missing falls through to lldb.
	be, _, err = detectBackend(func(name string) (string, error) {
		if name == "lldb" {
			return "/usr/bin/lldb", nil
		}
		return "", fmt.Errorf("not found")
	})
	require.NoError(t, err)
	assert.Equal(t, "lldb", be.name)

	_, _, err = detectBackend(func(string) (string, error) {
		return "", fmt.Errorf("not found")
	})
	assert.Error(t, err)
}

func TestStart_NoDebuggerInstalled(t *testing.T) {
	s := New(t.TempDir())
	s.lookPath = func(string) (string, error) { return "", fmt.Errorf("not found") }

	_, err := s.Start("/bin/true", nil, "")
	assert.Error(t, err)
	assert.Equal(t, StateUnstarted, s.State())
}

func TestStart_UnknownBackend(t *testing.T) {
	s := New(t.TempDir())

	_, err := s.Start("/bin/true", nil, "windbg")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown debugger")
}

func TestRunCommand_NotRunning(t *testing.T) {
	s := New(t.TempDir())
	out := s.RunCommand("bt")
	assert.Contains(t, out, "not running")

	out = s.SetSourceMap("/src/a", "/local/a")
	assert.Contains(t, out, "not running")
}

// writeFakeDebugger creates a shell script that speaks the gdb prompt
// protocol: it answers every input line and re-prints the prompt.
func writeFakeDebugger(t *testing.T) string {
	t.Helper()
	script := `#!/bin/sh
echo "fake debugger ready"
printf '(gdb) '
while read line; do
  echo "you said: $line"
  printf '(gdb) '
done
`
	path := filepath.Join(t.TempDir(), "gdb")
	require.NoError(t, os.WriteFile(path, []byte(script), 0755))
	return path
}

func newFakeSession(t *testing.T) *Session {
	t.Helper()
	if runtime.GOOS != "linux" && runtime.GOOS != "darwin" {
		t.Skip("pty sessions require a unix host")
	}
	fake := writeFakeDebugger(t)
	s := New(t.TempDir())
	s.lookPath = func(name string) (string, error) {
		if name == "gdb" {
			return fake, nil
		}
		return "", fmt.Errorf("not found")
	}
	return s
}

func TestSession_PromptProtocol(t *testing.T) {
	s := newFakeSession(t)
	defer s.Stop()

	msg, err := s.Start("/bin/true", []string{"/work/poc.bin"}, "gdb")
	require.NoError(t, err)
	assert.Equal(t, StateRunning, s.State())
	assert.Equal(t, "gdb", s.Backend())
	assert.Contains(t, msg, "Debugger started successfully.")
	assert.Contains(t, msg, "fake debugger ready")
	// Run arguments were forwarded through the backend vocabulary.
	assert.Contains(t, msg, "set args /work/poc.bin")

	out := s.RunCommand("bt")
	assert.Equal(t, "you said: bt", out)

	out = s.SetSourceMap("/src/png", "/work/png")
	assert.Contains(t, out, "set substitute-path /src/png /work/png")
}

func TestSession_QuitSynonymsEndSession(t *testing.T) {
	for _, quit := range []string{"q", "quit", "exit", "QUIT"} {
		s := newFakeSession(t)

		_, err := s.Start("/bin/true", nil, "gdb")
		require.NoError(t, err)

		out := s.RunCommand(quit)
		assert.Equal(t, "Debugger session ended.", out)
		assert.Equal(t, StateStopped, s.State())

		// Further commands on the dead session degrade to a message.
		out = s.RunCommand("bt")
		assert.Contains(t, out, "not running")
	}
}

func TestSession_StopIsIdempotent(t *testing.T) {
	s := newFakeSession(t)

	_, err := s.Start("/bin/true", nil, "gdb")
	require.NoError(t, err)

	s.Stop()
	assert.Equal(t, StateStopped, s.State())
	s.Stop()
	s.Stop()
	assert.Equal(t, StateStopped, s.State())
}

func TestSession_RestartTearsDownOldChild(t *testing.T) {
	s := newFakeSession(t)
	defer s.Stop()

	_, err := s.Start("/bin/true", nil, "gdb")
	require.NoError(t, err)
	_, err = s.Start("/bin/true", nil, "gdb")
	require.NoError(t, err)
	assert.Equal(t, StateRunning, s.State())

	out := s.RunCommand("info registers")
	assert.True(t, strings.HasPrefix(out, "you said:"))
}

func TestStart_NoPromptLeavesSessionUnstarted(t *testing.T) {
	if runtime.GOOS != "linux" && runtime.GOOS != "darwin" {
		t.Skip("pty sessions require a unix host")
	}
	// A child that exits without ever printing a prompt.
	script := "#!/bin/sh\nexit 0\n"
	fake := filepath.Join(t.TempDir(), "gdb")
	require.NoError(t, os.WriteFile(fake, []byte(script), 0755))

	s := New(t.TempDir())
	s.lookPath = func(name string) (string, error) { return fake, nil }

	_, err := s.Start("/bin/true", nil, "gdb")
	require.Error(t, err)
	assert.Equal(t, StateUnstarted, s.State())
}

func TestSession_EmptyCommand(t *testing.T) {
	s := newFakeSession(t)
	defer s.Stop()

	_, err := s.Start("/bin/true", nil, "gdb")
	require.NoError(t, err)
	assert.Equal(t, "", s.RunCommand("   "))
}
