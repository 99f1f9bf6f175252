package debugger

import (
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/creack/pty"

	"patchagent/internal/parser"
)

// State is the session lifecycle. A stopped session is terminal; it is never
// resumed, a new Start tears the old child down and spawns a fresh one.
type State int

const (
	StateUnstarted State = iota
	StateRunning
	StateStopped
)

const (
	startTimeout   = 30 * time.Second
	commandTimeout = 30 * time.Second
)

var errEndOfStream = fmt.Errorf("debugger closed its stream")

// Session controls one interactive debugger child over a pty, speaking the
// line-oriented prompt protocol: send one line, read everything up to the
// next prompt. It owns at most one OS child process at a time.
type Session struct {
	workDir  string
	lookPath func(string) (string, error)

	mu      sync.Mutex
	state   State
	backend backend
	cmd     *exec.Cmd
	ptmx    *os.File
}

func New(workDir string) *Session {
	return &Session{
		workDir:  workDir,
		lookPath: exec.LookPath,
	}
}

// Backend reports which debugger implementation the session selected.
// Empty before a successful Start.
func (s *Session) Backend() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.backend.name
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Start spawns the debugger attached to program inside the analysis
// workspace and waits for the first prompt. backendName may be empty, in
// which case availability decides. A previously running child is torn down
// first so repeated starts cannot leak processes.
func (s *Session) Start(program string, args []string, backendName string) (string, error) {
	s.Stop()

	s.mu.Lock()
	defer s.mu.Unlock()

	var be backend
	var path string
	if backendName == "" {
		detected, detectedPath, err := detectBackend(s.lookPath)
		if err != nil {
			return "", err
		}
		be, path = detected, detectedPath
	} else {
		known, ok := backends[strings.ToLower(backendName)]
		if !ok {
			return "", fmt.Errorf("unknown debugger %q, supported: gdb, lldb", backendName)
		}
		resolved, err := s.lookPath(known.name)
		if err != nil {
			return "", fmt.Errorf("debugger %s is not installed", known.name)
		}
		be, path = known, resolved
	}

	if !filepath.IsAbs(program) {
		program = filepath.Join(s.workDir, program)
	}

	cmd := exec.Command(path, be.argv(program)...)
	cmd.Dir = s.workDir

	ptmx, err := pty.Start(cmd)
	if err != nil {
		return "", fmt.Errorf("failed to start %s: %v", be.name, err)
	}

	s.backend = be
	s.cmd = cmd
	s.ptmx = ptmx
	s.state = StateRunning

	initial, err := s.expectPromptLocked(startTimeout)
	if err != nil {
		s.stopLocked()
		// The session never became usable, so it is back where it began.
		s.state = StateUnstarted
		return "", fmt.Errorf("failed to reach %s prompt: %v", be.name, err)
	}

	status := "Debugger started successfully.\n" + strings.TrimSpace(initial)

	if len(args) > 0 {
		out := s.runCommandLocked(be.setArgs(args))
		status += "\n" + out
	}

	return status, nil
}

// RunCommand sends one line and blocks until the prompt reappears. Protocol
// failures (timeout, end of stream) are reported as text, not errors, so a
// caller's loop can decide whether to continue. Quit synonyms end the session.
func (s *Session) RunCommand(command string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runCommandLocked(command)
}

func (s *Session) runCommandLocked(command string) string {
	if s.state != StateRunning {
		return "Debugger is not running. Please start it first."
	}

	clean := strings.TrimSpace(command)
	if clean == "" {
		return ""
	}

	switch strings.ToLower(clean) {
	case "q", "quit", "exit":
		s.stopLocked()
		return "Debugger session ended."
	}

	if _, err := s.ptmx.Write([]byte(clean + "\n")); err != nil {
		s.stopLocked()
		return "Debugger session ended unexpectedly (EOF)."
	}

	output, err := s.expectPromptLocked(commandTimeout)
	if err == errEndOfStream {
		s.stopLocked()
		return "Debugger session ended unexpectedly (EOF)."
	}
	if err != nil {
		return fmt.Sprintf("Command '%s' timed out.", clean)
	}

	return stripEcho(output, clean)
}

// SetSourceMap issues the backend's path-substitution directive so that
// locations expressed in the sandbox namespace resolve against the analysis
// tree.
func (s *Session) SetSourceMap(remote, local string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateRunning {
		return "Debugger not running."
	}
	log.Printf("Setting source map: %s -> %s", remote, local)
	return s.runCommandLocked(s.backend.sourceMap(remote, local))
}

// Stop terminates the child if one is alive. Safe to call repeatedly and in
// any state.
func (s *Session) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
}

func (s *Session) stopLocked() {
	if s.ptmx != nil {
		s.ptmx.Write([]byte("quit\n")) // best effort
		s.ptmx.Close()
		s.ptmx = nil
	}
	if s.cmd != nil && s.cmd.Process != nil {
		s.cmd.Process.Kill()
		s.cmd.Wait()
		s.cmd = nil
	}
	if s.state == StateRunning {
		s.state = StateStopped
	}
}

// expectPromptLocked reads from the pty until the backend's prompt shows up
// at the end of the stream, the deadline passes, or the child closes its
// side. Returns the text before the prompt.
func (s *Session) expectPromptLocked(timeout time.Duration) (string, error) {
	deadline := time.Now().Add(timeout)
	var buf strings.Builder
	chunk := make([]byte, 4096)

	for {
		// ptys are pollable on Linux, so read deadlines work
		s.ptmx.SetReadDeadline(deadline)

		n, err := s.ptmx.Read(chunk)
		if n > 0 {
			buf.Write(chunk[:n])
			text := parser.RemoveANSIEscape(buf.String())
			if loc := s.backend.prompt.FindStringIndex(text); loc != nil {
				return text[:loc[0]], nil
			}
		}
		if err != nil {
			if err == io.EOF {
				return buf.String(), errEndOfStream
			}
			if os.IsTimeout(err) || time.Now().After(deadline) {
				return buf.String(), fmt.Errorf("timed out waiting for prompt")
			}
			return buf.String(), errEndOfStream
		}
		if time.Now().After(deadline) {
			return buf.String(), fmt.Errorf("timed out waiting for prompt")
		}
	}
}

// stripEcho drops the leading echoed input line the pty reflects back.
func stripEcho(output, command string) string {
	output = strings.TrimSpace(strings.ReplaceAll(output, "\r\n", "\n"))
	lines := strings.Split(output, "\n")
	if len(lines) > 0 && strings.Contains(lines[0], command) {
		return strings.TrimSpace(strings.Join(lines[1:], "\n"))
	}
	return output
}
