package builder

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// ProcessError carries the captured output of a failed subprocess stage so
// callers can run it through the report matchers or surface it verbatim.
type ProcessError struct {
	Command string
	Stdout  string
	Stderr  string
	Err     error
}

func (e *ProcessError) Error() string {
	return fmt.Sprintf("command %q failed: %v", e.Command, e.Err)
}

func (e *ProcessError) Unwrap() error { return e.Err }

// ContainerUnavailableError is an infrastructure failure: the container
// engine is unreachable, or image acquisition exhausted its retry budget.
type ContainerUnavailableError struct {
	Output string
}

func (e *ContainerUnavailableError) Error() string {
	return fmt.Sprintf("container engine unavailable: %s", firstLine(e.Output))
}

// PatchApplyError means the patch does not cleanly apply. Never retried.
type PatchApplyError struct {
	Output string
}

func (e *PatchApplyError) Error() string {
	return fmt.Sprintf("patch does not apply: %s", firstLine(e.Output))
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// commandRunner abstracts subprocess execution so tests can intercept the
// expensive build and replay stages.
type commandRunner func(ctx context.Context, dir string, input []byte, name string, args ...string) (stdout, stderr string, err error)

func runSubprocess(ctx context.Context, dir string, input []byte, name string, args ...string) (string, string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	if input != nil {
		cmd.Stdin = bytes.NewReader(input)
	}

	var outBuf, errBuf bytes.Buffer
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf

	if err := cmd.Run(); err != nil {
		return outBuf.String(), errBuf.String(), &ProcessError{
			Command: name + " " + strings.Join(args, " "),
			Stdout:  outBuf.String(),
			Stderr:  errBuf.String(),
			Err:     err,
		}
	}
	return outBuf.String(), errBuf.String(), nil
}
