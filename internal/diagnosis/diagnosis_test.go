package diagnosis

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"patchagent/internal/builder"
	"patchagent/internal/models"
	"patchagent/internal/parser"
	"patchagent/internal/policy"
)

// fakeSession records every interaction so tests can assert on the exact
// command stream and on teardown discipline.
type fakeSession struct {
	backend      string
	startErr     error
	startProgram string
	startArgs    []string
	commands     []string
	sourceMaps   []string
	stopCount    int
}

func (f *fakeSession) Start(program string, args []string, backendName string) (string, error) {
	if f.startErr != nil {
		return "", f.startErr
	}
	f.startProgram = program
	f.startArgs = args
	return "Debugger started successfully.", nil
}

func (f *fakeSession) RunCommand(command string) string {
	f.commands = append(f.commands, command)
	return "ok"
}

func (f *fakeSession) SetSourceMap(remote, local string) string {
	f.sourceMaps = append(f.sourceMaps, remote+" -> "+local)
	return "mapped"
}

func (f *fakeSession) Stop() { f.stopCount++ }

func (f *fakeSession) Backend() string {
	if f.backend == "" {
		return "gdb"
	}
	return f.backend
}

// scriptedModel returns canned responses in order and serves the last one
// forever after.
type scriptedModel struct {
	responses []string
	calls     int
	prompts   []string
}

func (m *scriptedModel) Complete(ctx context.Context, prompt string) (string, error) {
	m.calls++
	m.prompts = append(m.prompts, prompt)
	idx := m.calls - 1
	if idx >= len(m.responses) {
		idx = len(m.responses) - 1
	}
	return m.responses[idx], nil
}

func testReport(t *testing.T) parser.Report {
	t.Helper()
	content := "==1==ERROR: AddressSanitizer: heap-use-after-free on address 0x1\nSUMMARY: AddressSanitizer: heap-use-after-free\n"
	report := parser.ParseReport(content, models.SanitizerAddress, "")
	require.NotNil(t, report)
	return report
}

func testPaths() builder.DebugPaths {
	return builder.DebugPaths{
		OutRemote:    "/out",
		OutLocal:     "/work/builds/abc-address/oss-fuzz/build/out/libpng",
		SourceRemote: "/src/libpng",
		SourceLocal:  "/work/builds/abc-address/libpng",
		SourceRoot:   "/work/builds/abc-address/libpng",
	}
}

func newTestDiagnoser(model policy.ChatModel, session *fakeSession) *Diagnoser {
	return &Diagnoser{
		Model: model,
		Paths: testPaths(),
		ResolvePoC: func(token string) string {
			if token == "/testcase" {
				return "/work/poc.bin"
			}
			return token
		},
		NewSession: func() Session { return session },
	}
}

func TestDiagnose_QuitAfterFirstStrategy(t *testing.T) {
	model := &scriptedModel{responses: []string{
		`{"hypothesis": "UAF in png_read_row", "commands": ["break pngread.c:543", "run"], "next_action": "quit"}`,
		"distilled trace",
		"final summary",
	}}
	session := &fakeSession{}
	d := newTestDiagnoser(model, session)

	summary, err := d.Diagnose(context.Background(), "/out/png_fuzzer", []string{"/testcase"}, testReport(t), "")
	require.NoError(t, err)
	assert.Equal(t, "final summary", summary)

	// Program and args were translated into the analysis namespace.
	assert.Equal(t, "/work/builds/abc-address/oss-fuzz/build/out/libpng/png_fuzzer", session.startProgram)
	assert.Equal(t, []string{"/work/poc.bin"}, session.startArgs)
	assert.Equal(t, []string{"/src/libpng -> /work/builds/abc-address/libpng"}, session.sourceMaps)

	// Both strategy commands ran; the quit action itself never hits the
	// session.
	assert.Equal(t, []string{"break pngread.c:543", "run"}, session.commands)

	// Initial strategy + two summarization calls.
	assert.Equal(t, 3, model.calls)
	assert.Equal(t, 1, session.stopCount)
}

func TestDiagnose_NeverQuittingModelIsBounded(t *testing.T) {
	model := &scriptedModel{responses: []string{
		`{"hypothesis": "keep digging", "commands": ["bt"], "next_action": "continue"}`,
	}}
	session := &fakeSession{}
	d := newTestDiagnoser(model, session)

	_, err := d.Diagnose(context.Background(), "/out/png_fuzzer", nil, testReport(t), "")
	require.NoError(t, err)

	// Each step runs one command plus the next action.
	assert.Len(t, session.commands, 2*MaxSteps)
	// Initial + (MaxSteps-1) iterative + 2 summaries.
	assert.Equal(t, 1+(MaxSteps-1)+2, model.calls)
	assert.Equal(t, 1, session.stopCount)
}

func TestDiagnose_StartFailureStillStopsSession(t *testing.T) {
	model := &scriptedModel{responses: []string{"unused"}}
	session := &fakeSession{startErr: fmt.Errorf("no debugger available")}
	d := newTestDiagnoser(model, session)

	_, err := d.Diagnose(context.Background(), "/out/png_fuzzer", nil, testReport(t), "")
	require.Error(t, err)
	assert.Equal(t, 1, session.stopCount)
	assert.Equal(t, 0, model.calls)
}

func TestDiagnose_UnparsableStrategyQuitsGracefully(t *testing.T) {
	model := &scriptedModel{responses: []string{
		"I think the bug is in pngread.c but here is no JSON",
		"trace",
		"summary",
	}}
	session := &fakeSession{}
	d := newTestDiagnoser(model, session)

	summary, err := d.Diagnose(context.Background(), "/out/png_fuzzer", nil, testReport(t), "")
	require.NoError(t, err)
	assert.Equal(t, "summary", summary)
	assert.Empty(t, session.commands)
	assert.Equal(t, 1, session.stopCount)
}

func TestDiagnose_LLDBPromptsSelected(t *testing.T) {
	model := &scriptedModel{responses: []string{
		`{"hypothesis": "h", "commands": [], "next_action": "quit"}`,
		"trace",
		"summary",
	}}
	session := &fakeSession{backend: "lldb"}
	d := newTestDiagnoser(model, session)

	_, err := d.Diagnose(context.Background(), "/out/png_fuzzer", nil, testReport(t), "")
	require.NoError(t, err)
	require.NotEmpty(t, model.prompts)
	assert.Contains(t, model.prompts[0], "LLDB")
}

func TestParseStrategy(t *testing.T) {
	s := parseStrategy(`{"hypothesis": "h", "commands": ["bt"], "next_action": "step"}`)
	assert.Equal(t, "h", s.Hypothesis)
	assert.Equal(t, []string{"bt"}, s.Commands)
	assert.Equal(t, "step", s.NextAction)

	// Fenced JSON is unwrapped.
	s = parseStrategy("Here is my plan:\n```json\n{\"hypothesis\": \"fenced\", \"next_action\": \"continue\"}\n```\n")
	assert.Equal(t, "fenced", s.Hypothesis)

	// Missing next_action defaults to continue.
	s = parseStrategy(`{"hypothesis": "h"}`)
	assert.Equal(t, "continue", s.NextAction)

	// Garbage fails closed into a quit.
	s = parseStrategy("not json at all")
	assert.Equal(t, "quit", s.NextAction)
}

func TestRewriter_RunCommand(t *testing.T) {
	r := &Rewriter{
		Program:         "/out/png_fuzzer",
		ResolvedProgram: "/work/out/png_fuzzer",
		ResolvePoC: func(token string) string {
			if token == "/testcase" {
				return "/work/poc.bin"
			}
			return token
		},
	}

	// The binary token is dropped, the input placeholder is resolved.
	assert.Equal(t, "run /work/poc.bin", r.Rewrite("run /out/png_fuzzer /testcase"))
	assert.Equal(t, "r /work/poc.bin", r.Rewrite("r /out/png_fuzzer /testcase"))
	assert.Equal(t, "run /work/poc.bin", r.Rewrite("run /work/out/png_fuzzer /testcase"))
	// Same binary under an unexpected directory still looks like the program.
	assert.Equal(t, "run /work/poc.bin", r.Rewrite("run /somewhere/png_fuzzer /testcase"))

	// A bare run and non-run commands pass through.
	assert.Equal(t, "run", r.Rewrite("run"))
	assert.Equal(t, "bt full", r.Rewrite("bt full"))
}

func TestRewriter_PathLines(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "src", "png")
	require.NoError(t, os.MkdirAll(dir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "pngread.c"), []byte("x"), 0644))

	r := &Rewriter{SourceRoot: root}

	got := r.Rewrite("break /src/libpng/pngread.c:543")
	want := "break " + filepath.Join("src", "png", "pngread.c") + ":543"
	assert.Equal(t, want, got)

	// Unknown files keep the collaborator's spelling.
	assert.Equal(t, "break inflate.c:10", r.Rewrite("break inflate.c:10"))
}

func TestRewriter_NoSourceRootLeavesPathsAlone(t *testing.T) {
	r := &Rewriter{}
	assert.Equal(t, "break pngread.c:543", r.Rewrite("break pngread.c:543"))
}

func TestDiagnose_HistoryFeedsIterativePrompts(t *testing.T) {
	model := &scriptedModel{responses: []string{
		`{"hypothesis": "first", "commands": ["bt"], "next_action": "continue"}`,
		`{"hypothesis": "second", "commands": [], "next_action": "quit"}`,
		"trace",
		"summary",
	}}
	session := &fakeSession{}
	d := newTestDiagnoser(model, session)

	_, err := d.Diagnose(context.Background(), "/out/png_fuzzer", nil, testReport(t), "some source context")
	require.NoError(t, err)

	require.GreaterOrEqual(t, len(model.prompts), 2)
	// The iterative prompt carries the session transcript so far.
	assert.Contains(t, model.prompts[1], "(gdb) bt")
	assert.Contains(t, model.prompts[1], "some source context")
	assert.True(t, strings.Contains(model.prompts[1], "heap-use-after-free"))
}
