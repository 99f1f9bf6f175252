package models

import (
	"github.com/google/uuid"
)

// Sanitizer identifies the detector that produced (or is expected to
// produce) a crash report.
type Sanitizer string

const (
	SanitizerAddress    Sanitizer = "address"
	SanitizerLeak       Sanitizer = "leak"
	SanitizerUndefined  Sanitizer = "undefined"
	SanitizerMemory     Sanitizer = "memory"
	SanitizerThread     Sanitizer = "thread"
	SanitizerJazzer     Sanitizer = "jazzer"
	SanitizerJavaNative Sanitizer = "java-native"
	SanitizerLibFuzzer  Sanitizer = "libfuzzer"
)

// BuildName maps a sanitizer to the name the OSS-Fuzz build system expects.
// Leak detection rides on the address build; OSS-Fuzz maps Jazzer to the
// address sanitizer for JVM projects.
func (s Sanitizer) BuildName() string {
	switch s {
	case SanitizerLeak, SanitizerJazzer:
		return "address"
	case SanitizerAddress, SanitizerUndefined, SanitizerMemory, SanitizerThread:
		return string(s)
	default:
		return "address"
	}
}

// Lang is the project language class, derived from project.yaml.
type Lang string

const (
	LangCLike Lang = "clike"
	LangJVM   Lang = "jvm"
)

func LangFromString(s string) Lang {
	switch s {
	case "jvm", "java", "kotlin":
		return LangJVM
	default:
		return LangCLike
	}
}

// PoC is one reproduction input for a fuzzing harness.
type PoC struct {
	Path        string `json:"path"`
	HarnessName string `json:"harness_name"`
}

// Status represents the service status
type Status struct {
	Ready   bool        `json:"ready"`
	Since   int64       `json:"since"`
	State   StatusState `json:"state"`
	Version string      `json:"version"`
	Details interface{} `json:"details,omitempty"`
}

type StatusState struct {
	Tasks StatusTasksState `json:"tasks"`
}

type StatusTasksState struct {
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Succeeded  int `json:"succeeded"`
	Failed     int `json:"failed"`
	Errored    int `json:"errored"`
}

type TaskState string

const (
	TaskStatePending   TaskState = "pending"
	TaskStateRunning   TaskState = "running"
	TaskStateSucceeded TaskState = "succeeded"
	TaskStateErrored   TaskState = "errored"
)

// TriageTask is one crash-triage job: a project, a PoC and the sanitizers
// the crash should be reproduced under.
type TriageTask struct {
	TaskID      uuid.UUID   `json:"task_id"`
	ProjectName string      `json:"project_name"`
	HarnessName string      `json:"harness_name"`
	Testcase    string      `json:"testcase"` // base64 encoded PoC bytes
	Sanitizers  []Sanitizer `json:"sanitizers"`
	SourcePath  string      `json:"source_path"`
	ToolingPath string      `json:"fuzz_tooling_path"`
	Registry    string      `json:"registry,omitempty"`
	State       TaskState   `json:"state"`
}

// TaskConfig is the on-disk description of a local task directory. Relative
// paths resolve against the task directory.
type TaskConfig struct {
	ProjectName string   `yaml:"project_name"`
	HarnessName string   `yaml:"harness_name"`
	Sanitizers  []string `yaml:"sanitizers"`
	PoCFile     string   `yaml:"poc_file"`
	SourcePath  string   `yaml:"source_path"`
	ToolingPath string   `yaml:"fuzz_tooling_path"`
	Registry    string   `yaml:"registry,omitempty"`
}

// PatchValidation is the outcome of replaying the PoC against a patched build.
type PatchValidation struct {
	TaskID   string `json:"task_id,omitempty"`
	Resolved bool   `json:"resolved"`
	// Sanitizer that still reproduced the crash, empty when resolved.
	Sanitizer Sanitizer `json:"sanitizer,omitempty"`
	// Summary of the surviving report, empty when resolved.
	Summary string `json:"summary,omitempty"`
	// Evidence is the purified report content, empty when resolved.
	Evidence string `json:"evidence,omitempty"`
}

type PatchRequest struct {
	Patch string `json:"patch"` // unified diff text
}

type DiagnoseRequest struct {
	Program string   `json:"program"`
	Args    []string `json:"args"`
}

type DiagnoseResponse struct {
	TaskID  string `json:"task_id"`
	Summary string `json:"summary"`
}

// ToolCall is one audited call into an external collaborator or subsystem.
type ToolCall struct {
	Name   string            `json:"name"`
	Args   map[string]string `json:"args"`
	Result string            `json:"result"`
}
