package parser

import (
	"patchagent/internal/models"
)

// UnknownReport wraps crash evidence that no configured matcher accepted.
// It exists so that "bug confirmed, format unrecognized" is distinguishable
// from "no bug": unmatched evidence is never dropped.
type UnknownReport struct {
	Stdout string
	Stderr string
}

func NewUnknownReport(stdout, stderr string) *UnknownReport {
	return &UnknownReport{Stdout: stdout, Stderr: stderr}
}

func (r *UnknownReport) Sanitizer() models.Sanitizer { return "unknown" }
func (r *UnknownReport) Summary() string             { return "unknown crash" }

func (r *UnknownReport) RawContent() string {
	return r.Stdout + "\n" + r.Stderr
}

func (r *UnknownReport) PurifiedContent() string {
	return RemoveANSIEscape(r.RawContent())
}
