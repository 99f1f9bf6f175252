// Package diagnosis drives the bounded hypothesis-refinement loop: an
// external collaborator proposes debugger commands, a debugger session
// executes them, and the accumulated history is distilled into a short
// diagnosis.
package diagnosis

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"regexp"
	"strings"

	"patchagent/internal/builder"
	"patchagent/internal/parser"
	"patchagent/internal/policy"
)

// MaxSteps bounds the refinement loop. A collaborator that never quits is
// cut off after exactly this many iterations.
const MaxSteps = 10

// Strategy is the collaborator's structured answer: what it believes, what
// to run, and what to do next.
type Strategy struct {
	Hypothesis string   `json:"hypothesis"`
	Commands   []string `json:"commands"`
	NextAction string   `json:"next_action"`
}

// Session is the debugger capability the loop needs. Satisfied by
// *debugger.Session.
type Session interface {
	Start(program string, args []string, backend string) (string, error)
	RunCommand(command string) string
	SetSourceMap(remote, local string) string
	Stop()
	Backend() string
}

// Diagnoser runs triage sessions against one task's baseline build.
type Diagnoser struct {
	Model      policy.ChatModel
	Paths      builder.DebugPaths
	ResolvePoC func(token string) string
	NewSession func() Session
}

var jsonFenceRe = regexp.MustCompile("(?s)```json\\s*(.*?)\\s*```")

func parseStrategy(content string) Strategy {
	jsonStr := content
	if m := jsonFenceRe.FindStringSubmatch(content); m != nil {
		jsonStr = m[1]
	}

	var strategy Strategy
	if err := json.Unmarshal([]byte(jsonStr), &strategy); err != nil {
		log.Printf("Warning: failed to parse strategy JSON: %v", err)
		return Strategy{Hypothesis: "Failed to parse strategy", NextAction: "quit"}
	}
	if strategy.NextAction == "" {
		strategy.NextAction = "continue"
	}
	return strategy
}

// Diagnose resolves program and args into the analysis namespace, runs the
// bounded debugger loop, and returns the two-stage distilled summary. The
// session is stopped unconditionally, including on early errors.
func (d *Diagnoser) Diagnose(ctx context.Context, program string, args []string, report parser.Report, sourceContext string) (string, error) {
	resolvedProgram := program
	if strings.HasPrefix(program, d.Paths.OutRemote) {
		resolvedProgram = strings.Replace(program, d.Paths.OutRemote, d.Paths.OutLocal, 1)
	}

	resolvedArgs := make([]string, 0, len(args))
	for _, arg := range args {
		if d.ResolvePoC != nil {
			arg = d.ResolvePoC(arg)
		}
		resolvedArgs = append(resolvedArgs, arg)
	}

	session := d.NewSession()
	defer session.Stop()

	startMsg, err := session.Start(resolvedProgram, resolvedArgs, "")
	if err != nil {
		return "", fmt.Errorf("failed to start debugger session: %w", err)
	}

	mapMsg := session.SetSourceMap(d.Paths.SourceRemote, d.Paths.SourceLocal)
	startMsg += "\nSource Mapping: " + mapMsg

	rewriter := &Rewriter{
		Program:         program,
		ResolvedProgram: resolvedProgram,
		SourceRoot:      d.Paths.SourceRoot,
		ResolvePoC:      d.ResolvePoC,
	}

	sanitizerReport := report.PurifiedContent()
	promptPrefix := "(gdb) "
	if session.Backend() == "lldb" {
		promptPrefix = "(lldb) "
	}

	response, err := d.Model.Complete(ctx, d.initialPrompt(session.Backend(), sanitizerReport, sourceContext))
	if err != nil {
		return "", fmt.Errorf("policy collaborator failed: %w", err)
	}
	strategy := parseStrategy(response)

	history := fmt.Sprintf("Initialization:\n%s\n", startMsg)

	for step := 1; step <= MaxSteps; step++ {
		log.Printf("Diagnosis step %d/%d: %s", step, MaxSteps, strategy.Hypothesis)

		for _, cmd := range strategy.Commands {
			finalCmd := rewriter.Rewrite(cmd)
			output := session.RunCommand(finalCmd)
			history += fmt.Sprintf("%s%s\n%s\n", promptPrefix, finalCmd, output)
		}

		if strategy.NextAction == "quit" {
			break
		}

		finalAction := rewriter.Rewrite(strategy.NextAction)
		output := session.RunCommand(finalAction)
		history += fmt.Sprintf("%s%s\n%s\n", promptPrefix, finalAction, output)

		if step == MaxSteps {
			break
		}

		response, err := d.Model.Complete(ctx, d.iterativePrompt(session.Backend(), sanitizerReport, history, sourceContext))
		if err != nil {
			return "", fmt.Errorf("policy collaborator failed: %w", err)
		}
		strategy = parseStrategy(response)
	}

	// First distill the raw report down to user-code frames and the error
	// kind, then distill the session history against that trace.
	traceSummary, err := d.Model.Complete(ctx, fmt.Sprintf(stackTraceSummaryPrompt, sanitizerReport))
	if err != nil {
		return "", fmt.Errorf("stack trace summarization failed: %w", err)
	}

	summary, err := d.Model.Complete(ctx, fmt.Sprintf(sessionSummaryPrompt, traceSummary, history))
	if err != nil {
		return "", fmt.Errorf("session summarization failed: %w", err)
	}

	return summary, nil
}

func (d *Diagnoser) initialPrompt(backend, report, sourceContext string) string {
	if backend == "lldb" {
		return fmt.Sprintf(initialPromptLLDB, report, sourceContext)
	}
	return fmt.Sprintf(initialPromptGDB, report, sourceContext)
}

func (d *Diagnoser) iterativePrompt(backend, report, history, sourceContext string) string {
	if backend == "lldb" {
		return fmt.Sprintf(iterativePromptLLDB, report, history, sourceContext)
	}
	return fmt.Sprintf(iterativePromptGDB, report, history, sourceContext)
}
