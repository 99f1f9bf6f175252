package diagnosis

import (
	"log"
	"path/filepath"
	"regexp"
	"strings"

	"patchagent/internal/parser"
)

var pathLineRe = regexp.MustCompile(`(\S+):(\d+)`)

// Rewriter filters policy-proposed debugger commands into ones that resolve
// inside the analysis namespace. The collaborator thinks in sandbox paths;
// the debugger runs against local files.
type Rewriter struct {
	// Program is the binary path as the collaborator saw it (sandbox form).
	Program string
	// ResolvedProgram is the analysis-side path the session actually runs.
	ResolvedProgram string
	// SourceRoot is the analysis source tree used for path:line guessing.
	SourceRoot string
	// ResolvePoC maps the placeholder input token to the real PoC file.
	ResolvePoC func(token string) string
}

// Rewrite applies both fixups: run directives lose a leading binary-path
// token and gain resolved input paths, and every path:line token is remapped
// to the best-guess relative path under the source root with the line number
// untouched.
func (r *Rewriter) Rewrite(raw string) string {
	rewritten := r.rewriteRunCommand(raw)
	return r.rewritePathLines(rewritten)
}

// Collaborators frequently issue "run /out/binary /testcase" even though the
// debugger already has the binary loaded. Drop the binary token, resolve the
// rest.
func (r *Rewriter) rewriteRunCommand(raw string) string {
	tokens := strings.Fields(strings.TrimSpace(raw))
	if len(tokens) == 0 {
		return raw
	}
	if tokens[0] != "r" && tokens[0] != "run" {
		return raw
	}

	argsStart := 1
	if len(tokens) > 1 && r.looksLikeProgram(tokens[1]) {
		log.Printf("Removed binary path from run command: %s", tokens[1])
		argsStart = 2
	}

	args := make([]string, 0, len(tokens)-argsStart)
	for _, token := range tokens[argsStart:] {
		if r.ResolvePoC != nil {
			token = r.ResolvePoC(token)
		}
		args = append(args, token)
	}

	return strings.TrimSpace(tokens[0] + " " + strings.Join(args, " "))
}

func (r *Rewriter) looksLikeProgram(token string) bool {
	if token == r.Program || token == r.ResolvedProgram {
		return true
	}
	name := filepath.Base(r.Program)
	return name != "" && name != "." && strings.HasSuffix(token, "/"+name)
}

func (r *Rewriter) rewritePathLines(raw string) string {
	if r.SourceRoot == "" {
		return raw
	}
	return pathLineRe.ReplaceAllStringFunc(raw, func(match string) string {
		sub := pathLineRe.FindStringSubmatch(match)
		guessed := parser.GuessRelpath(r.SourceRoot, sub[1])
		if guessed == "" {
			return match
		}
		log.Printf("Path corrected in command: %s -> %s", sub[1], guessed)
		return guessed + ":" + sub[2]
	})
}
