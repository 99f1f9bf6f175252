package builder

import (
	"fmt"
	"regexp"
	"strings"

	"patchagent/internal/parser"
)

// The reproduce helper prints the command it runs in the container as
// "/out/<binary> [flags...] /testcase [flags...]". Binary path first, then
// space-separated arguments.
var reproCommandRe = regexp.MustCompile(`(?m)^(/out/[^\s]+)\s+(.*)$`)

// extractReproCommand recovers the literal reproduction command line from a
// raw replay log, keeping resource-limit flags and the input path while
// stripping campaign-control flags. Best effort: empty string when the log
// does not have the expected shape.
func (b *OSSFuzzBuilder) extractReproCommand(content string) string {
	clean := parser.RemoveANSIEscape(content)

	m := reproCommandRe.FindStringSubmatch(clean)
	if m == nil {
		return ""
	}

	binaryPath := m[1]
	tokens := strings.Fields(m[2])

	pocPath := ""
	var kept []string
	for _, token := range tokens {
		if token == sandboxTestcasePath {
			pocPath = token // appended last
			continue
		}
		if !strings.HasPrefix(token, "-") {
			kept = append(kept, token)
			continue
		}
		// Memory limits stay: OOM findings do not reproduce without them.
		// Everything else (-timeout=, -dict=, -conf=, -data_flow_trace=,
		// -runs=, -jobs=, -workers=, -artifact_prefix=, -print_final_stats)
		// is campaign control and would break or distort a manual replay.
		if strings.HasPrefix(token, "-rss_limit_mb=") {
			kept = append(kept, token)
		}
	}

	parts := append([]string{binaryPath}, kept...)
	if pocPath != "" {
		parts = append(parts, pocPath)
	}

	return fmt.Sprintf(
		"Reproduction Command Details:\nBinary: %s\nPoC File: %s\nFull Command: %s\n",
		binaryPath, orUnknown(pocPath), strings.Join(parts, " "))
}

func orUnknown(s string) string {
	if s == "" {
		return "Unknown"
	}
	return s
}
