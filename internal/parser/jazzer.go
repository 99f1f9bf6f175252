package parser

import (
	"regexp"

	"patchagent/internal/models"
)

var (
	jazzerErrorRe   = regexp.MustCompile(`== Java Exception: ([^\n]+)`)
	jazzerSectionRe = regexp.MustCompile(`(?s)== Java Exception:.*?(?:== libFuzzer crashing input ==[^\n]*\n|$)`)
)

// ParseJazzerReport accepts uncaught JVM exceptions surfaced by the Jazzer
// fuzzing engine.
func ParseJazzerReport(content string) Report {
	clean := RemoveANSIEscape(content)
	m := jazzerErrorRe.FindStringSubmatch(clean)
	if m == nil {
		return nil
	}

	section := jazzerSectionRe.FindString(clean)
	if section == "" {
		section = clean
	}

	return &baseReport{
		sanitizer: models.SanitizerJazzer,
		summary:   m[1],
		raw:       content,
		purified:  section,
	}
}
