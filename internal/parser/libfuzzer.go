package parser

import (
	"regexp"

	"patchagent/internal/models"
)

var (
	libfuzzerErrorRe   = regexp.MustCompile(`==\d+==\s*ERROR: libFuzzer: ([a-z][a-z \-]*[a-z])`)
	libfuzzerSectionRe = regexp.MustCompile(`(?s)==\d+==\s*ERROR: libFuzzer:.*?(?:SUMMARY: libFuzzer: [^\n]*\n|$)`)
)

// ParseLibFuzzerReport accepts engine-level failures (deadly signal, timeout,
// out-of-memory) that no sanitizer claimed.
func ParseLibFuzzerReport(content string) Report {
	clean := RemoveANSIEscape(content)
	m := libfuzzerErrorRe.FindStringSubmatch(clean)
	if m == nil {
		return nil
	}

	section := libfuzzerSectionRe.FindString(clean)
	if section == "" {
		section = clean
	}

	return &baseReport{
		sanitizer: models.SanitizerLibFuzzer,
		summary:   m[1],
		raw:       content,
		purified:  section,
	}
}
