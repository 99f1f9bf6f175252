package parser

import (
	"regexp"

	"patchagent/internal/models"
)

var (
	tsanErrorRe   = regexp.MustCompile(`(?:WARNING|ERROR): ThreadSanitizer: ([a-z][a-z \-]*[a-z])`)
	tsanSectionRe = regexp.MustCompile(`(?s)(?:WARNING|ERROR): ThreadSanitizer:.*?(?:SUMMARY: ThreadSanitizer: [^\n]*\n|$)`)
)

func ParseThreadReport(content string) Report {
	clean := RemoveANSIEscape(content)
	m := tsanErrorRe.FindStringSubmatch(clean)
	if m == nil {
		return nil
	}

	section := tsanSectionRe.FindString(clean)
	if section == "" {
		section = clean
	}

	return &baseReport{
		sanitizer: models.SanitizerThread,
		summary:   m[1],
		raw:       content,
		purified:  section,
	}
}
