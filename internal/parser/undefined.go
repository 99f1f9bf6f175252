package parser

import (
	"regexp"

	"patchagent/internal/models"
)

var (
	ubsanErrorRe   = regexp.MustCompile(`[^\s:]+:\d+(?::\d+)?: runtime error: ([^\n]+)`)
	ubsanSectionRe = regexp.MustCompile(`(?s)[^\s:]+:\d+(?::\d+)?: runtime error:.*?(?:SUMMARY: UndefinedBehaviorSanitizer: [^\n]*\n|$)`)
)

func ParseUndefinedReport(content string) Report {
	clean := RemoveANSIEscape(content)
	m := ubsanErrorRe.FindStringSubmatch(clean)
	if m == nil {
		return nil
	}

	section := ubsanSectionRe.FindString(clean)
	if section == "" {
		section = clean
	}

	return &baseReport{
		sanitizer: models.SanitizerUndefined,
		summary:   m[1],
		raw:       content,
		purified:  section,
	}
}
