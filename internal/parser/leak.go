package parser

import (
	"regexp"

	"patchagent/internal/models"
)

var (
	lsanErrorRe   = regexp.MustCompile(`==\d+==\s*ERROR: LeakSanitizer: (detected memory leaks)`)
	lsanSectionRe = regexp.MustCompile(`(?s)==\d+==\s*ERROR: LeakSanitizer:.*?(?:SUMMARY: AddressSanitizer: [^\n]*\n|$)`)
)

func ParseLeakReport(content string) Report {
	clean := RemoveANSIEscape(content)
	m := lsanErrorRe.FindStringSubmatch(clean)
	if m == nil {
		return nil
	}

	section := lsanSectionRe.FindString(clean)
	if section == "" {
		section = clean
	}

	return &baseReport{
		sanitizer: models.SanitizerLeak,
		summary:   m[1],
		raw:       content,
		purified:  section,
	}
}
