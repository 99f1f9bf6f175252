package parser

import (
	"regexp"

	"patchagent/internal/models"
)

var (
	msanErrorRe   = regexp.MustCompile(`==\d+==\s*(?:ERROR|WARNING): MemorySanitizer: ([A-Za-z0-9_\-]+)`)
	msanSectionRe = regexp.MustCompile(`(?s)==\d+==\s*(?:ERROR|WARNING): MemorySanitizer:.*?(?:SUMMARY: MemorySanitizer: [^\n]*\n|$)`)
)

func ParseMemoryReport(content string) Report {
	clean := RemoveANSIEscape(content)
	m := msanErrorRe.FindStringSubmatch(clean)
	if m == nil {
		return nil
	}

	section := msanSectionRe.FindString(clean)
	if section == "" {
		section = clean
	}

	return &baseReport{
		sanitizer: models.SanitizerMemory,
		summary:   m[1],
		raw:       content,
		purified:  section,
	}
}
