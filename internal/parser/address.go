package parser

import (
	"regexp"

	"patchagent/internal/models"
)

var (
	asanErrorRe   = regexp.MustCompile(`==\d+==\s*ERROR: AddressSanitizer: ([A-Za-z0-9_\-]+)`)
	asanSectionRe = regexp.MustCompile(`(?s)==\d+==\s*ERROR: AddressSanitizer:.*?(?:SUMMARY: AddressSanitizer: [^\n]*\n|==\d+==\s*ABORTING|$)`)
)

// ParseAddressReport accepts AddressSanitizer output. Leak-only reports are
// declined here; they belong to the leak matcher.
func ParseAddressReport(content string) Report {
	clean := RemoveANSIEscape(content)
	m := asanErrorRe.FindStringSubmatch(clean)
	if m == nil {
		return nil
	}

	section := asanSectionRe.FindString(clean)
	if section == "" {
		section = clean
	}

	return &baseReport{
		sanitizer: models.SanitizerAddress,
		summary:   m[1],
		raw:       content,
		purified:  section,
	}
}
