package parser

import (
	"strings"

	"patchagent/internal/models"
)

var jvmNativeMarkers = []string{"libjvm.so", "Java_", "jazzer_driver", "com.code_intelligence.jazzer"}

// ParseJavaNativeReport accepts native-sanitizer faults raised from inside a
// managed runtime: an AddressSanitizer report whose frames cross the JNI
// boundary. Declined unless both signatures are present.
func ParseJavaNativeReport(content string) Report {
	clean := RemoveANSIEscape(content)
	m := asanErrorRe.FindStringSubmatch(clean)
	if m == nil {
		return nil
	}

	bridged := false
	for _, marker := range jvmNativeMarkers {
		if strings.Contains(clean, marker) {
			bridged = true
			break
		}
	}
	if !bridged {
		return nil
	}

	section := asanSectionRe.FindString(clean)
	if section == "" {
		section = clean
	}

	return &baseReport{
		sanitizer: models.SanitizerJavaNative,
		summary:   m[1],
		raw:       content,
		purified:  section,
	}
}
