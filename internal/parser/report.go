package parser

import (
	"log"

	"patchagent/internal/models"
)

// Report is one normalized piece of crash evidence produced by a sanitizer.
type Report interface {
	// Sanitizer is the detector kind that accepted the content.
	Sanitizer() models.Sanitizer
	// Summary is the error kind exactly as the detector reported it,
	// e.g. "heap-use-after-free".
	Summary() string
	// RawContent is the content the matcher accepted, verbatim.
	RawContent() string
	// PurifiedContent is the de-colorized report, prefixed with the
	// reproduction command when one could be recovered. This is the
	// canonical text handed to any text-consuming collaborator.
	PurifiedContent() string
}

type baseReport struct {
	sanitizer models.Sanitizer
	summary   string
	raw       string
	purified  string
}

func (r *baseReport) Sanitizer() models.Sanitizer { return r.sanitizer }
func (r *baseReport) Summary() string             { return r.summary }
func (r *baseReport) RawContent() string          { return r.raw }
func (r *baseReport) PurifiedContent() string     { return r.purified }

// ParseFunc attempts to parse content as one sanitizer's report. It fails
// closed: nil means the content does not match the detector's signature.
type ParseFunc func(content string) Report

// Matcher is one entry of the ordered fallback chain.
type Matcher struct {
	Sanitizer models.Sanitizer
	Parse     ParseFunc
}

// Match is the single attempt-parse entry point: it runs the matcher's
// parser and, on acceptance, prepends runCommand to the purified content so
// downstream consumers can replay the scenario by hand.
func (m Matcher) Match(content, runCommand string) Report {
	if m.Parse == nil {
		return nil
	}
	report := m.Parse(content)
	if report == nil {
		return nil
	}

	if runCommand != "" {
		if base, ok := report.(interface{ prefixRunCommand(string) }); ok {
			base.prefixRunCommand(runCommand)
		}
	}

	log.Printf("Parsed %s report: %s", m.Sanitizer, report.Summary())
	return report
}

var reportParsers = map[models.Sanitizer]ParseFunc{
	models.SanitizerAddress:    ParseAddressReport,
	models.SanitizerLeak:       ParseLeakReport,
	models.SanitizerUndefined:  ParseUndefinedReport,
	models.SanitizerMemory:     ParseMemoryReport,
	models.SanitizerThread:     ParseThreadReport,
	models.SanitizerJazzer:     ParseJazzerReport,
	models.SanitizerJavaNative: ParseJavaNativeReport,
	models.SanitizerLibFuzzer:  ParseLibFuzzerReport,
}

// ParseReport runs one sanitizer's parser over content.
func ParseReport(content string, sanitizer models.Sanitizer, runCommand string) Report {
	return Matcher{Sanitizer: sanitizer, Parse: reportParsers[sanitizer]}.Match(content, runCommand)
}

func (r *baseReport) prefixRunCommand(cmd string) {
	r.purified = cmd + r.purified
}

// MatcherChain returns the ordered fallback chain for a replay attempt:
// the requested sanitizer first, then the fuzzing-engine-level matcher,
// then (for managed-runtime projects only) the managed-native bridge.
func MatcherChain(requested models.Sanitizer, lang models.Lang) []Matcher {
	chain := []Matcher{{requested, reportParsers[requested]}}
	if requested != models.SanitizerLibFuzzer {
		chain = append(chain, Matcher{models.SanitizerLibFuzzer, ParseLibFuzzerReport})
	}
	if lang == models.LangJVM && requested != models.SanitizerJavaNative {
		chain = append(chain, Matcher{models.SanitizerJavaNative, ParseJavaNativeReport})
	}
	return chain
}
