package bus

import (
	"encoding/json"
	"regexp"
)

// injectionPatterns is the fixed, case-insensitive regex set used for the
// pre-dispatch scan, carried verbatim (in meaning) from the original's
// MessageBus._INJECTION_PATTERNS.
var injectionPatterns = compilePatterns([]string{
	`ignore\s+(previous|above|all)\s+(instructions|prompts)`,
	`you\s+are\s+now\s+`,
	`system\s*:\s*`,
	`<\s*system\s*>`,
	`\n\nsystem\n`,
	`forget\s+(everything|your\s+instructions)`,
	`new\s+instructions?\s*:`,
	`ADMIN\s*:`,
	`override\s+mode`,
	`disregard\s+(your|all|previous)\s+(directives|instructions|rules)`,
	`pretend\s+you\s+are`,
	`act\s+as\s+if\s+you\s+were`,
	`jailbreak`,
	`DAN\s+mode`,
})

func compilePatterns(src []string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, len(src))
	for i, p := range src {
		out[i] = regexp.MustCompile(`(?i)` + p)
	}
	return out
}

// ScanText returns every injection pattern (by source string) that matches
// text. Exported so the Chat Pipeline's passive scan (spec §4.7 step 1) can
// reuse the exact same pattern set without importing bus internals twice.
func ScanText(text string) []string {
	var matches []string
	for _, re := range injectionPatterns {
		if re.MatchString(text) {
			matches = append(matches, re.String()[4:]) // strip the "(?i)" prefix for readability
		}
	}
	return matches
}

// scanMessage scans both Content and a serialized form of Payload.Extra,
// mirroring _scan_for_injection's "also scan payload values" pass.
func scanMessage(m *Message) []string {
	matches := ScanText(m.Content)
	if len(m.Payload.Extra) > 0 {
		if b, err := json.Marshal(m.Payload.Extra); err == nil {
			for _, pm := range ScanText(string(b)) {
				if !contains(matches, pm) {
					matches = append(matches, pm)
				}
			}
		}
	}
	return matches
}

func contains(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}
