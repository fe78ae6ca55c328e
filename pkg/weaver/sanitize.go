package weaver

import "regexp"

// Stored memory text re-enters the prompt, so it is untrusted input: a
// poisoned memory could try to override the agent's instructions. Matching
// phrases are redacted outright rather than flagged, so downstream models
// never see them.
var injectionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)ignore\s+(all\s+)?(previous|prior|above)\s+(instructions|prompts|rules|directions)`),
	regexp.MustCompile(`(?i)disregard\s+(all\s+)?(previous|prior|above|your)\s+(instructions|prompts|rules|directions)`),
	regexp.MustCompile(`(?i)forget\s+(everything|all)\s+(you\s+were\s+told|previous|prior|above)`),
	regexp.MustCompile(`(?i)you\s+are\s+now\s+(a|an|the)\s`),
	regexp.MustCompile(`(?i)new\s+(system\s+)?instructions\s*:`),
	regexp.MustCompile(`(?i)override\s+(the\s+)?(system|safety)\s+(prompt|instructions|rules)`),
	regexp.MustCompile(`(?i)reveal\s+(your|the)\s+(system\s+)?prompt`),
	regexp.MustCompile(`(?i)act\s+as\s+if\s+you\s+have\s+no\s+(restrictions|rules|guidelines)`),
	regexp.MustCompile(`(?i)do\s+not\s+follow\s+(your|the)\s+(instructions|guidelines|rules)`),
}

const redactedMarker = "[redacted]"

// Sanitize redacts instruction-override phrasing from untrusted memory text.
// Clean text passes through unchanged.
func Sanitize(text string) string {
	for _, pattern := range injectionPatterns {
		text = pattern.ReplaceAllString(text, redactedMarker)
	}
	return text
}
