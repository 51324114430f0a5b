package agent

import (
	"regexp"
	"strings"
)

// Models occasionally leak reasoning tags into final text.
var thinkingTagPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?is)<think>.*?</think>`),
	regexp.MustCompile(`(?is)<thinking>.*?</thinking>`),
	regexp.MustCompile(`(?is)<thought>.*?</thought>`),
}

var leadingBlankLines = regexp.MustCompile(`^(?:[ \t]*\r?\n)+`)

// SanitizeFinal cleans the model's final text before it reaches the
// owner: leaked reasoning tags out, leading blank lines out, trailing
// whitespace trimmed.
func SanitizeFinal(content string) string {
	if content == "" {
		return content
	}
	lower := strings.ToLower(content)
	if strings.Contains(lower, "<think") || strings.Contains(lower, "<thought") {
		for _, pat := range thinkingTagPatterns {
			content = pat.ReplaceAllString(content, "")
		}
	}
	content = leadingBlankLines.ReplaceAllString(content, "")
	return strings.TrimRight(content, " \t\r\n")
}

// IsSilent reports whether the text is the agent's say-nothing marker:
// zero-width spaces and whitespace only. Silent replies complete the
// task without messaging the owner.
func IsSilent(text string) bool {
	if text == "" {
		return false
	}
	stripped := strings.ReplaceAll(text, "​", "")
	return strings.TrimSpace(stripped) == "" && stripped != text
}
