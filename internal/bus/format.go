package bus

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// splitLimit is the per-message size the UIs accept (the Telegram hard
// cap is 4096; 4000 leaves room for the budget footer).
const splitLimit = 4000

// Markdown markers stripped for plain-text surfaces, applied in order:
// fenced blocks keep their body, then inline code, emphasis runs from
// strongest to weakest, strikethrough, links keep their text, headings
// and list bullets lose their decoration.
var (
	mdFence   = regexp.MustCompile("```[^\n]*\n([\\s\\S]*?)```")
	mdInline  = regexp.MustCompile("`([^`]+)`")
	mdBoldIt  = regexp.MustCompile(`\*\*\*(.+?)\*\*\*`)
	mdBold    = regexp.MustCompile(`\*\*(.+?)\*\*`)
	mdItalic  = regexp.MustCompile(`\*([^*\n]+)\*`)
	mdUnder   = regexp.MustCompile(`\b_([^_\n]+)_\b`)
	mdStrike  = regexp.MustCompile(`~~(.+?)~~`)
	mdLink    = regexp.MustCompile(`\[([^\]]+)\]\([^)]+\)`)
	mdHeading = regexp.MustCompile(`(?m)^#{1,6}\s+`)
	mdBullet  = regexp.MustCompile(`(?m)^[*\-]\s+`)
)

// StripMarkdown removes formatting markers and keeps the body text.
func StripMarkdown(text string) string {
	text = mdFence.ReplaceAllString(text, "$1")
	text = mdInline.ReplaceAllString(text, "$1")
	text = mdBoldIt.ReplaceAllString(text, "$1")
	text = mdBold.ReplaceAllString(text, "$1")
	text = mdItalic.ReplaceAllString(text, "$1")
	text = mdUnder.ReplaceAllString(text, "$1")
	text = mdStrike.ReplaceAllString(text, "$1")
	text = mdLink.ReplaceAllString(text, "$1")
	text = mdHeading.ReplaceAllString(text, "")
	text = mdBullet.ReplaceAllString(text, "• ")
	text = strings.ReplaceAll(text, "**", "")
	text = strings.ReplaceAll(text, "__", "")
	text = strings.ReplaceAll(text, "~~", "")
	text = strings.ReplaceAll(text, "`", "")
	return text
}

// SplitMessage cuts text into chunks of at most limit bytes, preferring
// the last newline inside the window. A cut landing in the first 100
// bytes would produce confetti, so it falls back to a hard cut on the
// nearest rune boundary.
func SplitMessage(text string, limit int) []string {
	if limit <= 0 {
		limit = splitLimit
	}
	var chunks []string
	s := text
	for len(s) > limit {
		cut := strings.LastIndex(s[:limit], "\n")
		if cut < 100 {
			cut = limit
			for cut > 0 && !utf8.RuneStart(s[cut]) {
				cut--
			}
		}
		chunks = append(chunks, s[:cut])
		s = s[cut:]
	}
	return append(chunks, s)
}
