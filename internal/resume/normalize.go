package resume

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Normalize cleans extracted text: invalid UTF-8 and control characters are
// dropped, compatibility forms are folded (NFKC), spaces inside a line are
// collapsed and at most one blank line separates paragraphs.
func Normalize(raw string) string {
	raw = strings.ToValidUTF8(raw, "")
	raw = strings.ReplaceAll(raw, "\r\n", "\n")
	raw = strings.ReplaceAll(raw, "\r", "\n")

	t := transform.Chain(norm.NFKC, runes.Remove(runes.Predicate(isNoise)))
	cleaned, _, err := transform.String(t, raw)
	if err != nil {
		cleaned = raw
	}

	lines := strings.Split(cleaned, "\n")
	out := make([]string, 0, len(lines))
	blank := false
	for _, line := range lines {
		line = strings.Join(strings.Fields(line), " ")
		if line == "" {
			if len(out) > 0 && !blank {
				out = append(out, "")
			}
			blank = true
			continue
		}
		blank = false
		out = append(out, line)
	}

	return strings.TrimSpace(strings.Join(out, "\n"))
}

func isNoise(r rune) bool {
	if r == '\n' || r == '\t' {
		return false
	}
	return unicode.IsControl(r) || r == '\uFEFF' || r == unicode.ReplacementChar
}
