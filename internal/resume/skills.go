package resume

import (
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/cases"
)

// ExtractSkills returns the vocabulary entries mentioned in text, ordered by
// first mention. Matching is case-insensitive and respects word boundaries,
// so "Go" does not match inside "Google". Duplicates are reported once using
// the vocabulary spelling.
func ExtractSkills(text string, vocabulary []string) []string {
	folder := cases.Fold()
	haystack := folder.String(text)

	type hit struct {
		skill string
		pos   int
	}

	seen := make(map[string]bool, len(vocabulary))
	hits := make([]hit, 0)
	for _, skill := range vocabulary {
		skill = strings.TrimSpace(skill)
		if skill == "" {
			continue
		}
		needle := folder.String(skill)
		if seen[needle] {
			continue
		}
		seen[needle] = true

		if pos := indexWord(haystack, needle); pos >= 0 {
			hits = append(hits, hit{skill: skill, pos: pos})
		}
	}

	sort.SliceStable(hits, func(i, j int) bool { return hits[i].pos < hits[j].pos })

	skills := make([]string, 0, len(hits))
	for _, h := range hits {
		skills = append(skills, h.skill)
	}
	return skills
}

func indexWord(haystack, needle string) int {
	offset := 0
	for {
		idx := strings.Index(haystack[offset:], needle)
		if idx < 0 {
			return -1
		}
		start := offset + idx
		end := start + len(needle)

		before, _ := utf8.DecodeLastRuneInString(haystack[:start])
		after, _ := utf8.DecodeRuneInString(haystack[end:])
		if (start == 0 || !isWordRune(before)) && (end == len(haystack) || !isWordRune(after)) {
			return start
		}
		offset = start + 1
	}
}

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_'
}
