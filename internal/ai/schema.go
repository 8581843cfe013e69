package ai

import (
	"fmt"
	"math"
	"strings"
	"unicode/utf8"

	"github.com/tidwall/gjson"

	"github.com/spigell/cv-matcher/internal/apperr"
	"github.com/spigell/cv-matcher/internal/domain"
)

const (
	maxScore      = 100
	maxPointRunes = 120
)

// ParseResult validates a raw oracle answer against the result schema.
func ParseResult(raw string) (*domain.MatchResult, error) {
	cleaned := extractJSON(raw)
	if cleaned == "" || !gjson.Valid(cleaned) {
		return nil, malformed("answer is not valid json")
	}

	doc := gjson.Parse(cleaned)
	if !doc.IsObject() {
		return nil, malformed("answer is not a json object")
	}

	score, err := parseScore(doc.Get("score"))
	if err != nil {
		return nil, err
	}

	rationale := doc.Get("rationale")
	if rationale.Type != gjson.String || strings.TrimSpace(rationale.Str) == "" {
		return nil, malformed("rationale must be a non-empty string")
	}

	strengths, err := parsePoints(doc.Get("strengths"), "strengths")
	if err != nil {
		return nil, err
	}

	improvements, err := parsePoints(doc.Get("improvements"), "improvements")
	if err != nil {
		return nil, err
	}

	return &domain.MatchResult{
		Score:        score,
		Rationale:    strings.TrimSpace(rationale.Str),
		Strengths:    strengths,
		Improvements: improvements,
	}, nil
}

func parseScore(v gjson.Result) (int, error) {
	if v.Type != gjson.Number {
		return 0, malformed("score must be a number")
	}
	f := v.Float()
	if math.IsNaN(f) || f != math.Trunc(f) {
		return 0, malformed(fmt.Sprintf("score %s is not an integer", v.Raw))
	}
	if f < 0 || f > maxScore {
		return 0, malformed(fmt.Sprintf("score %s is out of range", v.Raw))
	}
	return int(f), nil
}

// parsePoints accepts a missing field as empty. Entries are trimmed, clipped,
// and deduplicated case-insensitively in the evaluator's order.
func parsePoints(v gjson.Result, field string) ([]string, error) {
	points := []string{}
	if !v.Exists() || v.Type == gjson.Null {
		return points, nil
	}
	if !v.IsArray() {
		return nil, malformed(field + " must be an array")
	}

	seen := make(map[string]bool)
	var err error
	v.ForEach(func(_, item gjson.Result) bool {
		if item.Type != gjson.String {
			err = malformed(field + " must contain only strings")
			return false
		}
		point := strings.Join(strings.Fields(item.Str), " ")
		if point == "" {
			return true
		}
		if utf8.RuneCountInString(point) > maxPointRunes {
			point = string([]rune(point)[:maxPointRunes])
		}
		key := strings.ToLower(point)
		if seen[key] {
			return true
		}
		seen[key] = true
		points = append(points, point)
		return true
	})
	if err != nil {
		return nil, err
	}

	return points, nil
}

func malformed(reason string) error {
	return apperr.E("ai.ParseResult", apperr.ErrMalformedResponse, fmt.Errorf("%s", reason))
}

// extractJSON strips markdown fences and any prose around the outermost object.
func extractJSON(raw string) string {
	raw = strings.TrimSpace(raw)
	if strings.HasPrefix(raw, "```") {
		raw = strings.TrimPrefix(raw, "```json")
		raw = strings.TrimPrefix(raw, "```")
		raw = strings.TrimSpace(raw)
		if idx := strings.LastIndex(raw, "```"); idx != -1 {
			raw = raw[:idx]
		}
	}
	raw = strings.Trim(raw, "`")
	raw = strings.TrimSpace(raw)

	if !strings.HasPrefix(raw, "{") {
		start := strings.Index(raw, "{")
		end := strings.LastIndex(raw, "}")
		if start >= 0 && end > start {
			raw = raw[start : end+1]
		}
	}
	return raw
}
