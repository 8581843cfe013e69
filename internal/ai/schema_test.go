package ai

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/spigell/cv-matcher/internal/apperr"
)

func TestParseResultValid(t *testing.T) {
	tests := []struct {
		name  string
		raw   string
		score int
	}{
		{name: "plain", raw: `{"score": 0, "rationale": "No overlap"}`, score: 0},
		{name: "upper bound", raw: `{"score": 100, "rationale": "Perfect"}`, score: 100},
		{name: "integral float", raw: `{"score": 75.0, "rationale": "Good"}`, score: 75},
		{name: "fenced", raw: "```json\n{\"score\": 10, \"rationale\": \"Weak\"}\n```", score: 10},
		{name: "prose around", raw: "Here you go: {\"score\": 33, \"rationale\": \"Some\"} Thanks", score: 33},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := ParseResult(tt.raw)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if res.Score != tt.score {
				t.Fatalf("expected %d, got %d", tt.score, res.Score)
			}
			if res.Strengths == nil || res.Improvements == nil {
				t.Fatalf("lists must be non-nil")
			}
		})
	}
}

func TestParseResultRejects(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{name: "not json", raw: "I think they fit"},
		{name: "array", raw: `[1,2]`},
		{name: "missing score", raw: `{"rationale": "x"}`},
		{name: "string score", raw: `{"score": "80", "rationale": "x"}`},
		{name: "fractional score", raw: `{"score": 80.5, "rationale": "x"}`},
		{name: "negative score", raw: `{"score": -1, "rationale": "x"}`},
		{name: "score above range", raw: `{"score": 101, "rationale": "x"}`},
		{name: "empty rationale", raw: `{"score": 50, "rationale": "  "}`},
		{name: "numeric rationale", raw: `{"score": 50, "rationale": 1}`},
		{name: "strengths not array", raw: `{"score": 50, "rationale": "x", "strengths": "Go"}`},
		{name: "non-string improvement", raw: `{"score": 50, "rationale": "x", "improvements": [1]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseResult(tt.raw)
			if !errors.Is(err, apperr.ErrMalformedResponse) {
				t.Fatalf("expected malformed response, got %v", err)
			}
		})
	}
}

func TestParseResultPoints(t *testing.T) {
	long := strings.Repeat("я", maxPointRunes+20)
	raw := `{"score": 60, "rationale": "ok", "strengths": ["Go", "  go ", "", "SQL", "` + long + `"], "improvements": null}`

	res, err := ParseResult(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(res.Strengths) != 3 || res.Strengths[0] != "Go" || res.Strengths[1] != "SQL" {
		t.Fatalf("unexpected strengths: %v", res.Strengths)
	}
	if n := len([]rune(res.Strengths[2])); n != maxPointRunes {
		t.Fatalf("expected clipped point of %d runes, got %d", maxPointRunes, n)
	}
	if len(res.Improvements) != 0 {
		t.Fatalf("expected no improvements, got %v", res.Improvements)
	}
}

func TestParseResultKeepsEveryDistinctPoint(t *testing.T) {
	items := make([]string, 0, 15)
	for i := 0; i < 15; i++ {
		items = append(items, fmt.Sprintf("%q", fmt.Sprintf("point %d", i)))
	}
	items = append(items, `"POINT 3"`)
	raw := `{"score": 70, "rationale": "ok", "strengths": [` + strings.Join(items, ",") + `]}`

	res, err := ParseResult(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Strengths) != 15 {
		t.Fatalf("expected 15 distinct strengths, got %d: %v", len(res.Strengths), res.Strengths)
	}
	if res.Strengths[14] != "point 14" {
		t.Fatalf("evaluator order not kept: %v", res.Strengths)
	}
}
