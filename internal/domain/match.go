package domain

// InsufficientData is the rationale given when there is nothing to score.
const InsufficientData = "insufficient data"

// MatchResult is the oracle verdict for one candidate/job pair.
type MatchResult struct {
	Score        int      `json:"score"`
	Rationale    string   `json:"rationale"`
	Strengths    []string `json:"strengths"`
	Improvements []string `json:"improvements"`
	Cached       bool     `json:"cached,omitempty"`
}

// EmptyMatch is the result for a pair with no usable text.
func EmptyMatch() *MatchResult {
	return &MatchResult{
		Score:        0,
		Rationale:    InsufficientData,
		Strengths:    []string{},
		Improvements: []string{},
	}
}

// Clone returns a deep copy.
func (m *MatchResult) Clone() *MatchResult {
	if m == nil {
		return nil
	}
	out := *m
	out.Strengths = append([]string{}, m.Strengths...)
	out.Improvements = append([]string{}, m.Improvements...)
	return &out
}
