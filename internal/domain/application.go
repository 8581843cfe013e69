package domain

import "time"

// HistoryEntry records a status and the server time it was entered.
type HistoryEntry struct {
	Status Status    `json:"status"`
	At     time.Time `json:"at"`
}

// Application ties a candidate to a job posting.
type Application struct {
	ID          string         `json:"id"`
	CandidateID string         `json:"candidate_id"`
	JobID       string         `json:"job_id"`
	Status      Status         `json:"status"`
	History     []HistoryEntry `json:"history"`
	ResumeURI   string         `json:"resume_uri,omitempty"`
	CoverLetter string         `json:"cover_letter,omitempty"`
	MatchScore  *int           `json:"match_score,omitempty"`
	Version     int64          `json:"version"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// NewApplication returns an application in the initial state stamped with now.
func NewApplication(id, candidateID, jobID string, now time.Time) *Application {
	return &Application{
		ID:          id,
		CandidateID: candidateID,
		JobID:       jobID,
		Status:      StatusNew,
		History:     []HistoryEntry{{Status: StatusNew, At: now}},
		Version:     1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// Clone returns a deep copy.
func (a *Application) Clone() *Application {
	if a == nil {
		return nil
	}
	out := *a
	out.History = append([]HistoryEntry(nil), a.History...)
	if a.MatchScore != nil {
		score := *a.MatchScore
		out.MatchScore = &score
	}
	return &out
}
