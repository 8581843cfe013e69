package domain

import (
	"strings"
	"time"
)

// Candidate is a job seeker profile. Resume fields are superseded on re-upload.
type Candidate struct {
	ID                string    `json:"id"`
	Name              string    `json:"name"`
	ResumeURI         string    `json:"resume_uri,omitempty"`
	ResumeText        string    `json:"resume_text,omitempty"`
	Skills            []string  `json:"skills,omitempty"`
	ExperienceSummary string    `json:"experience_summary,omitempty"`
	EducationSummary  string    `json:"education_summary,omitempty"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// Text renders the candidate signal sent to the scoring oracle.
func (c *Candidate) Text() string {
	var parts []string
	if s := strings.TrimSpace(c.ResumeText); s != "" {
		parts = append(parts, s)
	}
	if len(c.Skills) > 0 {
		parts = append(parts, "Skills: "+strings.Join(c.Skills, ", "))
	}
	if s := strings.TrimSpace(c.ExperienceSummary); s != "" {
		parts = append(parts, "Experience: "+s)
	}
	if s := strings.TrimSpace(c.EducationSummary); s != "" {
		parts = append(parts, "Education: "+s)
	}
	return strings.Join(parts, "\n\n")
}
