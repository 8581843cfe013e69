package domain

import (
	"fmt"
	"strings"
	"time"
)

// Salary is an optional pay range.
type Salary struct {
	From     int    `json:"from,omitempty"`
	To       int    `json:"to,omitempty"`
	Currency string `json:"currency,omitempty"`
}

// JobPosting is an open position published by an employer.
type JobPosting struct {
	ID          string    `json:"id"`
	EmployerID  string    `json:"employer_id"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Tags        []string  `json:"tags,omitempty"`
	Category    string    `json:"category,omitempty"`
	Remote      bool      `json:"remote"`
	Salary      *Salary   `json:"salary,omitempty"`
	PostedAt    time.Time `json:"posted_at"`
}

// Text renders the job signal sent to the scoring oracle.
// It is empty when the posting carries no title and no description.
func (j *JobPosting) Text() string {
	title := strings.TrimSpace(j.Title)
	desc := strings.TrimSpace(j.Description)
	if title == "" && desc == "" {
		return ""
	}

	var b strings.Builder
	b.WriteString(title)
	if desc != "" {
		b.WriteString("\n\n")
		b.WriteString(desc)
	}
	if len(j.Tags) > 0 {
		b.WriteString("\n\nTags: ")
		b.WriteString(strings.Join(j.Tags, ", "))
	}
	if j.Category != "" {
		b.WriteString("\nCategory: ")
		b.WriteString(j.Category)
	}
	if j.Remote {
		b.WriteString("\nRemote: yes")
	}
	if j.Salary != nil && (j.Salary.From > 0 || j.Salary.To > 0) {
		fmt.Fprintf(&b, "\nSalary: %d-%d %s", j.Salary.From, j.Salary.To, j.Salary.Currency)
	}
	return strings.TrimSpace(b.String())
}
