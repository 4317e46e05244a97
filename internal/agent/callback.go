package agent

import "time"

// Callback payloads the agent posts to our inbound HTTP boundary.

type OTPNeeded struct {
	JobID   string `json:"job_id"`
	Service string `json:"service"`
	Prompt  string `json:"prompt,omitempty"`
}

type CredentialNeeded struct {
	JobID   string `json:"job_id"`
	Service string `json:"service"`
	Name    string `json:"name"`
}

type Result struct {
	JobID         string         `json:"job_id"`
	Success       bool           `json:"success"`
	AccessEndDate *time.Time     `json:"access_end_date,omitempty"`
	Error         string         `json:"error,omitempty"`
	DurationMS    int64          `json:"duration_ms"`
	Stats         map[string]any `json:"stats,omitempty"`
}
