package store

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

// Run status constants. A run moves queued -> running -> passed|failed and
// never regresses.
const (
	StatusQueued  = "queued"
	StatusRunning = "running"
	StatusPassed  = "passed"
	StatusFailed  = "failed"
)

// GitHub event type constants. The event type determines the reporting
// target shape; "none" runs are never reported.
const (
	EventNone        = "none"
	EventRelease     = "release"
	EventPullRequest = "pull_request"
)

// Report status constants. A report may retry from "failed" back to
// "posted" but never from "posted" backward.
const (
	ReportPending = "pending"
	ReportPosted  = "posted"
	ReportFailed  = "failed"
)

// Well-known error stages written by the scheduler itself.
const (
	StageTimeout     = "timeout"
	StageInterrupted = "interrupted"
	StageExecutor    = "executor"
)

const runIDBytes = 8

// TestRun is one row per requested boot test; the single source of truth
// for both execution state and reporting progress.
type TestRun struct {
	ID        string    `gorm:"primaryKey" json:"id"`
	CreatedAt time.Time `gorm:"index" json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	ImageURL     string `gorm:"not null" json:"image_url"`
	ImageVersion string `json:"image_version"`
	Status       string `gorm:"not null;index" json:"status"`
	TriggeredBy  string `json:"triggered_by"`

	GithubEventType     string `gorm:"not null;default:none" json:"github_event_type"`
	GithubReleaseID     *int64 `gorm:"index" json:"github_release_id,omitempty"`
	GithubPRNumber      *int   `gorm:"index" json:"github_pr_number,omitempty"`
	GithubCommitSHA     string `json:"github_commit_sha,omitempty"`
	GithubWorkflowRunID string `json:"github_workflow_run_id,omitempty"`

	StartedAt       *time.Time `json:"started_at,omitempty"`
	DurationSeconds float64    `json:"duration_seconds,omitempty"`
	ErrorStage      string     `json:"error_stage,omitempty"`

	GithubReportedAt   *time.Time `json:"github_reported_at,omitempty"`
	GithubReportStatus string     `gorm:"not null;default:pending;index" json:"github_report_status"`
}

// Terminal reports whether the run reached a final state.
func (r *TestRun) Terminal() bool {
	return r.Status == StatusPassed || r.Status == StatusFailed
}

// TargetKey returns the reporting group key for the run, or an empty
// string for runs without a reporting target.
func (r *TestRun) TargetKey() string {
	switch r.GithubEventType {
	case EventRelease:
		if r.GithubReleaseID != nil {
			return fmt.Sprintf("release-%d", *r.GithubReleaseID)
		}
	case EventPullRequest:
		if r.GithubPRNumber != nil {
			return fmt.Sprintf("pr-%d", *r.GithubPRNumber)
		}
	}

	return ""
}

// NewRunID generates a random run identifier.
func NewRunID() (string, error) {
	b := make([]byte, runIDBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating run id: %w", err)
	}

	return "run-" + hex.EncodeToString(b), nil
}
