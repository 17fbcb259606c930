package api

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/dirkhh/adsb-boottest/pkg/store"
)

// submitRequest is the intake payload for a boot test.
type submitRequest struct {
	ImageURL    string         `json:"image_url"`
	TriggeredBy string         `json:"triggered_by,omitempty"`
	GitHub      *githubContext `json:"github,omitempty"`
}

// githubContext is the tagged provenance variant: the event type decides
// which target identifier must be present, so a request carrying both a
// release ID and a PR number is rejected outright.
type githubContext struct {
	EventType     string `json:"event_type"`
	ReleaseID     *int64 `json:"release_id,omitempty"`
	PRNumber      *int   `json:"pr_number,omitempty"`
	CommitSHA     string `json:"commit_sha,omitempty"`
	WorkflowRunID string `json:"workflow_run_id,omitempty"`
}

// toRun converts a validated submit request into a new queued run.
func (req *submitRequest) toRun(version string) *store.TestRun {
	run := &store.TestRun{
		ImageURL:        req.ImageURL,
		ImageVersion:    version,
		TriggeredBy:     req.TriggeredBy,
		GithubEventType: store.EventNone,
	}

	if run.TriggeredBy == "" {
		run.TriggeredBy = "manual"
		if req.GitHub != nil && req.GitHub.EventType != store.EventNone {
			run.TriggeredBy = "webhook"
		}
	}

	if req.GitHub != nil {
		run.GithubEventType = req.GitHub.EventType
		run.GithubReleaseID = req.GitHub.ReleaseID
		run.GithubPRNumber = req.GitHub.PRNumber
		run.GithubCommitSHA = req.GitHub.CommitSHA
		run.GithubWorkflowRunID = req.GitHub.WorkflowRunID
	}

	return run
}

// validate checks the request against the configured origin repository
// and the tagged github variant rules. Returns the derived image version.
func (req *submitRequest) validate(originRepo string) (string, error) {
	if req.ImageURL == "" {
		return "", fmt.Errorf("image_url is required")
	}

	version, err := deriveImageVersion(req.ImageURL, originRepo)
	if err != nil {
		return "", err
	}

	if req.GitHub == nil {
		return version, nil
	}

	gh := req.GitHub
	if gh.EventType == "" {
		gh.EventType = store.EventNone
	}

	switch gh.EventType {
	case store.EventNone:
		if gh.ReleaseID != nil || gh.PRNumber != nil {
			return "", fmt.Errorf(
				"release_id and pr_number require a matching event_type",
			)
		}
	case store.EventRelease:
		if gh.ReleaseID == nil {
			return "", fmt.Errorf("release_id is required for release events")
		}

		if gh.PRNumber != nil {
			return "", fmt.Errorf(
				"pr_number is not allowed for release events",
			)
		}
	case store.EventPullRequest:
		if gh.PRNumber == nil {
			return "", fmt.Errorf(
				"pr_number is required for pull_request events",
			)
		}

		if gh.ReleaseID != nil {
			return "", fmt.Errorf(
				"release_id is not allowed for pull_request events",
			)
		}
	default:
		return "", fmt.Errorf("unknown event_type %q", gh.EventType)
	}

	return version, nil
}

// deriveImageVersion validates that the image URL points at a release
// artifact of the origin repository and returns the release tag as the
// image version.
func deriveImageVersion(imageURL, originRepo string) (string, error) {
	u, err := url.Parse(imageURL)
	if err != nil {
		return "", fmt.Errorf("parsing image_url: %w", err)
	}

	if u.Scheme != "https" {
		return "", fmt.Errorf("image_url must use https")
	}

	if u.Host != "github.com" {
		return "", fmt.Errorf(
			"image_url host %q is not an accepted artifact origin", u.Host,
		)
	}

	prefix := "/" + strings.Trim(originRepo, "/") + "/releases/download/"

	rest, ok := strings.CutPrefix(u.Path, prefix)
	if !ok {
		return "", fmt.Errorf(
			"image_url is not a release artifact of %s", originRepo,
		)
	}

	// rest is "<tag>/<filename>"; the tag is the image version.
	tag, _, ok := strings.Cut(rest, "/")
	if !ok || tag == "" {
		return "", fmt.Errorf("image_url is missing a release tag segment")
	}

	return tag, nil
}
