package reporter

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/dirkhh/adsb-boottest/pkg/store"
)

// Marker identifies the report section in a release body or PR comment.
// Posting always replaces the text from the marker on, never appends, so
// repeated delivery cannot duplicate visible content.
const Marker = "<!-- adsb-boottest-report -->"

const blockHeading = "### Image boot test"

// RenderStatusBlock renders the markdown status block for one reporting
// target. Output is deterministic for a given set of runs apart from the
// trailing timestamp line: runs are sorted by creation time, ties broken
// by ID.
func RenderStatusBlock(runs []store.TestRun, now time.Time) string {
	sorted := make([]store.TestRun, len(runs))
	copy(sorted, runs)

	sort.Slice(sorted, func(i, j int) bool {
		if !sorted[i].CreatedAt.Equal(sorted[j].CreatedAt) {
			return sorted[i].CreatedAt.Before(sorted[j].CreatedAt)
		}

		return sorted[i].ID < sorted[j].ID
	})

	var b strings.Builder

	b.WriteString(Marker)
	b.WriteString("\n")
	b.WriteString(blockHeading)
	b.WriteString("\n\n")

	for _, run := range sorted {
		b.WriteString(renderRunLine(&run))
		b.WriteString("\n")
	}

	b.WriteString("\n_Last updated: ")
	b.WriteString(now.UTC().Format(time.RFC3339))
	b.WriteString("_")

	return b.String()
}

// renderRunLine renders a single run as one list item.
func renderRunLine(run *store.TestRun) string {
	version := run.ImageVersion
	if version == "" {
		version = run.ImageURL
	}

	switch run.Status {
	case store.StatusQueued:
		return fmt.Sprintf("- ⏳ `%s`: Queued", version)
	case store.StatusRunning:
		return fmt.Sprintf("- 🔄 `%s`: Running", version)
	case store.StatusPassed:
		return fmt.Sprintf(
			"- ✅ `%s`: Passed in %.0fs", version, run.DurationSeconds,
		)
	case store.StatusFailed:
		stage := run.ErrorStage
		if stage == "" {
			stage = "unknown"
		}

		return fmt.Sprintf(
			"- ❌ `%s`: Failed at %s stage", version, stage,
		)
	default:
		return fmt.Sprintf("- `%s`: %s", version, run.Status)
	}
}

// spliceBody replaces everything from the marker on with the fresh block,
// or appends the block when no marker is present.
func spliceBody(body, block string) string {
	if idx := strings.Index(body, Marker); idx >= 0 {
		body = strings.TrimRight(body[:idx], "\n")
	}

	if body == "" {
		return block
	}

	return body + "\n\n" + block
}
