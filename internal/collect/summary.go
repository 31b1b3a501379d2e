package collect

import (
	"fmt"
	"io"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"
)

// Summary describes one finished collection job.
type Summary struct {
	JobID       string        `json:"jobId"`
	RangeSpec   string        `json:"rangeSpec"`
	Environment string        `json:"environment"`
	StartedAt   time.Time     `json:"startedAt"`
	Duration    time.Duration `json:"duration"`
	ArtifactKey string        `json:"artifactKey,omitempty"`
	Teams       []TeamSummary `json:"teams"`
}

// TeamSummary is the per-team slice of a Summary.
type TeamSummary struct {
	Team         string `json:"team"`
	PullRequests int    `json:"pullRequests"`
	Issues       int    `json:"issues"`
	Releases     int    `json:"releases"`
	Members      int    `json:"members"`
	Partial      bool   `json:"partial"`
	Failures     int    `json:"failures"`
}

// Partial reports whether any team's data is incomplete.
func (s *Summary) Partial() bool {
	for _, team := range s.Teams {
		if team.Partial {
			return true
		}
	}

	return false
}

// Render writes the summary as a table, one row per team, with a status
// column marking complete and partial sets.
func (s *Summary) Render(w io.Writer) {
	okMark := color.New(color.FgGreen).Sprint("ok")
	partialMark := color.New(color.FgYellow).Sprint("partial")

	tbl := table.NewWriter()
	tbl.SetOutputMirror(w)
	tbl.SetStyle(table.StyleLight)
	tbl.AppendHeader(table.Row{"Team", "Members", "PRs", "Issues", "Releases", "Failures", "Status"})

	totalPRs, totalIssues, totalReleases := 0, 0, 0

	for _, team := range s.Teams {
		status := okMark
		if team.Partial {
			status = partialMark
		}

		tbl.AppendRow(table.Row{
			team.Team, team.Members,
			humanize.Comma(int64(team.PullRequests)),
			humanize.Comma(int64(team.Issues)),
			humanize.Comma(int64(team.Releases)),
			team.Failures, status,
		})

		totalPRs += team.PullRequests
		totalIssues += team.Issues
		totalReleases += team.Releases
	}

	tbl.AppendFooter(table.Row{
		"Total", "",
		humanize.Comma(int64(totalPRs)),
		humanize.Comma(int64(totalIssues)),
		humanize.Comma(int64(totalReleases)),
		"", "",
	})
	tbl.Render()

	fmt.Fprintf(w, "job %s  range %s", s.JobID, s.RangeSpec)

	if s.Environment != "" {
		fmt.Fprintf(w, "  env %s", s.Environment)
	}

	fmt.Fprintf(w, "  took %s\n", s.Duration.Round(time.Millisecond))

	if s.ArtifactKey != "" {
		fmt.Fprintf(w, "artifact %s\n", s.ArtifactKey)
	}
}
