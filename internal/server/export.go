package server

import (
	"encoding/csv"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/velometry/velometry/internal/errdefs"
	"github.com/velometry/velometry/internal/metrics"
)

// Export formats.
const (
	formatCSV  = "csv"
	formatJSON = "json"
)

// Flat CSV schemas with fixed column order.
var (
	teamColumns = []string{
		"team", "rangeSpec", "environment",
		"prsTotal", "prsMerged", "prsOpen", "mergeRate",
		"cycleTimeMeanHours", "cycleTimeMedianHours", "timeToFirstReviewHours",
		"reviewsTotal", "uniqueReviewers",
		"commitsTotal", "activeContributors",
		"issuesCount", "issuesCompleted",
		"deployments", "deploymentsPerDay", "leadTimeMedianHours",
		"changeFailureRate", "mttrMedianHours", "level",
	}

	personColumns = []string{
		"login", "name", "team", "rangeSpec", "environment",
		"prsTotal", "prsMerged", "mergeRate", "cycleTimeMedianHours",
		"reviewsTotal", "commitsTotal", "issuesCompleted", "score",
	}

	comparisonColumns = []string{
		"team", "prsMerged", "mergeRate", "cycleTimeHours",
		"reviews", "commits", "deployments", "deploymentsPerDay",
		"leadTimeHours", "changeFailureRate", "mttrHours", "level",
	}
)

func exportFormat(r *http.Request) (string, error) {
	format := chi.URLParam(r, "format")
	if format != formatCSV && format != formatJSON {
		return "", fmt.Errorf("%w: export format must be csv or json, got %q", errdefs.ErrValidation, format)
	}

	return format, nil
}

// csvValue renders a metric value: sentinels become empty cells, never a
// fake zero.
func csvValue(v metrics.Value) string {
	if !v.IsOK() {
		return ""
	}

	return strconv.FormatFloat(v.Float, 'f', -1, 64)
}

func csvInt(n int) string { return strconv.Itoa(n) }

func csvFloat(f float64) string { return strconv.FormatFloat(f, 'f', -1, 64) }

func (s *Server) writeCSV(w http.ResponseWriter, r *http.Request, filename string, header []string, rows [][]string) {
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))

	cw := csv.NewWriter(w)

	if err := cw.Write(header); err != nil {
		s.logger.Warn("csv write failed", "path", r.URL.Path, "error", err)

		return
	}

	for _, row := range rows {
		if err := cw.Write(row); err != nil {
			s.logger.Warn("csv write failed", "path", r.URL.Path, "error", err)

			return
		}
	}

	cw.Flush()
}

func teamRow(tm metrics.TeamMetrics, sc scope) []string {
	return []string{
		tm.Team, sc.spec.String(), sc.env,
		csvInt(tm.PRs.Total), csvInt(tm.PRs.Merged), csvInt(tm.PRs.Open), csvValue(tm.PRs.MergeRate),
		csvValue(tm.PRs.CycleTimeMeanHours), csvValue(tm.PRs.CycleTimeMedianHours), csvValue(tm.PRs.TimeToFirstReviewHours),
		csvInt(tm.Reviews.Total), csvInt(tm.Reviews.UniqueReviewers),
		csvInt(tm.Contributors.TotalCommits), csvInt(len(tm.Contributors.Contributors)),
		csvInt(tm.Issues.Count), csvInt(tm.Issues.Completed),
		csvInt(tm.Delivery.TotalDeployments), csvValue(tm.Delivery.DeploymentsPerDay), csvValue(tm.Delivery.LeadTimeMedianHours),
		csvValue(tm.Delivery.ChangeFailureRate), csvValue(tm.Delivery.MTTRMedianHours), string(tm.Delivery.Level),
	}
}

func personRow(pm metrics.PersonMetrics, sc scope) []string {
	return []string{
		pm.Login, pm.Name, pm.Team, sc.spec.String(), sc.env,
		csvInt(pm.PRs.Total), csvInt(pm.PRs.Merged), csvValue(pm.PRs.MergeRate), csvValue(pm.PRs.CycleTimeMedianHours),
		csvInt(pm.Reviews.Total), csvInt(pm.Contributors.TotalCommits), csvInt(pm.Issues.Completed),
		csvFloat(pm.Score),
	}
}

func comparisonRow(row metrics.ComparisonRow) []string {
	return []string{
		row.Team, csvInt(row.PRsMerged), csvValue(row.MergeRate), csvValue(row.CycleTimeHours),
		csvInt(row.Reviews), csvInt(row.Commits), csvInt(row.Deployments), csvValue(row.DeploymentsPerDay),
		csvValue(row.LeadTimeHours), csvValue(row.ChangeFailureRate), csvValue(row.MTTRHours), string(row.Level),
	}
}

func findTeam(teams []metrics.TeamMetrics, name string) (metrics.TeamMetrics, bool) {
	for _, tm := range teams {
		if tm.Team == name {
			return tm, true
		}
	}

	return metrics.TeamMetrics{}, false
}

func (s *Server) handleExportTeam(w http.ResponseWriter, r *http.Request) {
	team := chi.URLParam(r, "team")
	if err := s.checker.check("team", team, "teamname"); err != nil {
		s.respondError(w, r, err)

		return
	}

	format, err := exportFormat(r)
	if err != nil {
		s.respondError(w, r, err)

		return
	}

	sc, err := s.scopeFrom(r)
	if err != nil {
		s.respondError(w, r, err)

		return
	}

	bundle, header, ok := s.loadBundle(w, r, sc)
	if !ok {
		return
	}

	tm, found := findTeam(bundle.Teams, team)
	if !found {
		s.respondError(w, r, fmt.Errorf("%w: unknown team %q", errdefs.ErrNotFound, team))

		return
	}

	if format == formatJSON {
		respondJSON(w, http.StatusOK, map[string]any{
			"team":     tm,
			"metadata": s.metadataFor(sc, header),
		})

		return
	}

	filename := fmt.Sprintf("team-%s-%s.csv", team, sc.spec.String())
	s.writeCSV(w, r, filename, teamColumns, [][]string{teamRow(tm, sc)})
}

func (s *Server) handleExportPerson(w http.ResponseWriter, r *http.Request) {
	login := chi.URLParam(r, "login")
	if err := s.checker.check("login", login, "login"); err != nil {
		s.respondError(w, r, err)

		return
	}

	format, err := exportFormat(r)
	if err != nil {
		s.respondError(w, r, err)

		return
	}

	sc, err := s.scopeFrom(r)
	if err != nil {
		s.respondError(w, r, err)

		return
	}

	bundle, header, ok := s.loadBundle(w, r, sc)
	if !ok {
		return
	}

	var (
		person metrics.PersonMetrics
		found  bool
	)

	for _, pm := range s.scoredPeople(bundle.People) {
		if pm.Login == login {
			person, found = pm, true

			break
		}
	}

	if !found {
		s.respondError(w, r, fmt.Errorf("%w: unknown person %q", errdefs.ErrNotFound, login))

		return
	}

	if format == formatJSON {
		respondJSON(w, http.StatusOK, map[string]any{
			"person":   person,
			"metadata": s.metadataFor(sc, header),
		})

		return
	}

	filename := fmt.Sprintf("person-%s-%s.csv", login, sc.spec.String())
	s.writeCSV(w, r, filename, personColumns, [][]string{personRow(person, sc)})
}

func (s *Server) handleExportComparison(w http.ResponseWriter, r *http.Request) {
	format, err := exportFormat(r)
	if err != nil {
		s.respondError(w, r, err)

		return
	}

	sc, err := s.scopeFrom(r)
	if err != nil {
		s.respondError(w, r, err)

		return
	}

	bundle, header, ok := s.loadBundle(w, r, sc)
	if !ok {
		return
	}

	if format == formatJSON {
		respondJSON(w, http.StatusOK, map[string]any{
			"comparison": bundle.Comparison,
			"metadata":   s.metadataFor(sc, header),
		})

		return
	}

	rows := make([][]string, 0, len(bundle.Comparison))
	for _, row := range bundle.Comparison {
		rows = append(rows, comparisonRow(row))
	}

	filename := fmt.Sprintf("comparison-%s.csv", sc.spec.String())
	s.writeCSV(w, r, filename, comparisonColumns, rows)
}

func (s *Server) handleExportTeamMembers(w http.ResponseWriter, r *http.Request) {
	team := chi.URLParam(r, "team")
	if err := s.checker.check("team", team, "teamname"); err != nil {
		s.respondError(w, r, err)

		return
	}

	format, err := exportFormat(r)
	if err != nil {
		s.respondError(w, r, err)

		return
	}

	sc, err := s.scopeFrom(r)
	if err != nil {
		s.respondError(w, r, err)

		return
	}

	bundle, header, ok := s.loadBundle(w, r, sc)
	if !ok {
		return
	}

	if _, found := findTeam(bundle.Teams, team); !found {
		s.respondError(w, r, fmt.Errorf("%w: unknown team %q", errdefs.ErrNotFound, team))

		return
	}

	members := make([]metrics.PersonMetrics, 0)

	for _, pm := range s.scoredPeople(bundle.People) {
		if pm.Team == team {
			members = append(members, pm)
		}
	}

	if format == formatJSON {
		respondJSON(w, http.StatusOK, map[string]any{
			"members":  members,
			"metadata": s.metadataFor(sc, header),
		})

		return
	}

	rows := make([][]string, 0, len(members))
	for _, pm := range members {
		rows = append(rows, personRow(pm, sc))
	}

	filename := fmt.Sprintf("team-members-%s-%s.csv", team, sc.spec.String())
	s.writeCSV(w, r, filename, personColumns, rows)
}
