package tracker

import (
	"strings"
	"time"

	"github.com/velometry/velometry/internal/record"
)

// jiraTimeFormat is the tracker's timestamp layout.
const jiraTimeFormat = "2006-01-02T15:04:05.000-0700"

// jiraDateFormat is the tracker's date-only layout (version release dates).
const jiraDateFormat = "2006-01-02"

// statusField is the changelog item field carrying workflow transitions.
const statusField = "status"

// jiraTime unmarshals the tracker's timestamp format, falling back to
// RFC 3339.
type jiraTime struct {
	time.Time
}

func (t *jiraTime) UnmarshalJSON(data []byte) error {
	raw := strings.Trim(string(data), `"`)
	if raw == "" || raw == "null" {
		t.Time = time.Time{}

		return nil
	}

	parsed, err := time.Parse(jiraTimeFormat, raw)
	if err != nil {
		parsed, err = time.Parse(time.RFC3339, raw)
		if err != nil {
			return err
		}
	}

	t.Time = parsed

	return nil
}

// named is any wire object whose only interesting part is its name.
type named struct {
	Name string `json:"name"`
}

type userRef struct {
	Name        string `json:"name"`
	DisplayName string `json:"displayName"`
}

func (u *userRef) login() string {
	if u == nil {
		return ""
	}

	if u.Name != "" {
		return u.Name
	}

	return u.DisplayName
}

type changelogItem struct {
	Field      string `json:"field"`
	FromString string `json:"fromString"`
	ToString   string `json:"toString"`
}

type changelogHistory struct {
	Created jiraTime        `json:"created"`
	Items   []changelogItem `json:"items"`
}

type issueFields struct {
	IssueType   *named   `json:"issuetype"`
	Status      *named   `json:"status"`
	Priority    *named   `json:"priority"`
	Assignee    *userRef `json:"assignee"`
	Reporter    *userRef `json:"reporter"`
	Created     jiraTime `json:"created"`
	Resolved    jiraTime `json:"resolutiondate"`
	FixVersions []named  `json:"fixVersions"`
	Labels      []string `json:"labels"`
}

type issueEnvelope struct {
	Key       string      `json:"key"`
	Fields    issueFields `json:"fields"`
	Changelog *struct {
		Histories []changelogHistory `json:"histories"`
	} `json:"changelog"`
}

// searchEnvelope is the POST search response.
type searchEnvelope struct {
	StartAt    int             `json:"startAt"`
	MaxResults int             `json:"maxResults"`
	Total      int             `json:"total"`
	Issues     []issueEnvelope `json:"issues"`
}

// searchRequest is the POST search body.
type searchRequest struct {
	JQL        string   `json:"jql"`
	StartAt    int      `json:"startAt"`
	MaxResults int      `json:"maxResults"`
	Fields     []string `json:"fields,omitempty"`
	Expand     []string `json:"expand,omitempty"`
}

// filterEnvelope is one saved filter.
type filterEnvelope struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	JQL  string `json:"jql"`
}

// versionEnvelope is one project fix-version.
type versionEnvelope struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Released    bool   `json:"released"`
	ReleaseDate string `json:"releaseDate"`
}

// issueSearchFields is the field list requested for metric issues.
var issueSearchFields = []string{
	"issuetype", "status", "priority", "assignee", "reporter",
	"created", "resolutiondate", "fixVersions", "labels",
}

// mapIssue converts one wire issue. approximated marks issues fetched
// without changelog expansion, whose status history is reduced to the
// current status.
func mapIssue(env issueEnvelope, approximated bool) record.Issue {
	issue := record.Issue{
		Key:          env.Key,
		CreatedAt:    env.Fields.Created.Time,
		Assignee:     env.Fields.Assignee.login(),
		Reporter:     env.Fields.Reporter.login(),
		Labels:       env.Fields.Labels,
		Approximated: approximated,
	}

	if env.Fields.IssueType != nil {
		issue.Type = env.Fields.IssueType.Name
	}

	if env.Fields.Status != nil {
		issue.Status = env.Fields.Status.Name
	}

	if env.Fields.Priority != nil {
		issue.Priority = env.Fields.Priority.Name
	}

	if !env.Fields.Resolved.IsZero() {
		resolved := env.Fields.Resolved.Time
		issue.ResolvedAt = &resolved
	}

	for _, version := range env.Fields.FixVersions {
		issue.FixVersions = append(issue.FixVersions, version.Name)
	}

	if env.Changelog != nil {
		for _, history := range env.Changelog.Histories {
			for _, item := range history.Items {
				if item.Field != statusField {
					continue
				}

				issue.Transitions = append(issue.Transitions, record.Transition{
					From: item.FromString,
					To:   item.ToString,
					At:   history.Created.Time,
				})
			}
		}
	}

	return issue
}
