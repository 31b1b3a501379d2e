package record

import "regexp"

// Identifier patterns for teams and logins. The same rules gate config
// entries and HTTP path parameters.
var (
	teamNamePattern = regexp.MustCompile(`^[A-Za-z0-9 ._-]{1,100}$`)
	loginPattern    = regexp.MustCompile(`^[A-Za-z0-9._-]{1,39}$`)
)

// ValidTeamName reports whether name is a well-formed team identifier.
func ValidTeamName(name string) bool { return teamNamePattern.MatchString(name) }

// ValidLogin reports whether login is a well-formed source-host login.
func ValidLogin(login string) bool { return loginPattern.MatchString(login) }
