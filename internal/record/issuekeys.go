package record

import "regexp"

// issueKeyPattern matches tracker keys like "PLAT-123" in free text.
// Project prefixes are at least two characters, all caps.
var issueKeyPattern = regexp.MustCompile(`\b[A-Z][A-Z0-9]+-[0-9]+\b`)

// ExtractIssueKeys scans the given texts (PR title, branch name, body) for
// issue-tracker keys and returns them deduplicated in first-seen order.
func ExtractIssueKeys(texts ...string) []string {
	var keys []string

	seen := make(map[string]bool)

	for _, text := range texts {
		for _, key := range issueKeyPattern.FindAllString(text, -1) {
			if seen[key] {
				continue
			}

			seen[key] = true

			keys = append(keys, key)
		}
	}

	return keys
}
