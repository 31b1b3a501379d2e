package githost

import (
	"fmt"
	"regexp"

	"github.com/velometry/velometry/internal/config"
	"github.com/velometry/velometry/internal/errdefs"
	"github.com/velometry/velometry/internal/record"
)

// classificationRule is one compiled tag-pattern rule.
type classificationRule struct {
	pattern *regexp.Regexp
	env     record.ReleaseEnvironment
}

// Classifier maps release tags and names onto deployment environments using
// ordered configurable rules. Tag patterns are deployment-specific, so
// nothing is hard-coded: the first matching rule wins, and with no match a
// prerelease classifies as staging and anything else as production.
type Classifier struct {
	rules []classificationRule
}

// NewClassifier compiles the configured classification rules in order.
func NewClassifier(rules []config.ClassificationRule) (*Classifier, error) {
	compiled := make([]classificationRule, 0, len(rules))

	for _, rule := range rules {
		re, err := regexp.Compile(rule.Pattern)
		if err != nil {
			return nil, fmt.Errorf("%w: classification pattern %q: %v", errdefs.ErrConfig, rule.Pattern, err)
		}

		compiled = append(compiled, classificationRule{
			pattern: re,
			env:     record.ReleaseEnvironment(rule.Environment),
		})
	}

	return &Classifier{rules: compiled}, nil
}

// Classify derives the environment of one release from its tag and name.
func (c *Classifier) Classify(tag, name string, prerelease bool) record.ReleaseEnvironment {
	for _, rule := range c.rules {
		if rule.pattern.MatchString(tag) || rule.pattern.MatchString(name) {
			return rule.env
		}
	}

	if prerelease {
		return record.EnvStaging
	}

	return record.EnvProduction
}
