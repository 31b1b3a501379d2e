package server

import (
	"fmt"
	"regexp"

	"github.com/go-playground/validator/v10"

	"github.com/velometry/velometry/internal/errdefs"
	"github.com/velometry/velometry/internal/window"
)

// Input shapes accepted in URL segments and query parameters.
var (
	envNamePattern  = regexp.MustCompile(`^[A-Za-z0-9_-]{0,50}$`)
	teamNamePattern = regexp.MustCompile(`^[A-Za-z0-9 ._-]{1,100}$`)
	loginPattern    = regexp.MustCompile(`^[A-Za-z0-9._-]{1,39}$`)
)

// inputChecker validates request inputs with named rules.
type inputChecker struct {
	v *validator.Validate
}

func newInputChecker() (*inputChecker, error) {
	v := validator.New()

	rules := map[string]validator.Func{
		"rangespec": func(fl validator.FieldLevel) bool {
			_, err := window.Parse(fl.Field().String())

			return err == nil
		},
		"envname": func(fl validator.FieldLevel) bool {
			return envNamePattern.MatchString(fl.Field().String())
		},
		"teamname": func(fl validator.FieldLevel) bool {
			return teamNamePattern.MatchString(fl.Field().String())
		},
		"login": func(fl validator.FieldLevel) bool {
			return loginPattern.MatchString(fl.Field().String())
		},
	}

	for name, fn := range rules {
		if err := v.RegisterValidation(name, fn); err != nil {
			return nil, fmt.Errorf("register %s rule: %w", name, err)
		}
	}

	return &inputChecker{v: v}, nil
}

// check validates one value against a named rule, mapping failures to the
// validation error kind.
func (c *inputChecker) check(field, value, rule string) error {
	if err := c.v.Var(value, rule); err != nil {
		return fmt.Errorf("%w: invalid %s %q", errdefs.ErrValidation, field, value)
	}

	return nil
}
