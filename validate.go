package main

import "regexp"

// Rule is one declarative validation constraint for a request parameter.
// Min and Max bound the value's length in bytes; Pattern, when set, must
// match the whole value.
type Rule struct {
	Name     string
	Required bool
	Min      int
	Max      int
	Pattern  *regexp.Regexp
}

var (
	patternID   = regexp.MustCompile(`^[a-zA-Z0-9-]+$`)
	patternMD5  = regexp.MustCompile(`^[a-f0-9]{32}$`)
	patternName = regexp.MustCompile(`^[^/\\]+$`)
)

// ValidateParams checks values against rules and reports the first
// violation as an invalid-parameter business error.
func ValidateParams(values map[string]string, rules []Rule) error {
	for _, rule := range rules {
		value := values[rule.Name]
		if value == "" {
			if rule.Required {
				return errInvalidParam("parameter %q is required", rule.Name)
			}
			continue
		}
		if rule.Min > 0 && len(value) < rule.Min {
			return errInvalidParam("parameter %q shorter than %d", rule.Name, rule.Min)
		}
		if rule.Max > 0 && len(value) > rule.Max {
			return errInvalidParam("parameter %q longer than %d", rule.Name, rule.Max)
		}
		if rule.Pattern != nil && !rule.Pattern.MatchString(value) {
			return errInvalidParam("parameter %q is malformed", rule.Name)
		}
	}
	return nil
}
