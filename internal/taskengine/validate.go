package taskengine

import (
	"errors"
	"net/url"
)

// ErrInvalidConfiguration is returned for any violation of the create_scan
// configuration contract (spec.md §4.6).
var ErrInvalidConfiguration = errors.New("invalid-configuration")

// ValidateConfiguration enforces that raw is an object containing only the
// key "target", whose value is an http/https URL with no query, fragment,
// username, or password.
func ValidateConfiguration(raw map[string]interface{}) (string, error) {
	if len(raw) != 1 {
		return "", ErrInvalidConfiguration
	}
	targetVal, ok := raw["target"]
	if !ok {
		return "", ErrInvalidConfiguration
	}
	target, ok := targetVal.(string)
	if !ok {
		return "", ErrInvalidConfiguration
	}
	return target, validateTarget(target)
}

func validateTarget(target string) error {
	u, err := url.Parse(target)
	if err != nil {
		return ErrInvalidConfiguration
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return ErrInvalidConfiguration
	}
	if u.RawQuery != "" || u.Fragment != "" {
		return ErrInvalidConfiguration
	}
	if u.User != nil {
		return ErrInvalidConfiguration
	}
	return nil
}
