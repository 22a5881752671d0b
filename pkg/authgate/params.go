package authgate

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
)

// ParamError lists the problems found by ValidateRequestParams.
type ParamError struct {
	Missing    []string
	Unexpected []string
}

func (e *ParamError) Error() string {
	var parts []string
	if len(e.Missing) > 0 {
		parts = append(parts, "missing required parameters: "+strings.Join(e.Missing, ", "))
	}
	if len(e.Unexpected) > 0 {
		parts = append(parts, "unexpected parameters: "+strings.Join(e.Unexpected, ", "))
	}
	return strings.Join(parts, "; ")
}

func present(v any) bool {
	switch val := v.(type) {
	case nil:
		return false
	case string:
		return strings.TrimSpace(val) != ""
	default:
		return true
	}
}

// ValidateRequestParams checks that every required key is present and non-empty and that
// data holds no key outside required and optional. It returns a *ParamError or nil.
func ValidateRequestParams(data map[string]any, required, optional []string) error {
	perr := &ParamError{}

	for _, key := range required {
		if !present(data[key]) {
			perr.Missing = append(perr.Missing, key)
		}
	}
	for key := range data {
		if !slices.Contains(required, key) && !slices.Contains(optional, key) {
			perr.Unexpected = append(perr.Unexpected, key)
		}
	}

	if len(perr.Missing) == 0 && len(perr.Unexpected) == 0 {
		return nil
	}
	slices.Sort(perr.Missing)
	slices.Sort(perr.Unexpected)
	return perr
}

// ErrMissingAPIKeys is wrapped by ValidateRequiredAPIKeys.
var ErrMissingAPIKeys = errors.New("missing required API keys")

// LookupFunc resolves a secret by name.
type LookupFunc func(name string) (string, bool)

// ValidateRequiredAPIKeys checks that every name resolves to a non-empty value.
// A nil lookup reads the environment.
func ValidateRequiredAPIKeys(names []string, lookup LookupFunc) error {
	if lookup == nil {
		lookup = os.LookupEnv
	}

	var missing []string
	for _, name := range names {
		if v, ok := lookup(name); !ok || strings.TrimSpace(v) == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrMissingAPIKeys, strings.Join(missing, ", "))
	}
	return nil
}
