package configutil

import (
	"errors"
	"sort"
	"strings"
)

// Schema names the required and optional keys of a provider settings
// map. Matching ignores case, underscores and hyphens.
type Schema struct {
	Required []string
	Optional []string
}

// ValidateSettings reports missing required keys and unknown ones. The
// error lists every problem at once so config mistakes surface in a
// single run.
func ValidateSettings(input map[string]any, schema Schema) error {
	required := make(map[string]string, len(schema.Required))
	for _, k := range schema.Required {
		required[normalizeKey(k)] = k
	}
	known := make(map[string]struct{}, len(schema.Required)+len(schema.Optional))
	for nk := range required {
		known[nk] = struct{}{}
	}
	for _, k := range schema.Optional {
		known[normalizeKey(k)] = struct{}{}
	}

	var missing, unknown []string
	seen := make(map[string]bool, len(input))
	for key, value := range input {
		nk := normalizeKey(key)
		seen[nk] = true
		if _, ok := known[nk]; !ok {
			unknown = append(unknown, key)
		}
		if name, ok := required[nk]; ok && emptyValue(value) {
			missing = append(missing, name)
		}
	}
	for nk, name := range required {
		if !seen[nk] {
			missing = append(missing, name)
		}
	}

	if len(missing) == 0 && len(unknown) == 0 {
		return nil
	}
	var b strings.Builder
	if len(missing) > 0 {
		sort.Strings(missing)
		b.WriteString("missing: ")
		b.WriteString(strings.Join(missing, ", "))
	}
	if len(unknown) > 0 {
		if b.Len() > 0 {
			b.WriteString("; ")
		}
		sort.Strings(unknown)
		b.WriteString("unknown: ")
		b.WriteString(strings.Join(unknown, ", "))
	}
	return errors.New(b.String())
}

// emptyValue treats nil and blank strings as absent; other zero values
// are legitimate settings.
func emptyValue(v any) bool {
	if v == nil {
		return true
	}
	if s, ok := v.(string); ok {
		return strings.TrimSpace(s) == ""
	}
	return false
}
