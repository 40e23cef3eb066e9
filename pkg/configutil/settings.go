package configutil

import (
	"fmt"
	"strings"

	"github.com/mitchellh/mapstructure"
)

// DecodeSettings maps a free-form settings block onto a typed struct.
// Key matching ignores case, underscores and hyphens, and scalars are
// coerced, so a quoted "8000" still lands in an int field.
func DecodeSettings(input map[string]any, out any) error {
	if len(input) == 0 {
		return nil
	}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "mapstructure",
		Result:           out,
		WeaklyTypedInput: true,
		MatchName: func(mapKey, fieldName string) bool {
			return normalizeKey(mapKey) == normalizeKey(fieldName)
		},
	})
	if err != nil {
		return err
	}
	return dec.Decode(input)
}

// RequireString errors when a required config field is blank.
func RequireString(value, path string) error {
	if strings.TrimSpace(value) == "" {
		return fmt.Errorf("%s is required", path)
	}
	return nil
}

// Value resolves an optional pointer setting against its default.
// Pointer fields distinguish "absent" from the zero value, so false
// and 0 survive as explicit choices.
func Value[T any](value *T, fallback T) T {
	if value == nil {
		return fallback
	}
	return *value
}

// StringValue resolves an optional string setting against its default.
func StringValue(value, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}

func normalizeKey(value string) string {
	value = strings.ToLower(value)
	value = strings.ReplaceAll(value, "_", "")
	return strings.ReplaceAll(value, "-", "")
}
