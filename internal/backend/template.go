package backend

import (
	"regexp"
	"strings"
)

var placeholderRe = regexp.MustCompile(`\{\{([a-zA-Z0-9_\-]+)\}\}`)

// resolveTemplate substitutes {{key}} placeholders from values against
// a flat task metadata map.
func resolveTemplate(template string, values map[string]string) string {
	return placeholderRe.ReplaceAllStringFunc(template, func(m string) string {
		key := strings.TrimSuffix(strings.TrimPrefix(m, "{{"), "}}")
		if v, ok := values[key]; ok {
			return v
		}
		return m
	})
}
