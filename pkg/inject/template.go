// Package inject evaluates parameterized script templates inside a DevTools
// target.
package inject

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

var placeholder = regexp.MustCompile(`\{\{([A-Za-z_][A-Za-z0-9_]*)\}\}`)

// MissingParameterError lists placeholders that had no parameter.
type MissingParameterError struct {
	Names []string
}

func (e *MissingParameterError) Error() string {
	return "missing template parameters: " + strings.Join(e.Names, ", ")
}

// Placeholders returns the distinct placeholder names of src in order of
// first appearance.
func Placeholders(src string) []string {
	var names []string
	seen := make(map[string]bool)
	for _, m := range placeholder.FindAllStringSubmatch(src, -1) {
		if !seen[m[1]] {
			seen[m[1]] = true
			names = append(names, m[1])
		}
	}
	return names
}

// Compose replaces every {{NAME}} in src with the JSON encoding of
// params[NAME]. The template is trusted source; only the substituted values
// are encoded.
func Compose(src string, params map[string]interface{}) (string, error) {
	var missing []string
	literals := make(map[string]string)
	for _, name := range Placeholders(src) {
		v, ok := params[name]
		if !ok {
			missing = append(missing, name)
			continue
		}
		lit, err := literal(v)
		if err != nil {
			return "", fmt.Errorf("encode parameter %s: %w", name, err)
		}
		literals[name] = lit
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return "", &MissingParameterError{Names: missing}
	}

	return placeholder.ReplaceAllStringFunc(src, func(m string) string {
		return literals[m[2:len(m)-2]]
	}), nil
}

func literal(v interface{}) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return "", err
	}
	return strings.TrimSuffix(buf.String(), "\n"), nil
}
