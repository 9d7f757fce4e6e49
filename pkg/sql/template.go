package sql

import (
	"fmt"
	"regexp"
)

// parameterRegex matches {{parameter_name}} placeholders in SQL templates.
// Parameter names start with a letter or underscore, followed by word
// characters. The {{name}} syntax keeps templates distinct from PostgreSQL's
// positional $N parameters; values are never interpolated into the SQL text.
var parameterRegex = regexp.MustCompile(`\{\{([a-zA-Z_]\w*)\}\}`)

// ExtractParameters finds all {{param}} placeholders in a template and
// returns a deduplicated list of names in order of first appearance.
func ExtractParameters(sqlQuery string) []string {
	matches := parameterRegex.FindAllStringSubmatch(sqlQuery, -1)
	seen := make(map[string]bool)
	var params []string
	for _, match := range matches {
		name := match[1]
		if !seen[name] {
			seen[name] = true
			params = append(params, name)
		}
	}
	return params
}

// BindTemplate replaces each unique {{param}} with a PostgreSQL positional
// parameter and returns the prepared SQL plus ordered values for binding.
// A placeholder repeated in the template reuses the same position. Every
// placeholder must have a value; a missing one is an error so a template
// never reaches the database half-bound.
func BindTemplate(sqlQuery string, values map[string]any) (string, []any, error) {
	var ordered []any
	positions := make(map[string]int)
	var missing string

	result := parameterRegex.ReplaceAllStringFunc(sqlQuery, func(match string) string {
		name := parameterRegex.FindStringSubmatch(match)[1]
		if pos, ok := positions[name]; ok {
			return fmt.Sprintf("$%d", pos)
		}
		value, ok := values[name]
		if !ok {
			if missing == "" {
				missing = name
			}
			return match
		}
		positions[name] = len(ordered) + 1
		ordered = append(ordered, value)
		return fmt.Sprintf("$%d", positions[name])
	})

	if missing != "" {
		return "", nil, fmt.Errorf("no value bound for template parameter {{%s}}", missing)
	}
	return result, ordered, nil
}

// FindParametersInStringLiterals reports {{param}} placeholders that sit
// inside single-quoted literals. PostgreSQL would treat the substituted $N
// as literal text there, so such templates are rejected at registration.
func FindParametersInStringLiterals(sqlQuery string) []string {
	var problems []string
	seen := make(map[string]bool)

	inString := false
	stringStart := 0
	i := 0
	for i < len(sqlQuery) {
		if sqlQuery[i] == '\'' {
			if inString {
				// Skip SQL standard doubled quote ('').
				if i+1 < len(sqlQuery) && sqlQuery[i+1] == '\'' {
					i += 2
					continue
				}
				for _, match := range parameterRegex.FindAllStringSubmatch(sqlQuery[stringStart+1:i], -1) {
					if !seen[match[1]] {
						seen[match[1]] = true
						problems = append(problems, match[1])
					}
				}
				inString = false
			} else {
				inString = true
				stringStart = i
			}
		}
		i++
	}
	return problems
}
