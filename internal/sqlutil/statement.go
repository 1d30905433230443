package sqlutil

import (
	"regexp"
	"strings"
)

var tableRefPattern = regexp.MustCompile("(?i)\\b(?:from|join|into|update|table(?:\\s+if\\s+(?:not\\s+)?exists)?)\\s+((?:[`\"]?[A-Za-z_][A-Za-z0-9_]*[`\"]?\\.)?[`\"]?[A-Za-z_][A-Za-z0-9_]*[`\"]?)")

// ReferencedTables returns the distinct table names a statement mentions after
// FROM, JOIN, INTO, UPDATE or TABLE, in order of first appearance. Schema
// qualifiers and quoting are stripped.
func ReferencedTables(statement string) []string {
	matches := tableRefPattern.FindAllStringSubmatch(statement, -1)
	seen := make(map[string]struct{}, len(matches))
	tables := make([]string, 0, len(matches))
	for _, m := range matches {
		ref := m[1]
		if idx := strings.LastIndex(ref, "."); idx >= 0 {
			ref = ref[idx+1:]
		}
		name := strings.ToLower(UnquoteIdentifier(ref))
		if name == "select" || name == "lateral" {
			continue
		}
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		tables = append(tables, name)
	}
	return tables
}

// ReturnsRows reports whether a statement produces a result set and should be
// issued with QueryContext rather than ExecContext.
func ReturnsRows(statement string) bool {
	trimmed := strings.TrimSpace(statement)
	for strings.HasPrefix(trimmed, "(") {
		trimmed = strings.TrimSpace(trimmed[1:])
	}
	keyword := strings.ToUpper(firstWord(trimmed))
	switch keyword {
	case "SELECT", "WITH", "SHOW", "VALUES", "EXPLAIN", "DESCRIBE", "DESC", "TABLE":
		return true
	}
	return strings.Contains(strings.ToUpper(trimmed), "RETURNING")
}

func firstWord(s string) string {
	for i, r := range s {
		if r == ' ' || r == '\t' || r == '\n' || r == '\r' || r == '(' {
			return s[:i]
		}
	}
	return s
}

// SplitStatements splits a script into statements on semicolons that end a
// line. Blank statements and full-line "--" comments are dropped. Scripts must
// not contain procedural bodies with embedded semicolons.
func SplitStatements(script string) []string {
	var (
		statements []string
		current    strings.Builder
	)
	flush := func() {
		stmt := strings.TrimSpace(current.String())
		current.Reset()
		if stmt != "" {
			statements = append(statements, stmt)
		}
	}
	for _, line := range strings.Split(script, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "--") {
			continue
		}
		if strings.HasSuffix(trimmed, ";") {
			current.WriteString(strings.TrimSuffix(trimmed, ";"))
			flush()
			continue
		}
		current.WriteString(trimmed)
		current.WriteString("\n")
	}
	flush()
	return statements
}
