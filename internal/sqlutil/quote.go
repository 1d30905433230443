// Package sqlutil provides SQL text helpers shared by the dialects, the
// baseline loader and the executor.
package sqlutil

import "strings"

// QuoteBacktick quotes an identifier MySQL style, doubling embedded backticks.
func QuoteBacktick(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "``") + "`"
}

// QuoteDouble quotes an identifier ANSI style, doubling embedded double quotes.
func QuoteDouble(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// QuoteString quotes a SQL string literal with single quotes and escapes
// any single quotes within the string by doubling them.
func QuoteString(s string) string {
	escaped := strings.ReplaceAll(s, "'", "''")
	return "'" + escaped + "'"
}

// UnquoteIdentifier strips one level of backtick or double quote wrapping.
func UnquoteIdentifier(name string) string {
	if len(name) >= 2 {
		first, last := name[0], name[len(name)-1]
		if (first == '"' && last == '"') || (first == '`' && last == '`') {
			return name[1 : len(name)-1]
		}
	}
	return name
}
