// Package baseline embeds the tenant baseline schema for each dialect and
// the declarative repair rule catalog consulted by the repair engine.
package baseline

import (
	"embed"
	"fmt"
	"regexp"
	"slices"
	"strings"

	"tenantdb/internal/sqlutil"
)

//go:embed sql/postgres/baseline.sql sql/mysql/baseline.sql repair_rules.yaml
var files embed.FS

var createTablePattern = regexp.MustCompile("(?i)^CREATE TABLE IF NOT EXISTS [`\"]?(\\w+)")

// Schema is the ordered baseline DDL for one dialect.
type Schema struct {
	Dialect    string
	Statements []string
	// Tables lists the tables the baseline creates, in creation order.
	Tables []string
	// Columns holds the columns of each baseline table that can be added to
	// an existing table. Key and identity columns are left out.
	Columns map[string][]Column
}

// Column is one baseline column with a definition usable in ADD COLUMN.
type Column struct {
	Name       string
	Definition string
}

// Load returns the embedded baseline for a dialect family.
func Load(dialectName string) (*Schema, error) {
	data, err := files.ReadFile("sql/" + dialectName + "/baseline.sql")
	if err != nil {
		return nil, fmt.Errorf("no baseline schema for dialect %q: %w", dialectName, err)
	}
	return Parse(dialectName, string(data))
}

// Parse splits a baseline script into statements.
func Parse(dialectName, script string) (*Schema, error) {
	statements := sqlutil.SplitStatements(script)
	if len(statements) == 0 {
		return nil, fmt.Errorf("baseline schema for %s is empty", dialectName)
	}
	s := &Schema{Dialect: dialectName, Statements: statements, Columns: map[string][]Column{}}
	for _, stmt := range statements {
		if m := createTablePattern.FindStringSubmatch(stmt); m != nil {
			table := strings.ToLower(m[1])
			s.Tables = append(s.Tables, table)
			s.Columns[table] = tableColumns(stmt)
		}
	}
	return s, nil
}

// HasColumn reports whether the baseline declares an addable column.
func (s *Schema) HasColumn(table, column string) bool {
	for _, c := range s.Columns[table] {
		if c.Name == column {
			return true
		}
	}
	return false
}

var tableConstraintKeywords = map[string]bool{
	"PRIMARY": true, "UNIQUE": true, "CONSTRAINT": true, "FOREIGN": true,
	"KEY": true, "INDEX": true, "CHECK": true, "FULLTEXT": true, "EXCLUDE": true,
}

// tableColumns extracts the column list of a CREATE TABLE statement.
func tableColumns(stmt string) []Column {
	open := strings.Index(stmt, "(")
	end := strings.LastIndex(stmt, ")")
	if open < 0 || end <= open {
		return nil
	}
	var cols []Column
	for _, item := range splitTopLevel(stmt[open+1 : end]) {
		fields := strings.Fields(item)
		if len(fields) < 2 || tableConstraintKeywords[strings.ToUpper(fields[0])] {
			continue
		}
		def := strings.Join(fields[1:], " ")
		upper := strings.ToUpper(def)
		if strings.Contains(upper, "PRIMARY KEY") || strings.Contains(upper, "SERIAL") || strings.Contains(upper, "AUTO_INCREMENT") {
			continue
		}
		cols = append(cols, Column{
			Name:       strings.ToLower(strings.Trim(fields[0], "`\"")),
			Definition: additiveDefinition(def),
		})
	}
	return cols
}

// additiveDefinition drops NOT NULL from columns without a default, since
// such a column cannot be added to a table that already has rows.
func additiveDefinition(def string) string {
	upper := strings.ToUpper(def)
	if !strings.Contains(upper, "NOT NULL") || strings.Contains(upper, "DEFAULT") {
		return def
	}
	i := strings.Index(upper, "NOT NULL")
	return strings.Join(strings.Fields(def[:i]+def[i+len("NOT NULL"):]), " ")
}

// splitTopLevel splits on commas outside parentheses and quotes.
func splitTopLevel(body string) []string {
	var (
		parts   []string
		depth   int
		inQuote bool
		start   int
	)
	for i, r := range body {
		switch {
		case r == '\'':
			inQuote = !inQuote
		case inQuote:
		case r == '(':
			depth++
		case r == ')':
			depth--
		case r == ',' && depth == 0:
			parts = append(parts, strings.TrimSpace(body[start:i]))
			start = i + 1
		}
	}
	if rest := strings.TrimSpace(body[start:]); rest != "" {
		parts = append(parts, rest)
	}
	return parts
}

// HasTable reports whether the baseline creates table.
func (s *Schema) HasTable(table string) bool {
	return slices.Contains(s.Tables, table)
}
