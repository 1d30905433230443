package baseline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tenantdb/internal/dberr"
)

func TestLoadEmbeddedBaselines(t *testing.T) {
	catalog, err := LoadCatalog()
	require.NoError(t, err)

	for _, name := range []string{"postgres", "mysql"} {
		t.Run(name, func(t *testing.T) {
			schema, err := Load(name)
			require.NoError(t, err)
			assert.NotEmpty(t, schema.Statements)

			for _, table := range catalog.CriticalTables {
				assert.True(t, schema.HasTable(table), "baseline must create critical table %s", table)
			}
			for _, rule := range catalog.Rules {
				assert.True(t, schema.HasTable(rule.Table), "rule table %s must exist in the baseline", rule.Table)
			}
		})
	}

	_, err = Load("oracle")
	assert.Error(t, err)
}

func TestParse(t *testing.T) {
	schema, err := Parse("postgres", "CREATE TABLE IF NOT EXISTS \"Tags\" (id BIGINT);\nCREATE INDEX IF NOT EXISTS idx ON tags (id);")
	require.NoError(t, err)
	assert.Len(t, schema.Statements, 2)
	assert.Equal(t, []string{"tags"}, schema.Tables)

	_, err = Parse("postgres", "-- nothing here\n")
	assert.Error(t, err)
}

func TestParseColumns(t *testing.T) {
	script := `CREATE TABLE IF NOT EXISTS leads (
    id BIGSERIAL PRIMARY KEY,
    title TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'new',
    value NUMERIC(14, 2),
    created_by TEXT DEFAULT NULLIF(current_setting('app.actor_id', true), ''),
    UNIQUE (title, status)
);`
	schema, err := Parse("postgres", script)
	require.NoError(t, err)

	assert.Equal(t, []Column{
		{Name: "title", Definition: "TEXT"},
		{Name: "status", Definition: "TEXT NOT NULL DEFAULT 'new'"},
		{Name: "value", Definition: "NUMERIC(14, 2)"},
		{Name: "created_by", Definition: "TEXT DEFAULT NULLIF(current_setting('app.actor_id', true), '')"},
	}, schema.Columns["leads"])
	assert.True(t, schema.HasColumn("leads", "value"))
	assert.False(t, schema.HasColumn("leads", "id"))
	assert.False(t, schema.HasColumn("contacts", "title"))
}

func TestEmbeddedBaselineDeclaresClientNotes(t *testing.T) {
	for _, name := range []string{"postgres", "mysql"} {
		schema, err := Load(name)
		require.NoError(t, err)
		assert.True(t, schema.HasColumn("clients", "notes"), name)
		assert.True(t, schema.HasColumn("profiles", "display_name"), name)
	}
}

func TestCatalogMatch(t *testing.T) {
	catalog, err := LoadCatalog()
	require.NoError(t, err)

	rule, ok := catalog.Match(dberr.KindMissingColumn, "profiles", "agency_id")
	require.True(t, ok)
	assert.Equal(t, ActionAddColumn, rule.Action)
	assert.Equal(t, "profile_agency", rule.Group)

	group := catalog.Group(rule.Group)
	require.Len(t, group, 2)
	assert.Equal(t, ActionAddIndex, group[1].Action)

	rule, ok = catalog.Match(dberr.KindNotNullViolation, "contacts", "last_name")
	require.True(t, ok)
	assert.Equal(t, ActionDropNotNull, rule.Action)
	assert.Equal(t, "VARCHAR(255)", rule.DefinitionFor("mysql"))
	assert.Equal(t, "TEXT", rule.DefinitionFor("postgres"))

	rule, ok = catalog.Match(dberr.KindMissingTable, "audit_log", "")
	require.True(t, ok)
	assert.Equal(t, ActionCreateTable, rule.Action)

	_, ok = catalog.Match(dberr.KindMissingColumn, "profiles", "nonexistent")
	assert.False(t, ok)
	_, ok = catalog.Match(dberr.KindUnknown, "profiles", "agency_id")
	assert.False(t, ok)
	_, ok = catalog.Match(dberr.KindMissingColumn, "", "agency_id")
	assert.False(t, ok)
}

func TestCatalogMatchAny(t *testing.T) {
	catalog, err := LoadCatalog()
	require.NoError(t, err)

	rule, ok := catalog.MatchAny(dberr.KindMissingColumn, "agency_id", []string{"profiles", "clients"})
	require.True(t, ok)
	assert.Equal(t, "profiles", rule.Table)

	// city exists on clients and suppliers: ambiguous without candidates.
	_, ok = catalog.MatchAny(dberr.KindMissingColumn, "city", nil)
	assert.False(t, ok)

	rule, ok = catalog.MatchAny(dberr.KindMissingColumn, "city", []string{"suppliers", "purchase_orders"})
	require.True(t, ok)
	assert.Equal(t, "suppliers", rule.Table)
}

func TestParseCatalogValidation(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"no critical tables", "rules: []"},
		{"unknown action", "critical_tables: [a]\nrules:\n  - table: a\n    column: b\n    action: drop_column\n"},
		{"missing definition", "critical_tables: [a]\nrules:\n  - table: a\n    column: b\n    action: add_column\n"},
		{"index without columns", "critical_tables: [a]\nrules:\n  - table: a\n    action: add_index\n    name: idx\n"},
		{"duplicate", "critical_tables: [a]\nrules:\n  - {table: a, column: b, action: add_column, definition: TEXT}\n  - {table: a, column: b, action: add_column, definition: INT}\n"},
		{"bad yaml", "critical_tables: [a"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseCatalog([]byte(tt.yaml))
			assert.Error(t, err)
		})
	}
}
