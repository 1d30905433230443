package baseline

import (
	"errors"
	"fmt"
	"slices"

	"gopkg.in/yaml.v3"

	"tenantdb/internal/dberr"
)

// Action is one additive corrective step.
type Action string

const (
	ActionAddColumn   Action = "add_column"
	ActionDropNotNull Action = "drop_not_null"
	ActionAddIndex    Action = "add_index"
	ActionCreateTable Action = "create_table"
)

// RepairRule maps an observed schema symptom to a corrective step.
type RepairRule struct {
	Table           string   `yaml:"table"`
	Column          string   `yaml:"column"`
	Action          Action   `yaml:"action"`
	Definition      string   `yaml:"definition"`
	MySQLDefinition string   `yaml:"mysql_definition"`
	Name            string   `yaml:"name"`
	Columns         []string `yaml:"columns"`
	Group           string   `yaml:"group"`
}

// DefinitionFor returns the column type or table body for a dialect.
func (r RepairRule) DefinitionFor(dialectName string) string {
	if dialectName == "mysql" && r.MySQLDefinition != "" {
		return r.MySQLDefinition
	}
	return r.Definition
}

// Catalog is the single source of truth for targeted repairs.
type Catalog struct {
	CriticalTables []string     `yaml:"critical_tables"`
	Rules          []RepairRule `yaml:"rules"`
}

type ruleKey struct {
	table  string
	column string
	action Action
}

// LoadCatalog parses the embedded repair_rules.yaml.
func LoadCatalog() (*Catalog, error) {
	data, err := files.ReadFile("repair_rules.yaml")
	if err != nil {
		return nil, fmt.Errorf("read repair rules: %w", err)
	}
	return ParseCatalog(data)
}

// ParseCatalog decodes and validates a rule catalog.
func ParseCatalog(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("decode repair rules: %w", err)
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Catalog) validate() error {
	if len(c.CriticalTables) == 0 {
		return errors.New("repair rules: critical_tables must not be empty")
	}
	seen := make(map[ruleKey]bool, len(c.Rules))
	for i, r := range c.Rules {
		if r.Table == "" {
			return fmt.Errorf("repair rule %d: table is required", i)
		}
		switch r.Action {
		case ActionAddColumn, ActionDropNotNull:
			if r.Column == "" || r.Definition == "" {
				return fmt.Errorf("repair rule %d (%s %s): column and definition are required", i, r.Action, r.Table)
			}
		case ActionAddIndex:
			if r.Name == "" || len(r.Columns) == 0 {
				return fmt.Errorf("repair rule %d (%s %s): name and columns are required", i, r.Action, r.Table)
			}
		case ActionCreateTable:
			if r.Definition == "" {
				return fmt.Errorf("repair rule %d (%s %s): definition is required", i, r.Action, r.Table)
			}
		default:
			return fmt.Errorf("repair rule %d: unknown action %q", i, r.Action)
		}
		key := ruleKey{table: r.Table, column: r.Column + r.Name, action: r.Action}
		if seen[key] {
			return fmt.Errorf("repair rule %d duplicates %s %s.%s", i, r.Action, r.Table, r.Column+r.Name)
		}
		seen[key] = true
	}
	return nil
}

// actionFor returns the corrective action that answers a signal kind.
func actionFor(kind dberr.SignalKind) (Action, bool) {
	switch kind {
	case dberr.KindMissingColumn:
		return ActionAddColumn, true
	case dberr.KindNotNullViolation:
		return ActionDropNotNull, true
	case dberr.KindMissingTable:
		return ActionCreateTable, true
	}
	return "", false
}

// Match finds the rule answering kind for table and column. Missing tables
// match on table alone.
func (c *Catalog) Match(kind dberr.SignalKind, table, column string) (RepairRule, bool) {
	action, ok := actionFor(kind)
	if !ok || table == "" {
		return RepairRule{}, false
	}
	if action == ActionCreateTable {
		column = ""
	}
	for _, r := range c.Rules {
		if r.Action == action && r.Table == table && r.Column == column {
			return r, true
		}
	}
	return RepairRule{}, false
}

// MatchAny resolves a signal whose table is unknown: it returns the single
// rule for column among candidate tables, or among all tables when there
// are no candidates. Ambiguity yields no match.
func (c *Catalog) MatchAny(kind dberr.SignalKind, column string, candidates []string) (RepairRule, bool) {
	action, ok := actionFor(kind)
	if !ok || column == "" || action == ActionCreateTable {
		return RepairRule{}, false
	}
	var found []RepairRule
	for _, r := range c.Rules {
		if r.Action != action || r.Column != column {
			continue
		}
		if len(candidates) > 0 && !slices.Contains(candidates, r.Table) {
			continue
		}
		found = append(found, r)
	}
	if len(found) != 1 {
		return RepairRule{}, false
	}
	return found[0], true
}

// Group returns every rule of a group in declaration order.
func (c *Catalog) Group(name string) []RepairRule {
	if name == "" {
		return nil
	}
	var rules []RepairRule
	for _, r := range c.Rules {
		if r.Group == name {
			rules = append(rules, r)
		}
	}
	return rules
}

// IsCritical reports whether a table is part of the readiness check.
func (c *Catalog) IsCritical(table string) bool {
	return slices.Contains(c.CriticalTables, table)
}
