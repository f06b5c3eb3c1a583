package schema

import (
	"fmt"
	"strings"
)

// QuoteIdent quotes an SQL identifier.
func QuoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// QuoteIdents quotes and joins identifiers with commas.
func QuoteIdents(names []string) string {
	quoted := make([]string, len(names))
	for i, name := range names {
		quoted[i] = QuoteIdent(name)
	}
	return strings.Join(quoted, ", ")
}

// CreateTableSQL renders an idempotent CREATE TABLE statement.
func (t *Table) CreateTableSQL() string {
	lines := make([]string, 0, len(t.Columns)+len(t.ForeignKeys)+1)
	singleKey := len(t.PrimaryKey) == 1
	for _, column := range t.Columns {
		line := fmt.Sprintf("\t%s %s", QuoteIdent(column.Name), column.Type)
		if singleKey && t.PrimaryKey[0] == column.Name {
			line += " PRIMARY KEY"
		} else if !column.Nullable {
			line += " NOT NULL"
		}
		lines = append(lines, line)
	}
	if !singleKey {
		lines = append(lines, fmt.Sprintf("\tPRIMARY KEY (%s)", QuoteIdents(t.PrimaryKey)))
	}
	for _, fk := range t.ForeignKeys {
		line := fmt.Sprintf("\tFOREIGN KEY (%s) REFERENCES %s(%s)",
			QuoteIdent(fk.Column), QuoteIdent(fk.RefTable), QuoteIdent(fk.RefColumn))
		if fk.Cascade {
			line += " ON DELETE CASCADE"
		}
		lines = append(lines, line)
	}
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n%s\n)", QuoteIdent(t.Name), strings.Join(lines, ",\n"))
}

// IndexName is the relational name of a secondary index.
func (t *Table) IndexName(idx Index) string {
	return fmt.Sprintf("idx_%s_%s", t.Name, strings.TrimPrefix(idx.Name, "by_"))
}

// CreateIndexSQL renders idempotent CREATE INDEX statements for every secondary index.
func (t *Table) CreateIndexSQL() []string {
	statements := make([]string, 0, len(t.Indexes))
	for _, idx := range t.Indexes {
		unique := ""
		if idx.Unique {
			unique = "UNIQUE "
		}
		statements = append(statements, fmt.Sprintf("CREATE %sINDEX IF NOT EXISTS %s ON %s (%s)",
			unique, QuoteIdent(t.IndexName(idx)), QuoteIdent(t.Name), QuoteIdents(idx.Fields)))
	}
	return statements
}

// DDL returns every statement needed to create the schema, tables first.
func (s *Schema) DDL() []string {
	statements := make([]string, 0, len(s.tables)*2)
	for _, table := range s.tables {
		statements = append(statements, table.CreateTableSQL())
	}
	for _, table := range s.tables {
		statements = append(statements, table.CreateIndexSQL()...)
	}
	return statements
}
