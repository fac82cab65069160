// Package catalog turns MySQL table definitions and the configured change
// streams into the schema the encoder runs against, and decodes binlog
// rows into write operations on that schema.
package catalog

import (
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/sirupsen/logrus"

	"changestream-cdc/internal/config"
	"changestream-cdc/internal/schema"
	"changestream-cdc/internal/types"
)

// TableInfo describes one MySQL base table.
type TableInfo struct {
	Database   string
	Name       string
	Columns    []ColumnInfo
	PrimaryKey []string
}

// QualifiedName is the schema table name of a MySQL table.
func QualifiedName(database, table string) string {
	return database + "." + table
}

// Catalog is immutable once built.
type Catalog struct {
	schema *schema.Schema
	tables map[string]*Table
}

// Schema returns the schema built from the tracked tables.
func (c *Catalog) Schema() *schema.Schema { return c.schema }

// Table returns nil for tables that are unknown or were skipped.
func (c *Catalog) Table(database, table string) *Table {
	return c.tables[QualifiedName(database, table)]
}

// tableMatcher selects tables for one entry of a change stream's table list.
type tableMatcher struct {
	database   string
	table      string
	columns    []string
	allColumns bool
}

func (m *tableMatcher) matches(database, table string) bool {
	// Match database (empty = all databases)
	if m.database != "" && !strings.EqualFold(m.database, database) {
		return false
	}
	// Match table (empty = all tables)
	if m.table != "" && !strings.EqualFold(m.table, table) {
		return false
	}
	return true
}

// Build maps infos onto schema tables and resolves the change stream
// declarations against them. Tables without a primary key or with a column
// of an unsupported type are skipped with a warning.
func Build(infos []TableInfo, streams []config.ChangeStreamConfig, logger *logrus.Logger) (*Catalog, error) {
	var def schema.Def
	var kept []*Table
	for _, info := range infos {
		name := QualifiedName(info.Database, info.Name)
		if len(info.PrimaryKey) == 0 {
			logger.Warnf("Skipping %s: table has no primary key", name)
			continue
		}
		t, err := newTable(info)
		if err != nil {
			logger.Warnf("Skipping %s: %v", name, err)
			continue
		}
		td := schema.TableDef{Name: name, PrimaryKey: info.PrimaryKey}
		for i, col := range info.Columns {
			td.Columns = append(td.Columns, schema.ColumnDef{Name: col.Name, Type: t.types[i], NotNull: !col.Nullable})
		}
		def.Tables = append(def.Tables, td)
		kept = append(kept, t)
	}

	for _, sc := range streams {
		csd, err := resolveStream(sc, kept)
		if err != nil {
			return nil, err
		}
		def.ChangeStreams = append(def.ChangeStreams, csd)
	}

	s, err := schema.New(def)
	if err != nil {
		return nil, errors.Wrap(err, "failed to build schema")
	}
	c := &Catalog{schema: s, tables: make(map[string]*Table, len(kept))}
	for _, t := range kept {
		name := QualifiedName(t.Database, t.Name)
		t.schema = s.FindTable(name)
		c.tables[name] = t
	}
	for _, cs := range s.ChangeStreams() {
		logger.Infof("Change stream %s tracks %d tables (%s)", cs.Name(), len(trackedTables(s, cs)), cs.ValueCaptureType())
	}
	return c, nil
}

func trackedTables(s *schema.Schema, cs *schema.ChangeStream) []*schema.Table {
	var out []*schema.Table
	for _, t := range s.Tables() {
		if cs.Tracks(t) {
			out = append(out, t)
		}
	}
	return out
}

// resolveStream expands table patterns. A table matched by several entries
// belongs to the first one.
func resolveStream(sc config.ChangeStreamConfig, tables []*Table) (schema.ChangeStreamDef, error) {
	csd := schema.ChangeStreamDef{
		Name:             sc.Name,
		ForAll:           sc.ForAll,
		ValueCaptureType: schema.ValueCaptureType(sc.ValueCaptureType),
	}
	claimed := make(map[*Table]bool)
	for _, tc := range sc.Tables {
		m := &tableMatcher{database: tc.Database, table: tc.Table, columns: tc.Columns, allColumns: tc.AllColumns}
		matched := 0
		for _, t := range tables {
			if !m.matches(t.Database, t.Name) {
				continue
			}
			matched++
			if claimed[t] {
				continue
			}
			claimed[t] = true
			tt := schema.TrackedTable{Table: QualifiedName(t.Database, t.Name), AllColumns: m.allColumns}
			for _, want := range m.columns {
				col := t.column(want)
				if col == "" {
					return csd, errors.Newf("change stream %q: column %q not found in %s", sc.Name, want, tt.Table)
				}
				tt.Columns = append(tt.Columns, col)
			}
			csd.Tables = append(csd.Tables, tt)
		}
		if matched == 0 {
			return csd, errors.Newf("change stream %q: no table matches %s.%s", sc.Name, orAny(tc.Database), orAny(tc.Table))
		}
	}
	return csd, nil
}

func orAny(s string) string {
	if s == "" {
		return "*"
	}
	return s
}

// Table is a MySQL table as the binlog presents it.
type Table struct {
	Database string
	Name     string
	columns  []ColumnInfo
	types    []*types.Type
	members  [][]string // enum and set members per column
	schema   *schema.Table
}

func newTable(info TableInfo) (*Table, error) {
	t := &Table{
		Database: info.Database,
		Name:     info.Name,
		columns:  info.Columns,
		types:    make([]*types.Type, len(info.Columns)),
		members:  make([][]string, len(info.Columns)),
	}
	for i, col := range info.Columns {
		typ, err := TypeOf(col)
		if err != nil {
			return nil, err
		}
		t.types[i] = typ
		switch strings.ToLower(col.DataType) {
		case "enum", "set":
			t.members[i] = enumValues(col.ColumnType)
		}
	}
	return t, nil
}

// Schema returns the schema table the rows of t are written to.
func (t *Table) Schema() *schema.Table { return t.schema }

// column resolves a configured column name case-insensitively.
func (t *Table) column(name string) string {
	for _, col := range t.columns {
		if strings.EqualFold(col.Name, name) {
			return col.Name
		}
	}
	return ""
}
