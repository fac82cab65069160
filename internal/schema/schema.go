// Package schema is the read-only catalog the change stream encoder works
// against: user tables, their columns and primary keys, change streams and
// the hidden partition and data tables every change stream owns.
package schema

import (
	"github.com/cockroachdb/errors"

	"changestream-cdc/internal/types"
)

// Dialect is the SQL dialect a database was created with.
type Dialect string

const (
	GoogleStandardSQL Dialect = "GOOGLE_STANDARD_SQL"
	PostgreSQL        Dialect = "POSTGRESQL"
)

// Column belongs to exactly one table.
type Column struct {
	name                 string
	typ                  *types.Type
	nullable             bool
	allowCommitTimestamp bool
	table                *Table
	ordinal              int64
}

// Name returns the column name.
func (c *Column) Name() string { return c.name }

// Type returns the column type.
func (c *Column) Type() *types.Type { return c.typ }

// IsNullable reports whether the column accepts nulls.
func (c *Column) IsNullable() bool { return c.nullable }

// Table returns the table owning the column.
func (c *Column) Table() *Table { return c.table }

// AllowsCommitTimestamp reports whether writers may store the commit
// timestamp sentinel in this column.
func (c *Column) AllowsCommitTimestamp() bool { return c.allowCommitTimestamp }

// OrdinalPosition is the 1-based position of the column in its table.
func (c *Column) OrdinalPosition() int64 { return c.ordinal }

// IsKey reports whether the column is part of its table's primary key.
func (c *Column) IsKey() bool { return c.table.isKey[c] }

func (c *Column) String() string { return c.table.name + "." + c.name }

// Table is a user table or a change stream's hidden table.
type Table struct {
	name       string
	columns    []*Column
	primaryKey []*Column
	byName     map[string]*Column
	isKey      map[*Column]bool
	owner      *ChangeStream
}

// Name returns the table name.
func (t *Table) Name() string { return t.name }

// Columns returns the columns in ordinal order.
func (t *Table) Columns() []*Column { return t.columns }

// PrimaryKey returns the key columns in key order.
func (t *Table) PrimaryKey() []*Column { return t.primaryKey }

// FindColumn returns nil when the table has no such column.
func (t *Table) FindColumn(name string) *Column { return t.byName[name] }

// FindKeyColumn returns nil when name is not a primary key column.
func (t *Table) FindKeyColumn(name string) *Column {
	c := t.byName[name]
	if c == nil || !t.isKey[c] {
		return nil
	}
	return c
}

// OwnerChangeStream is set on the hidden tables of a change stream.
func (t *Table) OwnerChangeStream() *ChangeStream { return t.owner }

// IsHidden reports whether the table belongs to a change stream.
func (t *Table) IsHidden() bool { return t.owner != nil }

// Schema is immutable once built.
type Schema struct {
	dialect      Dialect
	tables       []*Table
	tableByName  map[string]*Table
	streams      []*ChangeStream
	streamByName map[string]*ChangeStream
}

// Dialect returns the SQL dialect of the schema.
func (s *Schema) Dialect() Dialect { return s.dialect }

// Tables lists user tables in declaration order.
func (s *Schema) Tables() []*Table { return s.tables }

// ChangeStreams lists change streams in declaration order.
func (s *Schema) ChangeStreams() []*ChangeStream { return s.streams }

// FindTable looks up user tables and hidden change stream tables.
func (s *Schema) FindTable(name string) *Table {
	if t := s.tableByName[name]; t != nil {
		return t
	}
	for _, cs := range s.streams {
		switch name {
		case cs.partitionTable.name:
			return cs.partitionTable
		case cs.dataTable.name:
			return cs.dataTable
		}
	}
	return nil
}

// FindChangeStream returns the stream named name, or nil.
func (s *Schema) FindChangeStream(name string) *ChangeStream { return s.streamByName[name] }

// ChangeStreamsFor returns the change streams whose scope covers t, in
// declaration order.
func (s *Schema) ChangeStreamsFor(t *Table) []*ChangeStream {
	var out []*ChangeStream
	for _, cs := range s.streams {
		if cs.Tracks(t) {
			out = append(out, cs)
		}
	}
	return out
}

// ColumnDef declares one column of a table.
type ColumnDef struct {
	Name                 string
	Type                 *types.Type
	NotNull              bool
	AllowCommitTimestamp bool
}

// TableDef declares a user table.
type TableDef struct {
	Name       string
	Columns    []ColumnDef
	PrimaryKey []string
}

// Def is the whole declarative input of New.
type Def struct {
	Dialect       Dialect
	Tables        []TableDef
	ChangeStreams []ChangeStreamDef
}

// New validates def and builds the catalog.
func New(def Def) (*Schema, error) {
	s := &Schema{
		dialect:      def.Dialect,
		tableByName:  make(map[string]*Table),
		streamByName: make(map[string]*ChangeStream),
	}
	if s.dialect == "" {
		s.dialect = GoogleStandardSQL
	}
	for _, td := range def.Tables {
		if _, ok := s.tableByName[td.Name]; ok {
			return nil, errors.Newf("duplicate table %q", td.Name)
		}
		t, err := newTable(td.Name, td.Columns, td.PrimaryKey)
		if err != nil {
			return nil, err
		}
		s.tables = append(s.tables, t)
		s.tableByName[t.name] = t
	}
	for _, csd := range def.ChangeStreams {
		if _, ok := s.streamByName[csd.Name]; ok {
			return nil, errors.Newf("duplicate change stream %q", csd.Name)
		}
		cs, err := newChangeStream(s, csd)
		if err != nil {
			return nil, errors.Wrapf(err, "change stream %q", csd.Name)
		}
		s.streams = append(s.streams, cs)
		s.streamByName[cs.name] = cs
	}
	return s, nil
}

func newTable(name string, defs []ColumnDef, primaryKey []string) (*Table, error) {
	if name == "" {
		return nil, errors.New("table without a name")
	}
	t := &Table{
		name:   name,
		byName: make(map[string]*Column, len(defs)),
		isKey:  make(map[*Column]bool, len(primaryKey)),
	}
	for i, cd := range defs {
		if cd.Type == nil {
			return nil, errors.Newf("column %s.%s has no type", name, cd.Name)
		}
		if _, ok := t.byName[cd.Name]; ok {
			return nil, errors.Newf("duplicate column %s.%s", name, cd.Name)
		}
		c := &Column{
			name:                 cd.Name,
			typ:                  cd.Type,
			nullable:             !cd.NotNull,
			allowCommitTimestamp: cd.AllowCommitTimestamp,
			table:                t,
			ordinal:              int64(i + 1),
		}
		if c.allowCommitTimestamp && c.typ.Code() != types.CodeTimestamp {
			return nil, errors.Newf("column %s allows commit timestamp but is %s", c, c.typ)
		}
		t.columns = append(t.columns, c)
		t.byName[c.name] = c
	}
	if len(primaryKey) == 0 {
		return nil, errors.Newf("table %q has no primary key", name)
	}
	for _, k := range primaryKey {
		c := t.byName[k]
		if c == nil {
			return nil, errors.Newf("primary key column %q not found in table %q", k, name)
		}
		if t.isKey[c] {
			return nil, errors.Newf("primary key column %q repeated in table %q", k, name)
		}
		t.primaryKey = append(t.primaryKey, c)
		t.isKey[c] = true
	}
	return t, nil
}
