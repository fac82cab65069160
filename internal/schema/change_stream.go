package schema

import (
	"github.com/cockroachdb/errors"

	"changestream-cdc/internal/types"
)

// ValueCaptureType controls which values a change stream records per mod.
type ValueCaptureType string

const (
	NewValues          ValueCaptureType = "NEW_VALUES"
	OldAndNewValues    ValueCaptureType = "OLD_AND_NEW_VALUES"
	NewRow             ValueCaptureType = "NEW_ROW"
	NewRowAndOldValues ValueCaptureType = "NEW_ROW_AND_OLD_VALUES"
)

// ParseValueCaptureType accepts the option spelling; empty means NEW_VALUES.
func ParseValueCaptureType(s string) (ValueCaptureType, error) {
	switch v := ValueCaptureType(s); v {
	case "":
		return NewValues, nil
	case NewValues, OldAndNewValues, NewRow, NewRowAndOldValues:
		return v, nil
	}
	return "", errors.Newf("unknown value_capture_type %q", s)
}

// CapturesOldValues reports whether mods carry old values.
func (v ValueCaptureType) CapturesOldValues() bool {
	return v == OldAndNewValues || v == NewRowAndOldValues
}

// CapturesNewRow reports whether mods carry every tracked column of the
// new row instead of only the modified ones.
func (v ValueCaptureType) CapturesNewRow() bool {
	return v == NewRow || v == NewRowAndOldValues
}

// TrackedTable is one entry of a change stream's FOR clause. With
// AllColumns every non-key column is tracked; otherwise only Columns, and
// an empty Columns tracks the key columns only.
type TrackedTable struct {
	Table      string
	Columns    []string
	AllColumns bool
}

// ChangeStreamDef declares a change stream.
type ChangeStreamDef struct {
	Name             string
	ForAll           bool
	Tables           []TrackedTable
	ValueCaptureType ValueCaptureType
}

type tableScope struct {
	all     bool
	columns map[*Column]bool
}

// ChangeStream is a subscription over some tables. It owns a partition
// table and a data table that are not visible as user tables.
type ChangeStream struct {
	name           string
	forAll         bool
	tracked        map[*Table]*tableScope
	capture        ValueCaptureType
	partitionTable *Table
	dataTable      *Table
}

// Name returns the stream name.
func (cs *ChangeStream) Name() string { return cs.name }

// ForAll reports whether the stream tracks every table.
func (cs *ChangeStream) ForAll() bool { return cs.forAll }

// ValueCaptureType returns what the stream records about each row.
func (cs *ChangeStream) ValueCaptureType() ValueCaptureType { return cs.capture }

// PartitionTable returns the stream's hidden partition table.
func (cs *ChangeStream) PartitionTable() *Table { return cs.partitionTable }

// DataTable returns the hidden table holding the stream's records.
func (cs *ChangeStream) DataTable() *Table { return cs.dataTable }

// Tracks reports whether t is in scope. Hidden tables are never in scope.
func (cs *ChangeStream) Tracks(t *Table) bool {
	if t == nil || t.IsHidden() {
		return false
	}
	if cs.forAll {
		return true
	}
	_, ok := cs.tracked[t]
	return ok
}

// TracksColumn reports whether c is recorded by the stream. Key columns of
// a tracked table are always recorded.
func (cs *ChangeStream) TracksColumn(c *Column) bool {
	if !cs.Tracks(c.table) {
		return false
	}
	if cs.forAll || c.IsKey() {
		return true
	}
	scope := cs.tracked[c.table]
	return scope.all || scope.columns[c]
}

// TrackedColumns returns the key columns of t followed by its tracked
// non-key columns, both in schema order.
func (cs *ChangeStream) TrackedColumns(t *Table) []*Column {
	if !cs.Tracks(t) {
		return nil
	}
	cols := make([]*Column, 0, len(t.columns))
	cols = append(cols, t.primaryKey...)
	for _, c := range t.columns {
		if !c.IsKey() && cs.TracksColumn(c) {
			cols = append(cols, c)
		}
	}
	return cols
}

// TrackedNonKeyColumns is TrackedColumns without the primary key.
func (cs *ChangeStream) TrackedNonKeyColumns(t *Table) []*Column {
	cols := cs.TrackedColumns(t)
	if cols == nil {
		return nil
	}
	return cols[len(t.primaryKey):]
}

func newChangeStream(s *Schema, def ChangeStreamDef) (*ChangeStream, error) {
	if def.Name == "" {
		return nil, errors.New("change stream without a name")
	}
	capture, err := ParseValueCaptureType(string(def.ValueCaptureType))
	if err != nil {
		return nil, err
	}
	if def.ForAll && len(def.Tables) > 0 {
		return nil, errors.New("FOR ALL cannot be combined with a table list")
	}
	cs := &ChangeStream{
		name:    def.Name,
		forAll:  def.ForAll,
		tracked: make(map[*Table]*tableScope, len(def.Tables)),
		capture: capture,
	}
	for _, tt := range def.Tables {
		t := s.tableByName[tt.Table]
		if t == nil {
			return nil, errors.Newf("table %q not found", tt.Table)
		}
		if _, ok := cs.tracked[t]; ok {
			return nil, errors.Newf("table %q listed twice", tt.Table)
		}
		if tt.AllColumns && len(tt.Columns) > 0 {
			return nil, errors.Newf("table %q lists columns and tracks all columns", tt.Table)
		}
		scope := &tableScope{all: tt.AllColumns, columns: make(map[*Column]bool, len(tt.Columns))}
		for _, name := range tt.Columns {
			c := t.byName[name]
			if c == nil {
				return nil, errors.Newf("column %q not found in table %q", name, tt.Table)
			}
			if c.IsKey() {
				return nil, errors.Newf("key column %s cannot be listed explicitly", c)
			}
			scope.columns[c] = true
		}
		cs.tracked[t] = scope
	}
	if cs.partitionTable, err = newHiddenTable(cs, PartitionTablePrefix+cs.name, partitionTableColumns, partitionTableKey); err != nil {
		return nil, err
	}
	if cs.dataTable, err = newHiddenTable(cs, DataTablePrefix+cs.name, dataTableColumns, dataTableKey); err != nil {
		return nil, err
	}
	return cs, nil
}

func newHiddenTable(owner *ChangeStream, name string, cols []ColumnDef, key []string) (*Table, error) {
	t, err := newTable(name, cols, key)
	if err != nil {
		return nil, errors.NewAssertionErrorWithWrappedErrf(err, "building hidden table %s", name)
	}
	t.owner = owner
	return t, nil
}

// Hidden table naming.
const (
	PartitionTablePrefix = "_change_stream_partition_"
	DataTablePrefix      = "_change_stream_data_"
)

// Partition table columns.
const (
	PartitionTokenColumn = "partition_token"
	StartTimeColumn      = "start_time"
	EndTimeColumn        = "end_time"
	ParentsColumn        = "parents"
	ChildrenColumn       = "children"
)

var partitionTableColumns = []ColumnDef{
	{Name: PartitionTokenColumn, Type: types.StringType, NotNull: true},
	{Name: StartTimeColumn, Type: types.TimestampType},
	{Name: EndTimeColumn, Type: types.TimestampType},
	{Name: ParentsColumn, Type: types.StringArrayType},
	{Name: ChildrenColumn, Type: types.StringArrayType},
}

var partitionTableKey = []string{PartitionTokenColumn}

// Data table columns, in the order of the persisted record.
const (
	CommitTimestampColumn                      = "commit_timestamp"
	ServerTransactionIDColumn                  = "server_transaction_id"
	RecordSequenceColumn                       = "record_sequence"
	IsLastRecordInTransactionInPartitionColumn = "is_last_record_in_transaction_in_partition"
	TableNameColumn                            = "table_name"
	ColumnTypesNameColumn                      = "column_types_name"
	ColumnTypesTypeColumn                      = "column_types_type"
	ColumnTypesIsPrimaryKeyColumn              = "column_types_is_primary_key"
	ColumnTypesOrdinalPositionColumn           = "column_types_ordinal_position"
	ModKeysColumn                              = "mod_keys"
	ModNewValuesColumn                         = "mod_new_values"
	ModOldValuesColumn                         = "mod_old_values"
	ModTypeColumn                              = "mod_type"
	ValueCaptureTypeColumn                     = "value_capture_type"
	NumberOfRecordsInTransactionColumn         = "number_of_records_in_transaction"
	NumberOfPartitionsInTransactionColumn      = "number_of_partitions_in_transaction"
	TransactionTagColumn                       = "transaction_tag"
	IsSystemTransactionColumn                  = "is_system_transaction"
)

var dataTableColumns = []ColumnDef{
	{Name: PartitionTokenColumn, Type: types.StringType, NotNull: true},
	{Name: CommitTimestampColumn, Type: types.TimestampType, NotNull: true},
	{Name: ServerTransactionIDColumn, Type: types.StringType, NotNull: true},
	{Name: RecordSequenceColumn, Type: types.StringType, NotNull: true},
	{Name: IsLastRecordInTransactionInPartitionColumn, Type: types.BoolType},
	{Name: TableNameColumn, Type: types.StringType},
	{Name: ColumnTypesNameColumn, Type: types.StringArrayType},
	{Name: ColumnTypesTypeColumn, Type: types.StringArrayType},
	{Name: ColumnTypesIsPrimaryKeyColumn, Type: types.BoolArrayType},
	{Name: ColumnTypesOrdinalPositionColumn, Type: types.Int64ArrayType},
	{Name: ModKeysColumn, Type: types.StringArrayType},
	{Name: ModNewValuesColumn, Type: types.StringArrayType},
	{Name: ModOldValuesColumn, Type: types.StringArrayType},
	{Name: ModTypeColumn, Type: types.StringType},
	{Name: ValueCaptureTypeColumn, Type: types.StringType},
	{Name: NumberOfRecordsInTransactionColumn, Type: types.Int64Type},
	{Name: NumberOfPartitionsInTransactionColumn, Type: types.Int64Type},
	{Name: TransactionTagColumn, Type: types.StringType},
	{Name: IsSystemTransactionColumn, Type: types.BoolType},
}

var dataTableKey = []string{
	PartitionTokenColumn,
	CommitTimestampColumn,
	ServerTransactionIDColumn,
	RecordSequenceColumn,
}

// DataTableColumnCount is the width of a persisted data change record.
const DataTableColumnCount = 19

// DataTableColumnType returns the type of data table column i.
func DataTableColumnType(i int) *types.Type { return dataTableColumns[i].Type }
