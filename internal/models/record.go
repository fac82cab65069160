package models

import (
	"fmt"
	"time"

	"github.com/cockroachdb/errors"

	"changestream-cdc/internal/schema"
	"changestream-cdc/internal/types"
)

// ModType is the change type shared by every mod of a record.
type ModType string

const (
	ModInsert ModType = "INSERT"
	ModUpdate ModType = "UPDATE"
	ModDelete ModType = "DELETE"
)

// ModTypeOf maps a write op to its mod type.
func ModTypeOf(op WriteOp) ModType {
	switch op.(type) {
	case *InsertOp:
		return ModInsert
	case *UpdateOp:
		return ModUpdate
	case *DeleteOp:
		return ModDelete
	}
	panic(unknownOp(op))
}

// Mod is the JSON rendering of one row change: key, new and old values,
// each a JSON object with sorted keys.
type Mod struct {
	Keys      string `json:"keys"`
	NewValues string `json:"new_values"`
	OldValues string `json:"old_values"`
}

// DataChangeRecord is one row of a change stream's data table.
type DataChangeRecord struct {
	PartitionToken                       string    `json:"partition_token"`
	CommitTimestamp                      time.Time `json:"commit_timestamp"`
	ServerTransactionID                  string    `json:"server_transaction_id"`
	RecordSequence                       string    `json:"record_sequence"`
	IsLastRecordInTransactionInPartition bool      `json:"is_last_record_in_transaction_in_partition"`
	TableName                            string    `json:"table_name"`
	ColumnTypesName                      []string  `json:"column_types_name"`
	ColumnTypesType                      []string  `json:"column_types_type"`
	ColumnTypesIsPrimaryKey              []bool    `json:"column_types_is_primary_key"`
	ColumnTypesOrdinalPosition           []int64   `json:"column_types_ordinal_position"`
	Mods                                 []Mod     `json:"mods"`
	ModType                              ModType   `json:"mod_type"`
	ValueCaptureType                     string    `json:"value_capture_type"`
	NumberOfRecordsInTransaction         int64     `json:"number_of_records_in_transaction"`
	NumberOfPartitionsInTransaction      int64     `json:"number_of_partitions_in_transaction"`
	TransactionTag                       string    `json:"transaction_tag"`
	IsSystemTransaction                  bool      `json:"is_system_transaction"`
}

// RecordSequenceFor renders the 0-based position of a record in its
// stream's share of a transaction.
func RecordSequenceFor(n int) string { return fmt.Sprintf("%08d", n) }

// SetColumnTypes copies descriptors into the record.
func (r *DataChangeRecord) SetColumnTypes(d schema.ColumnDescriptors) {
	r.ColumnTypesName = d.Names
	r.ColumnTypesType = d.Types
	r.ColumnTypesIsPrimaryKey = d.IsPrimaryKey
	r.ColumnTypesOrdinalPosition = d.OrdinalPositions
}

// Key is the data table primary key of the record.
func (r *DataChangeRecord) Key() Key {
	return Key{
		types.String(r.PartitionToken),
		types.Timestamp(r.CommitTimestamp),
		types.String(r.ServerTransactionID),
		types.String(r.RecordSequence),
	}
}

// Values lays the record out in data table column order.
func (r *DataChangeRecord) Values() []types.Value {
	keys := make([]string, len(r.Mods))
	newValues := make([]string, len(r.Mods))
	oldValues := make([]string, len(r.Mods))
	for i, m := range r.Mods {
		keys[i], newValues[i], oldValues[i] = m.Keys, m.NewValues, m.OldValues
	}
	return []types.Value{
		types.String(r.PartitionToken),
		types.Timestamp(r.CommitTimestamp),
		types.String(r.ServerTransactionID),
		types.String(r.RecordSequence),
		types.Bool(r.IsLastRecordInTransactionInPartition),
		types.String(r.TableName),
		types.StringArray(r.ColumnTypesName...),
		types.StringArray(r.ColumnTypesType...),
		types.BoolArray(r.ColumnTypesIsPrimaryKey...),
		types.Int64Array(r.ColumnTypesOrdinalPosition...),
		types.StringArray(keys...),
		types.StringArray(newValues...),
		types.StringArray(oldValues...),
		types.String(string(r.ModType)),
		types.String(r.ValueCaptureType),
		types.Int64(r.NumberOfRecordsInTransaction),
		types.Int64(r.NumberOfPartitionsInTransaction),
		types.String(r.TransactionTag),
		types.Bool(r.IsSystemTransaction),
	}
}

// InsertOp builds the write that persists the record into dataTable.
func (r *DataChangeRecord) InsertOp(dataTable *schema.Table) *InsertOp {
	return &InsertOp{
		Table:   dataTable,
		Key:     r.Key(),
		Columns: dataTable.Columns(),
		Values:  r.Values(),
	}
}

// RecordFromValues is the inverse of Values, used when reading records back
// from a data table.
func RecordFromValues(values []types.Value) (*DataChangeRecord, error) {
	if len(values) != schema.DataTableColumnCount {
		return nil, errors.Newf("data change record has %d columns, want %d", len(values), schema.DataTableColumnCount)
	}
	for i, v := range values {
		if !v.IsValid() || v.IsNull() {
			return nil, errors.Newf("data change record column %d is null", i)
		}
		if want := schema.DataTableColumnType(i); !v.Type().Equal(want) {
			return nil, errors.Newf("data change record column %d has type %s, want %s", i, v.Type(), want)
		}
	}
	strs := func(v types.Value) []string {
		out := make([]string, 0, len(v.Elements()))
		for _, e := range v.Elements() {
			out = append(out, e.StringValue())
		}
		return out
	}
	r := &DataChangeRecord{
		PartitionToken:                       values[0].StringValue(),
		CommitTimestamp:                      values[1].TimeValue(),
		ServerTransactionID:                  values[2].StringValue(),
		RecordSequence:                       values[3].StringValue(),
		IsLastRecordInTransactionInPartition: values[4].BoolValue(),
		TableName:                            values[5].StringValue(),
		ColumnTypesName:                      strs(values[6]),
		ColumnTypesType:                      strs(values[7]),
		ModType:                              ModType(values[13].StringValue()),
		ValueCaptureType:                     values[14].StringValue(),
		NumberOfRecordsInTransaction:         values[15].Int64Value(),
		NumberOfPartitionsInTransaction:      values[16].Int64Value(),
		TransactionTag:                       values[17].StringValue(),
		IsSystemTransaction:                  values[18].BoolValue(),
	}
	for _, e := range values[8].Elements() {
		r.ColumnTypesIsPrimaryKey = append(r.ColumnTypesIsPrimaryKey, e.BoolValue())
	}
	for _, e := range values[9].Elements() {
		r.ColumnTypesOrdinalPosition = append(r.ColumnTypesOrdinalPosition, e.Int64Value())
	}
	keys, newValues, oldValues := strs(values[10]), strs(values[11]), strs(values[12])
	if len(keys) != len(newValues) || len(keys) != len(oldValues) {
		return nil, errors.Newf("mod arrays have lengths %d, %d and %d", len(keys), len(newValues), len(oldValues))
	}
	for i := range keys {
		r.Mods = append(r.Mods, Mod{Keys: keys[i], NewValues: newValues[i], OldValues: oldValues[i]})
	}
	return r, nil
}
