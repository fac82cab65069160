package changestream

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/cockroachdb/apd/v3"
	"github.com/cockroachdb/errors"
	"github.com/google/go-cmp/cmp"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"changestream-cdc/internal/models"
	"changestream-cdc/internal/partition"
	"changestream-cdc/internal/schema"
	"changestream-cdc/internal/store"
	"changestream-cdc/internal/types"
)

const (
	csAll      = "ChangeStream_All"
	csStrCol   = "ChangeStream_TestTable2StrCol"
	csKeyOnly  = "ChangeStream_TestTable2KeyOnly"
	csTable2   = "ChangeStream_TestTable2"
	testToken  = "11111"
	testTxnID  = 1
	secondTxID = 2
)

var commitTS = time.UnixMicro(1000000).UTC()

func threeColumnTable(name string) schema.TableDef {
	return schema.TableDef{
		Name: name,
		Columns: []schema.ColumnDef{
			{Name: "int64_col", Type: types.Int64Type, NotNull: true},
			{Name: "string_col", Type: types.StringType},
			{Name: "another_string_col", Type: types.StringType},
		},
		PrimaryKey: []string{"int64_col"},
	}
}

func baseDef() schema.Def {
	return schema.Def{
		Tables: []schema.TableDef{threeColumnTable("TestTable"), threeColumnTable("TestTable2")},
		ChangeStreams: []schema.ChangeStreamDef{
			{Name: csAll, ForAll: true, ValueCaptureType: schema.NewValues},
			{Name: csStrCol, Tables: []schema.TrackedTable{{Table: "TestTable2", Columns: []string{"string_col"}}}},
			{Name: csKeyOnly, Tables: []schema.TrackedTable{{Table: "TestTable2"}}},
			{Name: csTable2, Tables: []schema.TrackedTable{{Table: "TestTable2", AllColumns: true}}},
		},
	}
}

type fixture struct {
	schema *schema.Schema
	store  *store.Memory
	enc    *Encoder
}

func newFixture(t *testing.T, def schema.Def) *fixture {
	s, err := schema.New(def)
	require.NoError(t, err)
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	mem := store.NewMemory(logger)
	for _, cs := range s.ChangeStreams() {
		_, err := partition.Seed(context.Background(), mem, cs, testToken, time.Unix(0, 0))
		require.NoError(t, err)
	}
	return &fixture{schema: s, store: mem, enc: NewEncoder(s, mem, logger)}
}

func (f *fixture) table(name string) *schema.Table { return f.schema.FindTable(name) }

func (f *fixture) stream(name string) *schema.ChangeStream { return f.schema.FindChangeStream(name) }

type colValue struct {
	name  string
	value types.Value
}

func cv(name string, v types.Value) colValue { return colValue{name: name, value: v} }

func rowOf(tbl *schema.Table, k int64, cvs []colValue) (models.Key, []*schema.Column, []types.Value) {
	key := models.Key{types.Int64(k)}
	cols := []*schema.Column{tbl.PrimaryKey()[0]}
	values := []types.Value{types.Int64(k)}
	for _, c := range cvs {
		col := tbl.FindColumn(c.name)
		if col == nil {
			panic("no column " + c.name)
		}
		cols = append(cols, col)
		values = append(values, c.value)
	}
	return key, cols, values
}

func insertOp(tbl *schema.Table, k int64, cvs ...colValue) *models.InsertOp {
	key, cols, values := rowOf(tbl, k, cvs)
	return &models.InsertOp{Table: tbl, Key: key, Columns: cols, Values: values}
}

func updateOp(tbl *schema.Table, k int64, cvs ...colValue) *models.UpdateOp {
	key, cols, values := rowOf(tbl, k, cvs)
	return &models.UpdateOp{Table: tbl, Key: key, Columns: cols, Values: values}
}

func deleteOp(tbl *schema.Table, k int64) *models.DeleteOp {
	return &models.DeleteOp{Table: tbl, Key: models.Key{types.Int64(k)}}
}

func decodeRecords(t *testing.T, ops []models.WriteOp) []*models.DataChangeRecord {
	out := make([]*models.DataChangeRecord, len(ops))
	for i, op := range ops {
		ins, ok := op.(*models.InsertOp)
		require.True(t, ok, "op %d is %T", i, op)
		require.Len(t, ins.Values, schema.DataTableColumnCount)
		rec, err := models.RecordFromValues(ins.Values)
		require.NoError(t, err)
		out[i] = rec
	}
	return out
}

func finalize(t *testing.T, tx *Txn) []models.WriteOp {
	partitions := make(map[*schema.ChangeStream]int64)
	for _, cs := range tx.Streams() {
		partitions[cs] = 1
	}
	ops, err := tx.Finalize(partitions)
	require.NoError(t, err)
	return ops
}

func newValuesOf(rec *models.DataChangeRecord) []string {
	out := make([]string, len(rec.Mods))
	for i, m := range rec.Mods {
		out[i] = m.NewValues
	}
	return out
}

func TestOneInsertRecordContent(t *testing.T) {
	f := newFixture(t, baseDef())
	tbl := f.table("TestTable")
	ops, err := f.enc.BuildChangeStreamWriteOps(context.Background(), []models.WriteOp{
		insertOp(tbl, 1, cv("string_col", types.String("value")), cv("another_string_col", types.String("value2"))),
	}, testTxnID, commitTS)
	require.NoError(t, err)
	require.Len(t, ops, 1)

	ins := ops[0].(*models.InsertOp)
	dataTable := f.stream(csAll).DataTable()
	require.Equal(t, dataTable, ins.Table)
	require.Equal(t, dataTable.Columns(), ins.Columns)

	want := &models.DataChangeRecord{
		PartitionToken:                       testToken,
		CommitTimestamp:                      commitTS,
		ServerTransactionID:                  "1",
		RecordSequence:                       "00000000",
		IsLastRecordInTransactionInPartition: true,
		TableName:                            "TestTable",
		ColumnTypesName:                      []string{"int64_col", "string_col", "another_string_col"},
		ColumnTypesType:                      []string{`{"code":"INT64"}`, `{"code":"STRING"}`, `{"code":"STRING"}`},
		ColumnTypesIsPrimaryKey:              []bool{true, false, false},
		ColumnTypesOrdinalPosition:           []int64{1, 2, 3},
		Mods: []models.Mod{{
			Keys:      `{"int64_col":"1"}`,
			NewValues: `{"another_string_col":"value2","string_col":"value"}`,
			OldValues: `{}`,
		}},
		ModType:                         models.ModInsert,
		ValueCaptureType:                "NEW_VALUES",
		NumberOfRecordsInTransaction:    1,
		NumberOfPartitionsInTransaction: 1,
	}
	if diff := cmp.Diff(want, decodeRecords(t, ops)[0]); diff != "" {
		t.Fatalf("record mismatch (-want +got):\n%s", diff)
	}
	require.True(t, ins.Key.Equal(want.Key()))
}

func TestInsertsWithDifferentSuppliedColumnsShareRecord(t *testing.T) {
	f := newFixture(t, baseDef())
	tbl := f.table("TestTable")
	ops, err := f.enc.BuildChangeStreamWriteOps(context.Background(), []models.WriteOp{
		insertOp(tbl, 1, cv("string_col", types.String("string_value1"))),
		insertOp(tbl, 2, cv("another_string_col", types.String("another_string_value2"))),
		insertOp(tbl, 3),
	}, testTxnID, commitTS)
	require.NoError(t, err)
	require.Len(t, ops, 1)

	rec := decodeRecords(t, ops)[0]
	require.Equal(t, []string{"int64_col", "string_col", "another_string_col"}, rec.ColumnTypesName)
	require.Equal(t, []string{
		`{"another_string_col":null,"string_col":"string_value1"}`,
		`{"another_string_col":"another_string_value2","string_col":null}`,
		`{"another_string_col":null,"string_col":null}`,
	}, newValuesOf(rec))
}

func TestModTypeChangesStartNewRecords(t *testing.T) {
	f := newFixture(t, baseDef())
	tbl := f.table("TestTable")
	val := func(s string) colValue { return cv("string_col", types.String(s)) }
	ops, err := f.enc.BuildChangeStreamWriteOps(context.Background(), []models.WriteOp{
		insertOp(tbl, 1, val("a")),
		insertOp(tbl, 2, val("b")),
		updateOp(tbl, 1, val("c")),
		updateOp(tbl, 2, val("d")),
		insertOp(tbl, 3, val("e")),
		deleteOp(tbl, 1),
		deleteOp(tbl, 2),
	}, testTxnID, commitTS)
	require.NoError(t, err)
	require.Len(t, ops, 4)

	recs := decodeRecords(t, ops)
	var modTypes, sequences []string
	var mods int
	for i, rec := range recs {
		modTypes = append(modTypes, string(rec.ModType))
		sequences = append(sequences, rec.RecordSequence)
		require.Equal(t, i == len(recs)-1, rec.IsLastRecordInTransactionInPartition)
		require.Equal(t, int64(4), rec.NumberOfRecordsInTransaction)
		mods += len(rec.Mods)
		for _, m := range rec.Mods {
			require.Equal(t, "{}", m.OldValues)
			if rec.ModType == models.ModDelete {
				require.Equal(t, "{}", m.NewValues)
			}
		}
	}
	require.Equal(t, []string{"INSERT", "UPDATE", "INSERT", "DELETE"}, modTypes)
	require.Equal(t, []string{"00000000", "00000001", "00000002", "00000003"}, sequences)
	require.Equal(t, 7, mods)
	require.Equal(t, []string{`{"string_col":"c"}`, `{"string_col":"d"}`}, newValuesOf(recs[1]))
}

func TestDifferentTablesStartNewRecords(t *testing.T) {
	f := newFixture(t, baseDef())
	cs := f.stream(csAll)
	t1, t2 := f.table("TestTable"), f.table("TestTable2")

	tx := NewTxn(testTxnID, commitTS)
	for _, op := range []models.WriteOp{
		insertOp(t1, 1, cv("string_col", types.String("a"))),
		insertOp(t2, 1, cv("string_col", types.String("b"))),
		insertOp(t1, 2, cv("string_col", types.String("c"))),
	} {
		require.NoError(t, tx.LogTableMod(op, cs, testToken, nil))
	}
	recs := decodeRecords(t, finalize(t, tx))
	require.Len(t, recs, 3)
	require.Equal(t, "TestTable", recs[0].TableName)
	require.Equal(t, "TestTable2", recs[1].TableName)
	require.Equal(t, "TestTable", recs[2].TableName)
}

func TestUpdatesOfDifferentColumnsSplit(t *testing.T) {
	f := newFixture(t, baseDef())
	cs := f.stream(csAll)
	tbl := f.table("TestTable")

	tx := NewTxn(testTxnID, commitTS)
	for _, op := range []models.WriteOp{
		updateOp(tbl, 1, cv("another_string_col", types.String("another_string_value1"))),
		updateOp(tbl, 1, cv("string_col", types.String("string_value1"))),
		updateOp(tbl, 2, cv("another_string_col", types.String("another_string_value2"))),
	} {
		require.NoError(t, tx.LogTableMod(op, cs, testToken, nil))
	}
	recs := decodeRecords(t, finalize(t, tx))
	require.Len(t, recs, 3)
	for _, rec := range recs {
		require.Len(t, rec.Mods, 1)
		require.Equal(t, []string{"int64_col", "string_col", "another_string_col"}, rec.ColumnTypesName)
	}
	require.Equal(t, []string{`{"string_col":"string_value1"}`}, newValuesOf(recs[1]))
}

func TestDifferentStreamsKeepSeparateRecords(t *testing.T) {
	f := newFixture(t, baseDef())
	all, strCol := f.stream(csAll), f.stream(csStrCol)
	tbl := f.table("TestTable2")

	tx := NewTxn(testTxnID, commitTS)
	require.NoError(t, tx.LogTableMod(insertOp(tbl, 1, cv("string_col", types.String("string_value1"))), all, testToken, nil))
	require.NoError(t, tx.LogTableMod(insertOp(tbl, 2, cv("string_col", types.String("string_value2"))), strCol, testToken, nil))
	require.NoError(t, tx.LogTableMod(insertOp(tbl, 3, cv("string_col", types.String("string_value3"))), all, testToken, nil))
	require.NoError(t, tx.LogTableMod(insertOp(tbl, 4, cv("another_string_col", types.String("another_string_value4"))), all, testToken, nil))

	ops := finalize(t, tx)
	require.Len(t, ops, 2)
	perTable := make(map[string]int)
	for _, op := range ops {
		perTable[models.TableOf(op).Name()]++
	}
	require.Equal(t, map[string]int{
		"_change_stream_data_ChangeStream_All":              1,
		"_change_stream_data_ChangeStream_TestTable2StrCol": 1,
	}, perTable)

	require.Len(t, tx.Records(all)[0].Mods, 3)
	require.Len(t, tx.Records(strCol)[0].Mods, 1)
	require.Equal(t, []models.Mod{{Keys: `{"int64_col":"2"}`, NewValues: `{"string_col":"string_value2"}`, OldValues: `{}`}},
		tx.Records(strCol)[0].Mods)
}

func TestKeyOnlyStreamSkipsUpdates(t *testing.T) {
	f := newFixture(t, baseDef())
	cs := f.stream(csKeyOnly)
	tbl := f.table("TestTable2")

	tx := NewTxn(testTxnID, commitTS)
	require.NoError(t, tx.LogTableMod(insertOp(tbl, 1, cv("another_string_col", types.String("another_string_value1"))), cs, testToken, nil))
	require.NoError(t, tx.LogTableMod(updateOp(tbl, 1, cv("another_string_col", types.String("another_string_value_update"))), cs, testToken, nil))
	require.NoError(t, tx.LogTableMod(deleteOp(tbl, 1), cs, testToken, nil))

	recs := decodeRecords(t, finalize(t, tx))
	require.Len(t, recs, 2)
	for i, want := range []models.ModType{models.ModInsert, models.ModDelete} {
		rec := recs[i]
		require.Equal(t, want, rec.ModType)
		require.Equal(t, []string{"int64_col"}, rec.ColumnTypesName)
		require.Equal(t, []string{`{"code":"INT64"}`}, rec.ColumnTypesType)
		require.Equal(t, []bool{true}, rec.ColumnTypesIsPrimaryKey)
		require.Equal(t, []int64{1}, rec.ColumnTypesOrdinalPosition)
		require.Equal(t, []models.Mod{{Keys: `{"int64_col":"1"}`, NewValues: `{}`, OldValues: `{}`}}, rec.Mods)
	}
}

func TestColumnSubsetStreamSkipsUntrackedUpdates(t *testing.T) {
	f := newFixture(t, baseDef())
	cs := f.stream(csStrCol)
	tbl := f.table("TestTable2")

	tx := NewTxn(testTxnID, commitTS)
	require.NoError(t, tx.LogTableMod(insertOp(tbl, 1, cv("another_string_col", types.String("another_string_value1"))), cs, testToken, nil))
	require.NoError(t, tx.LogTableMod(updateOp(tbl, 1, cv("another_string_col", types.String("another_string_value_update"))), cs, testToken, nil))
	require.NoError(t, tx.LogTableMod(deleteOp(tbl, 1), cs, testToken, nil))

	recs := decodeRecords(t, finalize(t, tx))
	require.Len(t, recs, 2)

	require.Equal(t, models.ModInsert, recs[0].ModType)
	require.False(t, recs[0].IsLastRecordInTransactionInPartition)
	require.Equal(t, int64(2), recs[0].NumberOfRecordsInTransaction)
	require.Equal(t, []string{"int64_col", "string_col"}, recs[0].ColumnTypesName)
	require.Equal(t, []bool{true, false}, recs[0].ColumnTypesIsPrimaryKey)
	require.Equal(t, []int64{1, 2}, recs[0].ColumnTypesOrdinalPosition)
	require.Equal(t, []string{`{"string_col":null}`}, newValuesOf(recs[0]))

	require.Equal(t, models.ModDelete, recs[1].ModType)
	require.True(t, recs[1].IsLastRecordInTransactionInPartition)
	require.Equal(t, []string{"int64_col", "string_col"}, recs[1].ColumnTypesName)
	require.Equal(t, []string{`{}`}, newValuesOf(recs[1]))
}

func TestEveryTrackingStreamRecordsMutation(t *testing.T) {
	f := newFixture(t, baseDef())
	tbl := f.table("TestTable2")
	ops, err := f.enc.BuildChangeStreamWriteOps(context.Background(), []models.WriteOp{
		insertOp(tbl, 1, cv("string_col", types.String("v"))),
	}, testTxnID, commitTS)
	require.NoError(t, err)

	var tables []string
	for _, op := range ops {
		tables = append(tables, models.TableOf(op).Name())
	}
	require.Equal(t, []string{
		"_change_stream_data_ChangeStream_All",
		"_change_stream_data_ChangeStream_TestTable2StrCol",
		"_change_stream_data_ChangeStream_TestTable2KeyOnly",
		"_change_stream_data_ChangeStream_TestTable2",
	}, tables)

	recs := decodeRecords(t, ops)
	require.Equal(t, []string{`{"another_string_col":null,"string_col":"v"}`}, newValuesOf(recs[0]))
	require.Equal(t, []string{`{"string_col":"v"}`}, newValuesOf(recs[1]))
	require.Equal(t, []string{`{}`}, newValuesOf(recs[2]))
	require.Equal(t, []string{`{"another_string_col":null,"string_col":"v"}`}, newValuesOf(recs[3]))
	for _, rec := range recs {
		require.Equal(t, "00000000", rec.RecordSequence)
		require.True(t, rec.IsLastRecordInTransactionInPartition)
	}
}

func TestUntrackedTableProducesNothing(t *testing.T) {
	def := baseDef()
	def.ChangeStreams = def.ChangeStreams[1:]
	f := newFixture(t, def)
	ops, err := f.enc.BuildChangeStreamWriteOps(context.Background(), []models.WriteOp{
		insertOp(f.table("TestTable"), 1, cv("string_col", types.String("v"))),
	}, testTxnID, commitTS)
	require.NoError(t, err)
	require.Empty(t, ops)
}

func TestPostgresAnnotatedTypes(t *testing.T) {
	f := newFixture(t, schema.Def{
		Dialect: schema.PostgreSQL,
		Tables: []schema.TableDef{{
			Name: "entended_pg_datatypes",
			Columns: []schema.ColumnDef{
				{Name: "int_col", Type: types.Int64Type, NotNull: true},
				{Name: "jsonb_col", Type: types.PGJSONBType},
				{Name: "jsonb_arr", Type: types.ArrayOf(types.PGJSONBType)},
				{Name: "numeric_col", Type: types.PGNumericType},
				{Name: "numeric_arr", Type: types.ArrayOf(types.PGNumericType)},
			},
			PrimaryKey: []string{"int_col"},
		}},
		ChangeStreams: []schema.ChangeStreamDef{{Name: "pg_stream", ForAll: true}},
	})
	tbl := f.table("entended_pg_datatypes")
	ops, err := f.enc.BuildChangeStreamWriteOps(context.Background(), []models.WriteOp{
		insertOp(tbl, 1,
			cv("jsonb_col", types.PGJSONBValue("2024")),
			cv("jsonb_arr", types.Array(types.PGJSONBType, types.PGJSONBValue("1"), types.PGJSONBValue("2"))),
			cv("numeric_col", types.PGNumericValue(apd.New(11, 0))),
			cv("numeric_arr", types.Array(types.PGNumericType,
				types.PGNumericValue(apd.New(22, 0)), types.PGNumericValue(apd.New(33, 0)))),
		),
	}, testTxnID, commitTS)
	require.NoError(t, err)
	require.Len(t, ops, 1)

	rec := decodeRecords(t, ops)[0]
	require.Equal(t, "entended_pg_datatypes", rec.TableName)
	require.Equal(t, []string{
		`{"code":"INT64"}`,
		`{"code":"JSON","type_annotation":"PG_JSONB"}`,
		`{"array_element_type":{"code":"JSON","type_annotation":"PG_JSONB"},"code":"ARRAY"}`,
		`{"code":"NUMERIC","type_annotation":"PG_NUMERIC"}`,
		`{"array_element_type":{"code":"NUMERIC","type_annotation":"PG_NUMERIC"},"code":"ARRAY"}`,
	}, rec.ColumnTypesType)
	require.Equal(t, []models.Mod{{
		Keys:      `{"int_col":"1"}`,
		NewValues: `{"jsonb_arr":["1","2"],"jsonb_col":"2024","numeric_arr":["22","33"],"numeric_col":"11"}`,
		OldValues: `{}`,
	}}, rec.Mods)
}

func TestFloatValues(t *testing.T) {
	f := newFixture(t, schema.Def{
		Tables: []schema.TableDef{{
			Name: "FloatTable",
			Columns: []schema.ColumnDef{
				{Name: "int64_col", Type: types.Int64Type, NotNull: true},
				{Name: "float_col", Type: types.Float32Type},
				{Name: "double_col", Type: types.Float64Type},
				{Name: "float_arr", Type: types.ArrayOf(types.Float32Type)},
				{Name: "double_arr", Type: types.ArrayOf(types.Float64Type)},
			},
			PrimaryKey: []string{"int64_col"},
		}},
		ChangeStreams: []schema.ChangeStreamDef{{
			Name:   "ChangeStream_FloatTable",
			Tables: []schema.TrackedTable{{Table: "FloatTable", AllColumns: true}},
		}},
	})
	ops, err := f.enc.BuildChangeStreamWriteOps(context.Background(), []models.WriteOp{
		insertOp(f.table("FloatTable"), 1,
			cv("float_col", types.Float32(1.1)),
			cv("double_col", types.Float64(2.2)),
			cv("float_arr", types.Array(types.Float32Type, types.Float32(1.1), types.Float32(3.14))),
			cv("double_arr", types.Array(types.Float64Type, types.Float64(2.2), types.Float64(2.71))),
		),
	}, testTxnID, commitTS)
	require.NoError(t, err)
	rec := decodeRecords(t, ops)[0]
	require.Equal(t, []string{
		`{"code":"INT64"}`,
		`{"code":"FLOAT32"}`,
		`{"code":"FLOAT64"}`,
		`{"array_element_type":{"code":"FLOAT32"},"code":"ARRAY"}`,
		`{"array_element_type":{"code":"FLOAT64"},"code":"ARRAY"}`,
	}, rec.ColumnTypesType)
	require.Equal(t, []string{
		`{"double_arr":[2.2,2.71],"double_col":2.2,"float_arr":[1.100000023841858,3.140000104904175],"float_col":1.100000023841858}`,
	}, newValuesOf(rec))
}

func commitTimestampDef() schema.Def {
	return schema.Def{
		Tables: []schema.TableDef{{
			Name: "CommitTimestampTable",
			Columns: []schema.ColumnDef{
				{Name: "id", Type: types.Int64Type, NotNull: true},
				{Name: "name", Type: types.StringType},
				{Name: "commit_ts", Type: types.TimestampType, NotNull: true, AllowCommitTimestamp: true},
			},
			PrimaryKey: []string{"id"},
		}},
		ChangeStreams: []schema.ChangeStreamDef{{
			Name:   "CommitTimestampStream",
			Tables: []schema.TrackedTable{{Table: "CommitTimestampTable", AllColumns: true}},
		}},
	}
}

func TestCommitTimestampResolution(t *testing.T) {
	f := newFixture(t, commitTimestampDef())
	tbl := f.table("CommitTimestampTable")
	sentinel := types.Timestamp(types.CommitTimestampSentinel)
	resolvedAt := time.UnixMicro(1600000000).UTC()

	buffered := []models.WriteOp{
		insertOp(tbl, 1, cv("name", types.String("test_name")), cv("commit_ts", sentinel)),
		updateOp(tbl, 2, cv("name", types.String("updated_name")), cv("commit_ts", sentinel)),
	}
	ops, err := f.enc.BuildChangeStreamWriteOps(context.Background(), buffered, testTxnID, resolvedAt)
	require.NoError(t, err)
	require.Len(t, ops, 2)

	for _, rec := range decodeRecords(t, ops) {
		require.True(t, rec.CommitTimestamp.Equal(resolvedAt))
		require.Len(t, rec.Mods, 1)
		require.Contains(t, rec.Mods[0].NewValues, `"commit_ts":"1970-01-01T00:26:40Z"`)
		require.NotContains(t, rec.Mods[0].NewValues, "294247")
	}

	// The base table writes see the same instant.
	resolved := ResolveCommitTimestamps(buffered, resolvedAt)
	require.True(t, models.ValuesOf(resolved[0])[2].TimeValue().Equal(resolvedAt))
	require.True(t, models.ValuesOf(buffered[0])[2].IsCommitTimestampSentinel(), "input must not be modified")
	require.NoError(t, f.store.Apply(context.Background(), resolved[:1]))
	got, err := f.store.Read(context.Background(), tbl, models.Key{types.Int64(1)}, []*schema.Column{tbl.FindColumn("commit_ts")})
	require.NoError(t, err)
	require.True(t, got[0].TimeValue().Equal(resolvedAt))
}

func TestResolveLeavesOtherOpsAlone(t *testing.T) {
	f := newFixture(t, commitTimestampDef())
	tbl := f.table("CommitTimestampTable")
	op := insertOp(tbl, 1, cv("name", types.String("x")), cv("commit_ts", types.Timestamp(commitTS)))
	require.Same(t, op, ResolveCommitTimestamp(op, time.Now()))
	del := deleteOp(tbl, 1)
	require.Same(t, del, ResolveCommitTimestamp(del, time.Now()))
}

func TestTransactionOptions(t *testing.T) {
	f := newFixture(t, baseDef())
	ops, err := f.enc.BuildChangeStreamWriteOps(context.Background(), []models.WriteOp{
		insertOp(f.table("TestTable"), 1),
	}, 987654321, commitTS, WithTransactionTag("batch-import"), WithSystemTransaction())
	require.NoError(t, err)
	rec := decodeRecords(t, ops)[0]
	require.Equal(t, "987654321", rec.ServerTransactionID)
	require.Equal(t, "batch-import", rec.TransactionTag)
	require.True(t, rec.IsSystemTransaction)
}

func TestPartitionCountAndToken(t *testing.T) {
	f := newFixture(t, baseDef())
	ctx := context.Background()
	cs := f.stream(csAll)
	_, err := partition.Seed(ctx, f.store, cs, "00000", commitTS)
	require.NoError(t, err)

	ops, err := f.enc.BuildChangeStreamWriteOps(ctx, []models.WriteOp{
		insertOp(f.table("TestTable"), 1),
		deleteOp(f.table("TestTable"), 2),
	}, testTxnID, commitTS)
	require.NoError(t, err)
	for _, rec := range decodeRecords(t, ops) {
		require.Equal(t, "00000", rec.PartitionToken)
		require.Equal(t, int64(2), rec.NumberOfPartitionsInTransaction)
	}
}

func TestMissingPartitionFailsWholeTransaction(t *testing.T) {
	s, err := schema.New(baseDef())
	require.NoError(t, err)
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	mem := store.NewMemory(logger)
	_, err = partition.Seed(context.Background(), mem, s.FindChangeStream(csAll), testToken, commitTS)
	require.NoError(t, err)
	enc := NewEncoder(s, mem, logger)

	ops, err := enc.BuildChangeStreamWriteOps(context.Background(), []models.WriteOp{
		insertOp(s.FindTable("TestTable"), 1),
		insertOp(s.FindTable("TestTable2"), 1),
	}, testTxnID, commitTS)
	require.True(t, errors.Is(err, partition.ErrNoActivePartition), "%v", err)
	require.Nil(t, ops)
}

func TestFinalizeTwice(t *testing.T) {
	f := newFixture(t, baseDef())
	ctx := context.Background()
	tx := NewTxn(testTxnID, commitTS)
	require.NoError(t, f.enc.LogMutation(ctx, tx, insertOp(f.table("TestTable"), 1)))
	ops, err := f.enc.BuildMutation(ctx, tx)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	require.Len(t, tx.Emitted(), 1)
	require.Equal(t, csAll, tx.Emitted()[0].Stream.Name())

	_, err = f.enc.BuildMutation(ctx, tx)
	require.True(t, errors.HasAssertionFailure(err), "%v", err)
	err = tx.LogTableMod(insertOp(f.table("TestTable"), 2), f.stream(csAll), testToken, nil)
	require.True(t, errors.HasAssertionFailure(err), "%v", err)
}

func TestIncrementalLoggingAcrossCalls(t *testing.T) {
	f := newFixture(t, baseDef())
	ctx := context.Background()
	tbl := f.table("TestTable")
	tx := NewTxn(secondTxID, commitTS)

	require.NoError(t, f.enc.LogMutation(ctx, tx, insertOp(tbl, 1)))
	require.Len(t, tx.Records(f.stream(csAll)), 1)
	require.NoError(t, f.enc.LogMutation(ctx, tx, insertOp(tbl, 2)))
	require.Len(t, tx.Records(f.stream(csAll)), 1)
	require.Len(t, tx.Records(f.stream(csAll))[0].Mods, 2)

	ops, err := f.enc.BuildMutation(ctx, tx)
	require.NoError(t, err)
	require.Equal(t, "2", decodeRecords(t, ops)[0].ServerTransactionID)
}

func TestSchemaInconsistencyIsAssertion(t *testing.T) {
	f := newFixture(t, baseDef())
	t1, t2 := f.table("TestTable"), f.table("TestTable2")
	bad := &models.InsertOp{
		Table:   t1,
		Key:     models.Key{types.Int64(1)},
		Columns: []*schema.Column{t2.FindColumn("string_col")},
		Values:  []types.Value{types.String("x")},
	}
	_, err := f.enc.BuildChangeStreamWriteOps(context.Background(), []models.WriteOp{bad}, testTxnID, commitTS)
	require.True(t, errors.HasAssertionFailure(err), "%v", err)
}

func TestEmittedRecordsPersist(t *testing.T) {
	f := newFixture(t, baseDef())
	ctx := context.Background()
	tbl := f.table("TestTable")
	base := []models.WriteOp{insertOp(tbl, 1, cv("string_col", types.String("a")))}
	ops, err := f.enc.BuildChangeStreamWriteOps(ctx, base, testTxnID, commitTS)
	require.NoError(t, err)
	require.NoError(t, f.store.Apply(ctx, append(base, ops...)))

	dataTable := f.stream(csAll).DataTable()
	var stored []*models.DataChangeRecord
	require.NoError(t, f.store.Scan(ctx, dataTable, dataTable.Columns(), func(_ models.Key, values []types.Value) error {
		rec, err := models.RecordFromValues(values)
		stored = append(stored, rec)
		return err
	}))
	if diff := cmp.Diff(decodeRecords(t, ops), stored); diff != "" {
		t.Fatalf("stored records mismatch (-want +got):\n%s", diff)
	}
}
