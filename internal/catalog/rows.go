package catalog

import (
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/shopspring/decimal"

	"changestream-cdc/internal/models"
	"changestream-cdc/internal/types"
)

const (
	dateLayout     = "2006-01-02"
	datetimeLayout = "2006-01-02 15:04:05.999999"
)

// Change is one row change decoded from a rows event. Before is nil for
// inserts and After is nil for deletes.
type Change struct {
	Op     models.WriteOp
	Before []types.Value
	After  []types.Value
}

// Changes converts the rows of one binlog rows event. Update events carry
// rows as before/after pairs; an update that changes no column produces no
// change, and one that changes the primary key becomes a delete plus an
// insert.
func (t *Table) Changes(kind models.ModType, rows [][]interface{}) ([]Change, error) {
	if t.schema == nil {
		return nil, errors.AssertionFailedf("table %s.%s is not in the schema", t.Database, t.Name)
	}
	var changes []Change
	switch kind {
	case models.ModInsert, models.ModDelete:
		for _, raw := range rows {
			values, err := t.Row(raw)
			if err != nil {
				return nil, err
			}
			key, err := models.KeyFromValues(t.schema, t.schema.Columns(), values)
			if err != nil {
				return nil, err
			}
			if kind == models.ModDelete {
				changes = append(changes, t.deleteChange(key, values))
			} else {
				changes = append(changes, t.insertChange(key, values))
			}
		}
	case models.ModUpdate:
		if len(rows)%2 != 0 {
			return nil, errors.Newf("update event for %s.%s has %d rows, want before/after pairs", t.Database, t.Name, len(rows))
		}
		for i := 0; i < len(rows); i += 2 {
			before, err := t.Row(rows[i])
			if err != nil {
				return nil, err
			}
			after, err := t.Row(rows[i+1])
			if err != nil {
				return nil, err
			}
			pair, err := t.updateChanges(before, after)
			if err != nil {
				return nil, err
			}
			changes = append(changes, pair...)
		}
	default:
		return nil, errors.AssertionFailedf("unknown rows event kind %q", kind)
	}
	return changes, nil
}

func (t *Table) insertChange(key models.Key, values []types.Value) Change {
	op := &models.InsertOp{Table: t.schema, Key: key, Columns: t.schema.Columns(), Values: values}
	return Change{Op: op, After: values}
}

func (t *Table) deleteChange(key models.Key, values []types.Value) Change {
	return Change{Op: &models.DeleteOp{Table: t.schema, Key: key}, Before: values}
}

func (t *Table) updateChanges(before, after []types.Value) ([]Change, error) {
	cols := t.schema.Columns()
	oldKey, err := models.KeyFromValues(t.schema, cols, before)
	if err != nil {
		return nil, err
	}
	newKey, err := models.KeyFromValues(t.schema, cols, after)
	if err != nil {
		return nil, err
	}
	if !oldKey.Equal(newKey) {
		return []Change{t.deleteChange(oldKey, before), t.insertChange(newKey, after)}, nil
	}
	up := &models.UpdateOp{Table: t.schema, Key: newKey}
	for i, c := range cols {
		if c.IsKey() || before[i].Equal(after[i]) {
			continue
		}
		up.Columns = append(up.Columns, c)
		up.Values = append(up.Values, after[i])
	}
	if len(up.Columns) == 0 {
		return nil, nil
	}
	return []Change{{Op: up, Before: before, After: after}}, nil
}

// Row decodes one binlog row image into values in column order.
func (t *Table) Row(raw []interface{}) ([]types.Value, error) {
	if len(raw) != len(t.columns) {
		return nil, errors.Newf("column count mismatch for %s.%s: binlog has %d, catalog has %d",
			t.Database, t.Name, len(raw), len(t.columns))
	}
	values := make([]types.Value, len(raw))
	for i, v := range raw {
		val, err := t.decode(i, v)
		if err != nil {
			return nil, errors.Wrapf(err, "column %s.%s.%s", t.Database, t.Name, t.columns[i].Name)
		}
		values[i] = val
	}
	return values, nil
}

func (t *Table) decode(i int, raw interface{}) (types.Value, error) {
	typ := t.types[i]
	if raw == nil {
		return types.Null(typ), nil
	}
	col := t.columns[i]
	switch typ.Code() {
	case types.CodeInt64:
		n, err := toInt64(raw)
		if err != nil {
			return types.Value{}, err
		}
		if col.unsigned() {
			n = int64(uint64(n) & unsignedMask(col.DataType))
		}
		return types.Int64(n), nil
	case types.CodeNumeric:
		return decodeNumeric(raw, col.unsigned())
	case types.CodeFloat32:
		switch v := raw.(type) {
		case float32:
			return types.Float32(v), nil
		case float64:
			return types.Float32(float32(v)), nil
		}
	case types.CodeFloat64:
		switch v := raw.(type) {
		case float64:
			return types.Float64(v), nil
		case float32:
			return types.Float64(float64(v)), nil
		}
	case types.CodeString:
		if members := t.members[i]; members != nil {
			return decodeMembers(raw, members, strings.EqualFold(col.DataType, "set"))
		}
		switch v := raw.(type) {
		case string:
			return types.String(v), nil
		case []byte:
			return types.String(string(v)), nil
		}
	case types.CodeBytes:
		switch v := raw.(type) {
		case []byte:
			return types.Bytes(v), nil
		case string:
			return types.Bytes([]byte(v)), nil
		}
	case types.CodeJSON:
		switch v := raw.(type) {
		case []byte:
			return types.JSON(string(v)), nil
		case string:
			return types.JSON(v), nil
		}
	case types.CodeDate:
		tm, ok, err := parseTime(raw, dateLayout)
		if err != nil || !ok {
			return types.Null(typ), err
		}
		return types.DateOf(tm), nil
	case types.CodeTimestamp:
		tm, ok, err := parseTime(raw, datetimeLayout)
		if err != nil || !ok {
			return types.Null(typ), err
		}
		return types.Timestamp(tm), nil
	}
	return types.Value{}, errors.Newf("unexpected binlog value %T for %s", raw, typ)
}

func toInt64(raw interface{}) (int64, error) {
	switch v := raw.(type) {
	case int8:
		return int64(v), nil
	case int16:
		return int64(v), nil
	case int32:
		return int64(v), nil
	case int64:
		return v, nil
	case int:
		return int64(v), nil
	case uint8:
		return int64(v), nil
	case uint16:
		return int64(v), nil
	case uint32:
		return int64(v), nil
	case uint64:
		return int64(v), nil
	}
	return 0, errors.Newf("unexpected binlog integer %T", raw)
}

// unsignedMask undoes sign extension of an unsigned column read as signed.
func unsignedMask(dataType string) uint64 {
	switch strings.ToLower(dataType) {
	case "tinyint":
		return 0xFF
	case "smallint":
		return 0xFFFF
	case "mediumint":
		return 0xFFFFFF
	case "int", "integer":
		return 0xFFFFFFFF
	}
	return ^uint64(0)
}

func decodeNumeric(raw interface{}, unsigned bool) (types.Value, error) {
	switch v := raw.(type) {
	case decimal.Decimal:
		return types.NumericFromString(v.String())
	case string:
		return types.NumericFromString(v)
	case float64:
		return types.NumericFromString(strconv.FormatFloat(v, 'f', -1, 64))
	case uint64:
		return types.NumericFromString(strconv.FormatUint(v, 10))
	case int64:
		if unsigned {
			return types.NumericFromString(strconv.FormatUint(uint64(v), 10))
		}
		return types.NumericFromString(strconv.FormatInt(v, 10))
	}
	return types.Value{}, errors.Newf("unexpected binlog decimal %T", raw)
}

// decodeMembers maps an enum index or a set bitmask to member names.
func decodeMembers(raw interface{}, members []string, set bool) (types.Value, error) {
	n, err := toInt64(raw)
	if err != nil {
		return types.Value{}, err
	}
	if !set {
		// Index 0 is the empty string MySQL stores for invalid values.
		if n <= 0 || int(n) > len(members) {
			return types.String(""), nil
		}
		return types.String(members[n-1]), nil
	}
	var picked []string
	for i, m := range members {
		if uint64(n)&(1<<uint(i)) != 0 {
			picked = append(picked, m)
		}
	}
	return types.String(strings.Join(picked, ",")), nil
}

// parseTime accepts time.Time or the text the binlog uses without
// ParseTime. Zero dates decode as absent.
func parseTime(raw interface{}, layout string) (time.Time, bool, error) {
	switch v := raw.(type) {
	case time.Time:
		if v.IsZero() {
			return time.Time{}, false, nil
		}
		return v, true, nil
	case string:
		if strings.HasPrefix(v, "0000-00-00") {
			return time.Time{}, false, nil
		}
		tm, err := time.ParseInLocation(layout, v, time.UTC)
		if err != nil {
			return time.Time{}, false, errors.Wrapf(err, "invalid time %q", v)
		}
		return tm, true, nil
	}
	return time.Time{}, false, errors.Newf("unexpected binlog time %T", raw)
}
