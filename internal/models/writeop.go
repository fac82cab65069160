// Package models holds the row-level operations flowing through a
// transaction and the data change records synthesized from them.
package models

import (
	"strings"

	"github.com/cockroachdb/errors"

	"changestream-cdc/internal/schema"
	"changestream-cdc/internal/types"
)

// Key is a primary key, one value per key column in key order.
type Key []types.Value

// Compare orders keys column by column.
func (k Key) Compare(o Key) int {
	for i := 0; i < len(k) && i < len(o); i++ {
		if c := types.Compare(k[i], o[i]); c != 0 {
			return c
		}
	}
	switch {
	case len(k) < len(o):
		return -1
	case len(k) > len(o):
		return 1
	}
	return 0
}

// Equal reports whether k and o hold equal values.
func (k Key) Equal(o Key) bool {
	if len(k) != len(o) {
		return false
	}
	for i := range k {
		if !k[i].Equal(o[i]) {
			return false
		}
	}
	return true
}

func (k Key) String() string {
	parts := make([]string, len(k))
	for i, v := range k {
		parts[i] = v.String()
	}
	return "(" + strings.Join(parts, ",") + ")"
}

// WriteOp is a buffered row mutation: *InsertOp, *UpdateOp or *DeleteOp.
type WriteOp interface {
	writeOp()
}

// InsertOp writes a new row. Columns and Values are parallel and may name
// any subset of the table's columns.
type InsertOp struct {
	Table   *schema.Table
	Key     Key
	Columns []*schema.Column
	Values  []types.Value
}

// UpdateOp overwrites the supplied columns of an existing row.
type UpdateOp struct {
	Table   *schema.Table
	Key     Key
	Columns []*schema.Column
	Values  []types.Value
}

// DeleteOp removes a row.
type DeleteOp struct {
	Table *schema.Table
	Key   Key
}

func (*InsertOp) writeOp() {}
func (*UpdateOp) writeOp() {}
func (*DeleteOp) writeOp() {}

func unknownOp(op WriteOp) error {
	return errors.AssertionFailedf("unknown write op %T", op)
}

// TableOf returns the table op writes to.
func TableOf(op WriteOp) *schema.Table {
	switch o := op.(type) {
	case *InsertOp:
		return o.Table
	case *UpdateOp:
		return o.Table
	case *DeleteOp:
		return o.Table
	}
	panic(unknownOp(op))
}

// KeyOf returns the primary key op writes to.
func KeyOf(op WriteOp) Key {
	switch o := op.(type) {
	case *InsertOp:
		return o.Key
	case *UpdateOp:
		return o.Key
	case *DeleteOp:
		return o.Key
	}
	panic(unknownOp(op))
}

// ColumnsOf returns the supplied columns; nil for deletes.
func ColumnsOf(op WriteOp) []*schema.Column {
	switch o := op.(type) {
	case *InsertOp:
		return o.Columns
	case *UpdateOp:
		return o.Columns
	case *DeleteOp:
		return nil
	}
	panic(unknownOp(op))
}

// ValuesOf returns the supplied values; nil for deletes.
func ValuesOf(op WriteOp) []types.Value {
	switch o := op.(type) {
	case *InsertOp:
		return o.Values
	case *UpdateOp:
		return o.Values
	case *DeleteOp:
		return nil
	}
	panic(unknownOp(op))
}

// WithValues returns a copy of op carrying values instead of its own.
// Deletes are returned unchanged.
func WithValues(op WriteOp, values []types.Value) WriteOp {
	switch o := op.(type) {
	case *InsertOp:
		c := *o
		c.Values = values
		return &c
	case *UpdateOp:
		c := *o
		c.Values = values
		return &c
	case *DeleteOp:
		return o
	}
	panic(unknownOp(op))
}

// KeyFromValues extracts the primary key of t from parallel columns and
// values. Every key column must be present.
func KeyFromValues(t *schema.Table, cols []*schema.Column, values []types.Value) (Key, error) {
	if len(cols) != len(values) {
		return nil, errors.AssertionFailedf("%d columns but %d values for table %s", len(cols), len(values), t.Name())
	}
	key := make(Key, len(t.PrimaryKey()))
	found := make([]bool, len(key))
	for i, c := range cols {
		for k, kc := range t.PrimaryKey() {
			if c == kc {
				key[k] = values[i]
				found[k] = true
			}
		}
	}
	for k, ok := range found {
		if !ok {
			return nil, errors.Newf("key column %s not supplied", t.PrimaryKey()[k])
		}
	}
	return key, nil
}

// Validate checks that op is consistent with its table.
func Validate(op WriteOp) error {
	t := TableOf(op)
	if t == nil {
		return errors.AssertionFailedf("%T without a table", op)
	}
	key := KeyOf(op)
	if len(key) != len(t.PrimaryKey()) {
		return errors.AssertionFailedf("key %s does not match primary key of %s", key, t.Name())
	}
	for i, kc := range t.PrimaryKey() {
		if !key[i].Type().Equal(kc.Type()) {
			return errors.AssertionFailedf("key value %s is not a %s for %s", key[i], kc.Type(), kc)
		}
	}
	cols, values := ColumnsOf(op), ValuesOf(op)
	if len(cols) != len(values) {
		return errors.AssertionFailedf("%d columns but %d values for table %s", len(cols), len(values), t.Name())
	}
	for i, c := range cols {
		if c.Table() != t {
			return errors.AssertionFailedf("column %s does not belong to table %s", c, t.Name())
		}
		if !values[i].Type().Equal(c.Type()) {
			return errors.AssertionFailedf("value %s is not a %s for %s", values[i], c.Type(), c)
		}
	}
	return nil
}
