// Package store holds committed rows of user tables and change stream
// hidden tables.
package store

import (
	"context"

	"github.com/cockroachdb/errors"

	"changestream-cdc/internal/models"
	"changestream-cdc/internal/schema"
	"changestream-cdc/internal/types"
)

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("row not found")
	// ErrAlreadyExists is returned when inserting over an existing row.
	ErrAlreadyExists = errors.New("row already exists")
)

// ScanFunc receives one row. Values follow the requested columns.
type ScanFunc func(key models.Key, values []types.Value) error

// Reader is the read side used by the change stream encoder.
type Reader interface {
	// Read returns the values of cols for the row at key, or ErrNotFound.
	Read(ctx context.Context, t *schema.Table, key models.Key, cols []*schema.Column) ([]types.Value, error)
	// Scan visits every row of t in key order.
	Scan(ctx context.Context, t *schema.Table, cols []*schema.Column, fn ScanFunc) error
}

// Writer applies a batch of operations atomically.
type Writer interface {
	Apply(ctx context.Context, ops []models.WriteOp) error
}

// ReadWriter is a store the encoder can both read and write.
type ReadWriter interface {
	Reader
	Writer
}

// Store is a ReadWriter that owns resources.
type Store interface {
	ReadWriter
	Close() error
}

// NextRow computes the full row of t after op, given the current row
// (nil when absent). A nil result means the row no longer exists.
func NextRow(op models.WriteOp, current []types.Value) ([]types.Value, error) {
	t := models.TableOf(op)
	switch o := op.(type) {
	case *models.InsertOp:
		if current != nil {
			return nil, errors.Wrapf(ErrAlreadyExists, "insert into %s at %s", t.Name(), o.Key)
		}
		row := NullRow(t)
		overlay(row, o.Columns, o.Values)
		return row, nil
	case *models.UpdateOp:
		if current == nil {
			return nil, errors.Wrapf(ErrNotFound, "update of %s at %s", t.Name(), o.Key)
		}
		row := append([]types.Value(nil), current...)
		overlay(row, o.Columns, o.Values)
		return row, nil
	case *models.DeleteOp:
		return nil, nil
	}
	return nil, errors.AssertionFailedf("unknown write op %T", op)
}

// NullRow is a row of t with every column null.
func NullRow(t *schema.Table) []types.Value {
	row := make([]types.Value, len(t.Columns()))
	for i, c := range t.Columns() {
		row[i] = types.Null(c.Type())
	}
	return row
}

func overlay(row []types.Value, cols []*schema.Column, values []types.Value) {
	for i, c := range cols {
		row[c.OrdinalPosition()-1] = values[i]
	}
}

// Project picks cols out of a full row of their table.
func Project(row []types.Value, cols []*schema.Column) []types.Value {
	out := make([]types.Value, len(cols))
	for i, c := range cols {
		out[i] = row[c.OrdinalPosition()-1]
	}
	return out
}

// ValidateBatch checks every op of a batch before any is applied.
func ValidateBatch(ops []models.WriteOp) error {
	for i, op := range ops {
		if err := models.Validate(op); err != nil {
			return errors.Wrapf(err, "op %d", i)
		}
	}
	return nil
}
