// Package storetest runs the same behavioural checks against every
// store.Store implementation.
package storetest

import (
	"context"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"

	"changestream-cdc/internal/models"
	"changestream-cdc/internal/schema"
	"changestream-cdc/internal/store"
	"changestream-cdc/internal/types"
)

// Table returns a table with a composite key and a few value columns.
func Table(t *testing.T) *schema.Table {
	s, err := schema.New(schema.Def{
		Tables: []schema.TableDef{{
			Name: "Orders",
			Columns: []schema.ColumnDef{
				{Name: "customer", Type: types.StringType, NotNull: true},
				{Name: "id", Type: types.Int64Type, NotNull: true},
				{Name: "amount", Type: types.NumericType},
				{Name: "tags", Type: types.StringArrayType},
				{Name: "placed_at", Type: types.TimestampType},
			},
			PrimaryKey: []string{"customer", "id"},
		}},
	})
	require.NoError(t, err)
	return s.FindTable("Orders")
}

func insert(t *testing.T, tbl *schema.Table, customer string, id int64, amount string) *models.InsertOp {
	n, err := types.NumericFromString(amount)
	require.NoError(t, err)
	return &models.InsertOp{
		Table:   tbl,
		Key:     models.Key{types.String(customer), types.Int64(id)},
		Columns: []*schema.Column{tbl.FindColumn("customer"), tbl.FindColumn("id"), tbl.FindColumn("amount")},
		Values:  []types.Value{types.String(customer), types.Int64(id), n},
	}
}

// Run exercises s, which must start empty.
func Run(t *testing.T, s store.Store) {
	ctx := context.Background()
	tbl := Table(t)
	amount := []*schema.Column{tbl.FindColumn("amount")}
	all := tbl.Columns()

	t.Run("read missing", func(t *testing.T) {
		_, err := s.Read(ctx, tbl, models.Key{types.String("nobody"), types.Int64(1)}, all)
		require.True(t, errors.Is(err, store.ErrNotFound), "%v", err)
	})

	t.Run("insert fills nulls", func(t *testing.T) {
		require.NoError(t, s.Apply(ctx, []models.WriteOp{
			insert(t, tbl, "b", 2, "2.50"),
			insert(t, tbl, "a", 9, "1"),
		}))
		got, err := s.Read(ctx, tbl, models.Key{types.String("b"), types.Int64(2)}, all)
		require.NoError(t, err)
		require.Equal(t, "2.50", got[2].NumericValue().String())
		require.True(t, got[3].IsNull())
		require.True(t, got[4].IsNull())
	})

	t.Run("update overlays", func(t *testing.T) {
		up := &models.UpdateOp{
			Table:   tbl,
			Key:     models.Key{types.String("b"), types.Int64(2)},
			Columns: []*schema.Column{tbl.FindColumn("tags")},
			Values:  []types.Value{types.StringArray("x", "y")},
		}
		require.NoError(t, s.Apply(ctx, []models.WriteOp{up}))
		got, err := s.Read(ctx, tbl, up.Key, []*schema.Column{tbl.FindColumn("tags"), tbl.FindColumn("amount")})
		require.NoError(t, err)
		require.True(t, got[0].Equal(types.StringArray("x", "y")))
		require.Equal(t, "2.50", got[1].NumericValue().String())
	})

	t.Run("scan in key order", func(t *testing.T) {
		var keys []string
		require.NoError(t, s.Scan(ctx, tbl, amount, func(key models.Key, values []types.Value) error {
			require.Len(t, values, 1)
			keys = append(keys, key.String())
			return nil
		}))
		require.Equal(t, []string{`("a","9")`, `("b","2")`}, keys)
	})

	t.Run("failed batch changes nothing", func(t *testing.T) {
		err := s.Apply(ctx, []models.WriteOp{
			&models.DeleteOp{Table: tbl, Key: models.Key{types.String("a"), types.Int64(9)}},
			insert(t, tbl, "b", 2, "3"),
		})
		require.True(t, errors.Is(err, store.ErrAlreadyExists), "%v", err)
		_, err = s.Read(ctx, tbl, models.Key{types.String("a"), types.Int64(9)}, amount)
		require.NoError(t, err)
	})

	t.Run("update of missing row", func(t *testing.T) {
		err := s.Apply(ctx, []models.WriteOp{&models.UpdateOp{
			Table:   tbl,
			Key:     models.Key{types.String("zz"), types.Int64(1)},
			Columns: amount,
			Values:  []types.Value{types.Null(types.NumericType)},
		}})
		require.True(t, errors.Is(err, store.ErrNotFound), "%v", err)
	})

	t.Run("delete", func(t *testing.T) {
		key := models.Key{types.String("a"), types.Int64(9)}
		require.NoError(t, s.Apply(ctx, []models.WriteOp{&models.DeleteOp{Table: tbl, Key: key}}))
		_, err := s.Read(ctx, tbl, key, amount)
		require.True(t, errors.Is(err, store.ErrNotFound))
	})

	t.Run("invalid op rejected", func(t *testing.T) {
		err := s.Apply(ctx, []models.WriteOp{&models.DeleteOp{Table: tbl, Key: models.Key{types.String("a")}}})
		require.True(t, errors.HasAssertionFailure(err), "%v", err)
	})
}
