package changestream

import (
	"time"

	"changestream-cdc/internal/models"
	"changestream-cdc/internal/schema"
	"changestream-cdc/internal/types"
)

// ResolveCommitTimestamp replaces commit timestamp sentinels in columns
// that allow them with commitTS. op is returned unchanged when it holds no
// sentinel; otherwise a copy is returned.
func ResolveCommitTimestamp(op models.WriteOp, commitTS time.Time) models.WriteOp {
	t := models.TableOf(op)
	key := resolveKey(t, models.KeyOf(op), commitTS)
	values := resolveValues(models.ColumnsOf(op), models.ValuesOf(op), commitTS)
	if key == nil && values == nil {
		return op
	}
	switch o := op.(type) {
	case *models.InsertOp:
		c := *o
		if key != nil {
			c.Key = key
		}
		if values != nil {
			c.Values = values
		}
		return &c
	case *models.UpdateOp:
		c := *o
		if key != nil {
			c.Key = key
		}
		if values != nil {
			c.Values = values
		}
		return &c
	case *models.DeleteOp:
		c := *o
		c.Key = key
		return &c
	}
	return op
}

// ResolveCommitTimestamps applies ResolveCommitTimestamp to every op. The
// base table writes and the change stream records must both be built from
// the result so they observe the same instant.
func ResolveCommitTimestamps(ops []models.WriteOp, commitTS time.Time) []models.WriteOp {
	out := make([]models.WriteOp, len(ops))
	for i, op := range ops {
		out[i] = ResolveCommitTimestamp(op, commitTS)
	}
	return out
}

func resolveKey(t *schema.Table, key models.Key, commitTS time.Time) models.Key {
	var out models.Key
	for i, c := range t.PrimaryKey() {
		if i >= len(key) || !c.AllowsCommitTimestamp() || !key[i].IsCommitTimestampSentinel() {
			continue
		}
		if out == nil {
			out = append(models.Key(nil), key...)
		}
		out[i] = types.Timestamp(commitTS)
	}
	return out
}

func resolveValues(cols []*schema.Column, values []types.Value, commitTS time.Time) []types.Value {
	var out []types.Value
	for i, c := range cols {
		if i >= len(values) || !c.AllowsCommitTimestamp() || !values[i].IsCommitTimestampSentinel() {
			continue
		}
		if out == nil {
			out = append([]types.Value(nil), values...)
		}
		out[i] = types.Timestamp(commitTS)
	}
	return out
}
