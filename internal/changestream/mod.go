package changestream

import (
	"strings"

	"github.com/cockroachdb/errors"
	jsoniter "github.com/json-iterator/go"

	"changestream-cdc/internal/models"
	"changestream-cdc/internal/schema"
	"changestream-cdc/internal/types"
)

// TableMod is a mod together with what decides the record it joins.
type TableMod struct {
	Mod     models.Mod
	Table   *schema.Table
	ModType models.ModType
	// Columns are the non-key columns carried in the mod's new values, in
	// schema order.
	Columns []string
}

func (m *TableMod) signature() string { return strings.Join(m.Columns, "\x00") }

// BuildMod renders op as seen by cs. before is the full row ahead of op,
// or nil when the row did not exist or the capture type does not need it.
// A nil TableMod means cs records nothing for op: an update that touches
// no tracked non-key column.
func BuildMod(op models.WriteOp, cs *schema.ChangeStream, before []types.Value) (*TableMod, error) {
	if err := models.Validate(op); err != nil {
		return nil, err
	}
	t := models.TableOf(op)
	if !cs.Tracks(t) {
		return nil, errors.AssertionFailedf("change stream %s does not track table %s", cs.Name(), t.Name())
	}
	if before != nil && len(before) != len(t.Columns()) {
		return nil, errors.AssertionFailedf("row image of %s has %d values, want %d", t.Name(), len(before), len(t.Columns()))
	}
	capture := cs.ValueCaptureType()
	tracked := cs.TrackedNonKeyColumns(t)

	supplied := make(map[*schema.Column]types.Value)
	for i, c := range models.ColumnsOf(op) {
		supplied[c] = models.ValuesOf(op)[i]
	}
	beforeValue := func(c *schema.Column) types.Value {
		if before == nil {
			return types.Null(c.Type())
		}
		return before[c.OrdinalPosition()-1]
	}

	var newCols, oldCols []*schema.Column
	var newValues, oldValues []types.Value
	m := &TableMod{Table: t, ModType: models.ModTypeOf(op)}
	switch op.(type) {
	case *models.InsertOp:
		for _, c := range tracked {
			v, ok := supplied[c]
			if !ok {
				v = types.Null(c.Type())
			}
			newCols, newValues = append(newCols, c), append(newValues, v)
		}
		m.Columns = columnNames(tracked)
	case *models.UpdateOp:
		var modified []*schema.Column
		for _, c := range tracked {
			if _, ok := supplied[c]; ok {
				modified = append(modified, c)
			}
		}
		if len(modified) == 0 {
			return nil, nil
		}
		if capture.CapturesNewRow() {
			for _, c := range tracked {
				v, ok := supplied[c]
				if !ok {
					v = beforeValue(c)
				}
				newCols, newValues = append(newCols, c), append(newValues, v)
			}
			m.Columns = columnNames(tracked)
		} else {
			for _, c := range modified {
				newCols, newValues = append(newCols, c), append(newValues, supplied[c])
			}
			m.Columns = columnNames(modified)
		}
		if capture.CapturesOldValues() {
			for _, c := range modified {
				oldCols, oldValues = append(oldCols, c), append(oldValues, beforeValue(c))
			}
		}
	case *models.DeleteOp:
		if capture.CapturesOldValues() {
			for _, c := range tracked {
				oldCols, oldValues = append(oldCols, c), append(oldValues, beforeValue(c))
			}
		}
	}

	var err error
	if m.Mod.Keys, err = renderObject(t.PrimaryKey(), models.KeyOf(op)); err != nil {
		return nil, err
	}
	if m.Mod.NewValues, err = renderObject(newCols, newValues); err != nil {
		return nil, err
	}
	if m.Mod.OldValues, err = renderObject(oldCols, oldValues); err != nil {
		return nil, err
	}
	return m, nil
}

// renderObject builds a JSON object keyed by column name with sorted keys.
func renderObject(cols []*schema.Column, values []types.Value) (string, error) {
	obj := make(map[string]jsoniter.RawMessage, len(cols))
	for i, c := range cols {
		data, err := values[i].JSON()
		if err != nil {
			return "", errors.NewAssertionErrorWithWrappedErrf(err, "encoding %s", c)
		}
		obj[c.Name()] = data
	}
	s, err := types.JSONAPI().MarshalToString(obj)
	if err != nil {
		return "", errors.NewAssertionErrorWithWrappedErrf(err, "encoding mod object")
	}
	return s, nil
}

func columnNames(cols []*schema.Column) []string {
	names := make([]string, len(cols))
	for i, c := range cols {
		names[i] = c.Name()
	}
	return names
}
