package schema

// ColumnDescriptors are the four parallel column_types_* arrays of a data
// change record.
type ColumnDescriptors struct {
	Names            []string
	Types            []string
	IsPrimaryKey     []bool
	OrdinalPositions []int64
}

// Len is the number of described columns.
func (d ColumnDescriptors) Len() int { return len(d.Names) }

// BuildColumnDescriptors describes cols in the given order.
func BuildColumnDescriptors(cols []*Column) ColumnDescriptors {
	d := ColumnDescriptors{
		Names:            make([]string, len(cols)),
		Types:            make([]string, len(cols)),
		IsPrimaryKey:     make([]bool, len(cols)),
		OrdinalPositions: make([]int64, len(cols)),
	}
	for i, c := range cols {
		d.Names[i] = c.name
		d.Types[i] = c.typ.JSON()
		d.IsPrimaryKey[i] = c.IsKey()
		d.OrdinalPositions[i] = c.ordinal
	}
	return d
}
