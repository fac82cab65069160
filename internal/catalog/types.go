package catalog

import (
	"strings"

	"github.com/cockroachdb/errors"

	"changestream-cdc/internal/types"
)

// ColumnInfo is one row of INFORMATION_SCHEMA.COLUMNS.
type ColumnInfo struct {
	Name       string
	DataType   string // DATA_TYPE, e.g. "int"
	ColumnType string // COLUMN_TYPE, e.g. "int(10) unsigned"
	Nullable   bool
}

func (c ColumnInfo) unsigned() bool {
	return strings.Contains(strings.ToLower(c.ColumnType), "unsigned")
}

// TypeOf maps a MySQL column to the type it is recorded as.
func TypeOf(c ColumnInfo) (*types.Type, error) {
	switch strings.ToLower(c.DataType) {
	case "tinyint", "smallint", "mediumint", "int", "integer", "year", "bit":
		return types.Int64Type, nil
	case "bigint":
		// Unsigned values above MaxInt64 do not fit INT64.
		if c.unsigned() {
			return types.NumericType, nil
		}
		return types.Int64Type, nil
	case "float":
		return types.Float32Type, nil
	case "double", "real":
		return types.Float64Type, nil
	case "decimal", "numeric":
		return types.NumericType, nil
	case "char", "varchar", "tinytext", "text", "mediumtext", "longtext", "enum", "set", "time":
		return types.StringType, nil
	case "binary", "varbinary", "tinyblob", "blob", "mediumblob", "longblob":
		return types.BytesType, nil
	case "date":
		return types.DateType, nil
	case "datetime", "timestamp":
		return types.TimestampType, nil
	case "json":
		return types.JSONType, nil
	}
	return nil, errors.Newf("unsupported MySQL type %q for column %s", c.ColumnType, c.Name)
}

// enumValues parses the member list of an enum('a','b') or set('a','b')
// COLUMN_TYPE.
func enumValues(columnType string) []string {
	open, end := strings.IndexByte(columnType, '('), strings.LastIndexByte(columnType, ')')
	if open < 0 || end <= open {
		return nil
	}
	body := columnType[open+1 : end]
	var (
		out []string
		cur strings.Builder
		in  bool
	)
	for i := 0; i < len(body); i++ {
		ch := body[i]
		switch {
		case ch == '\'' && in && i+1 < len(body) && body[i+1] == '\'':
			cur.WriteByte('\'')
			i++
		case ch == '\'':
			if in {
				out = append(out, cur.String())
				cur.Reset()
			}
			in = !in
		case in:
			cur.WriteByte(ch)
		}
	}
	return out
}
