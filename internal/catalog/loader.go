package catalog

import (
	"context"
	"database/sql"
	"net"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/go-sql-driver/mysql"
	"github.com/sirupsen/logrus"
)

var systemDatabases = []string{"mysql", "information_schema", "performance_schema", "sys"}

// Loader reads table definitions from INFORMATION_SCHEMA.
type Loader struct {
	db     *sql.DB
	logger *logrus.Logger
}

// DSN builds a go-sql-driver DSN for the given server. An empty database
// connects without a default schema.
func DSN(host string, port int, user, password, database string) string {
	cfg := mysql.NewConfig()
	cfg.User = user
	cfg.Passwd = password
	cfg.Net = "tcp"
	cfg.Addr = net.JoinHostPort(host, strconv.Itoa(port))
	cfg.DBName = database
	return cfg.FormatDSN()
}

// NewLoader opens a connection for catalog queries.
func NewLoader(host string, port int, user, password string, logger *logrus.Logger) (*Loader, error) {
	db, err := sql.Open("mysql", DSN(host, port, user, password, ""))
	if err != nil {
		return nil, errors.Wrap(err, "failed to open database connection")
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	return &Loader{db: db, logger: logger}, nil
}

// Close closes the INFORMATION_SCHEMA connection.
func (l *Loader) Close() error {
	return l.db.Close()
}

// schemaFilter returns the WHERE fragment and arguments restricting
// TABLE_SCHEMA. No databases means every non-system database.
func schemaFilter(databases []string) (string, []interface{}) {
	names, op := databases, "IN"
	if len(names) == 0 {
		names, op = systemDatabases, "NOT IN"
	}
	args := make([]interface{}, len(names))
	for i, n := range names {
		args[i] = n
	}
	return "TABLE_SCHEMA " + op + " (?" + strings.Repeat(", ?", len(names)-1) + ")", args
}

// Load returns every base table of the given databases, columns in ordinal
// order and primary key columns in key order.
func (l *Loader) Load(ctx context.Context, databases []string) ([]TableInfo, error) {
	filter, args := schemaFilter(databases)

	rows, err := l.db.QueryContext(ctx, `
		SELECT c.TABLE_SCHEMA, c.TABLE_NAME, c.COLUMN_NAME, c.DATA_TYPE, c.COLUMN_TYPE, c.IS_NULLABLE
		FROM INFORMATION_SCHEMA.COLUMNS c
		JOIN INFORMATION_SCHEMA.TABLES t
		  ON t.TABLE_SCHEMA = c.TABLE_SCHEMA AND t.TABLE_NAME = c.TABLE_NAME
		WHERE t.TABLE_TYPE = 'BASE TABLE' AND c.`+filter+`
		ORDER BY c.TABLE_SCHEMA, c.TABLE_NAME, c.ORDINAL_POSITION`, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query column info")
	}
	defer rows.Close()

	var tables []TableInfo
	byName := make(map[string]int)
	for rows.Next() {
		var database, table, nullable string
		var col ColumnInfo
		if err := rows.Scan(&database, &table, &col.Name, &col.DataType, &col.ColumnType, &nullable); err != nil {
			return nil, errors.Wrap(err, "failed to scan column info")
		}
		col.Nullable = nullable == "YES"
		name := QualifiedName(database, table)
		i, ok := byName[name]
		if !ok {
			i = len(tables)
			byName[name] = i
			tables = append(tables, TableInfo{Database: database, Name: table})
		}
		tables[i].Columns = append(tables[i].Columns, col)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating columns")
	}

	keys, err := l.db.QueryContext(ctx, `
		SELECT TABLE_SCHEMA, TABLE_NAME, COLUMN_NAME
		FROM INFORMATION_SCHEMA.KEY_COLUMN_USAGE
		WHERE CONSTRAINT_NAME = 'PRIMARY' AND `+filter+`
		ORDER BY TABLE_SCHEMA, TABLE_NAME, ORDINAL_POSITION`, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query primary keys")
	}
	defer keys.Close()
	for keys.Next() {
		var database, table, column string
		if err := keys.Scan(&database, &table, &column); err != nil {
			return nil, errors.Wrap(err, "failed to scan primary key")
		}
		if i, ok := byName[QualifiedName(database, table)]; ok {
			tables[i].PrimaryKey = append(tables[i].PrimaryKey, column)
		}
	}
	if err := keys.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating primary keys")
	}

	l.logger.Debugf("Fetched %d tables from INFORMATION_SCHEMA", len(tables))
	return tables, nil
}
