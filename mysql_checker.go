package main

import (
	"context"
	"database/sql"
	"strings"

	"github.com/cockroachdb/errors"
	_ "github.com/go-sql-driver/mysql"
	"github.com/sirupsen/logrus"

	"changestream-cdc/internal/catalog"
)

// requiredPrivileges lets the bridge read the binlog and the catalog.
var requiredPrivileges = []string{
	"REPLICATION SLAVE",
	"REPLICATION CLIENT",
	"SELECT",
}

// MySQLChecker validates MySQL connection and required permissions
type MySQLChecker struct {
	host     string
	port     int
	user     string
	password string
	logger   *logrus.Logger
}

// NewMySQLChecker creates a new MySQL checker
func NewMySQLChecker(host string, port int, user, password string, logger *logrus.Logger) *MySQLChecker {
	return &MySQLChecker{
		host:     host,
		port:     port,
		user:     user,
		password: password,
		logger:   logger,
	}
}

// CheckConnectionAndPermissions verifies the connection, the grants and the
// binlog settings row capture depends on.
func (c *MySQLChecker) CheckConnectionAndPermissions(ctx context.Context) error {
	db, err := sql.Open("mysql", catalog.DSN(c.host, c.port, c.user, c.password, ""))
	if err != nil {
		return errors.Wrap(err, "failed to open MySQL connection")
	}
	defer db.Close()
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.PingContext(ctx); err != nil {
		return errors.Wrap(err, "failed to connect to MySQL server")
	}
	c.logger.Info("Successfully connected to MySQL server")

	grants, err := c.grants(ctx, db)
	if err != nil {
		return err
	}
	if missing := missingPrivileges(grants); len(missing) > 0 {
		return errors.Newf("missing required permissions: %s. Current grants: %s", strings.Join(missing, ", "), grants)
	}
	c.logger.Info("All required permissions verified")

	for _, v := range []struct{ name, want string }{
		{"log_bin", "ON"},
		{"binlog_format", "ROW"},
		{"binlog_row_image", "FULL"},
	} {
		got, err := variable(ctx, db, v.name)
		if err != nil {
			return err
		}
		if !strings.EqualFold(got, v.want) && !(v.want == "ON" && got == "1") {
			return errors.Newf("%s is %q, change stream capture needs %s", v.name, got, v.want)
		}
		c.logger.Infof("%s is %s", v.name, got)
	}
	return nil
}

// grants joins every row of SHOW GRANTS.
func (c *MySQLChecker) grants(ctx context.Context, db *sql.DB) (string, error) {
	rows, err := db.QueryContext(ctx, "SHOW GRANTS FOR CURRENT_USER()")
	if err != nil {
		// Try alternative query for MySQL 5.6
		rows, err = db.QueryContext(ctx, "SHOW GRANTS")
		if err != nil {
			return "", errors.Wrap(err, "failed to check grants")
		}
	}
	defer rows.Close()

	var all []string
	for rows.Next() {
		var grant string
		if err := rows.Scan(&grant); err != nil {
			return "", errors.Wrap(err, "failed to scan grant")
		}
		all = append(all, grant)
	}
	if err := rows.Err(); err != nil {
		return "", errors.Wrap(err, "error iterating grants")
	}
	return strings.Join(all, "; "), nil
}

// missingPrivileges lists required privileges absent from grants. ALL
// PRIVILEGES covers every one of them.
func missingPrivileges(grants string) []string {
	upper := strings.ToUpper(grants)
	if strings.Contains(upper, "ALL PRIVILEGES ON *.*") {
		return nil
	}
	var missing []string
	for _, priv := range requiredPrivileges {
		if !strings.Contains(upper, priv) {
			missing = append(missing, priv)
		}
	}
	return missing
}

func variable(ctx context.Context, db *sql.DB, name string) (string, error) {
	var n, value string
	// name comes from a fixed list.
	err := db.QueryRowContext(ctx, "SHOW GLOBAL VARIABLES LIKE '"+name+"'").Scan(&n, &value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", errors.Newf("server has no %s variable", name)
	}
	if err != nil {
		return "", errors.Wrapf(err, "failed to read %s", name)
	}
	return value, nil
}
