package main

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMissingPrivileges(t *testing.T) {
	for _, tc := range []struct {
		grants string
		want   []string
	}{
		{"GRANT ALL PRIVILEGES ON *.* TO `root`@`%` WITH GRANT OPTION", nil},
		{"GRANT SELECT, REPLICATION SLAVE, REPLICATION CLIENT ON *.* TO `cdc`@`%`", nil},
		{"GRANT SELECT ON `shop`.* TO `cdc`@`%`", []string{"REPLICATION SLAVE", "REPLICATION CLIENT"}},
		{"GRANT USAGE ON *.* TO `cdc`@`%`; grant select on shop.* to cdc", []string{"REPLICATION SLAVE", "REPLICATION CLIENT"}},
		{"", requiredPrivileges},
	} {
		require.Equal(t, tc.want, missingPrivileges(tc.grants), tc.grants)
	}
}
