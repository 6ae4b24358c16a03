//go:build cgo && sqlite3_cgo

package db

import (
	"errors"

	"github.com/mattn/go-sqlite3"
)

const sqliteDriverID = "mattn/go-sqlite3"
const sqliteDriverName = "sqlite3"

// applied to every pooled connection, unlike the pragmas executed once
const sqliteConnParams = "_busy_timeout=5000&_foreign_keys=on"

func isSqliteUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
		sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
}
