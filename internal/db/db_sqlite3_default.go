//go:build !sqlite3_cgo

package db

import (
	"errors"

	"github.com/ncruces/go-sqlite3"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

const sqliteDriverID = "ncruces/go-sqlite3"
const sqliteDriverName = "sqlite3"

// applied to every pooled connection, unlike the pragmas executed once
const sqliteConnParams = "_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"

func isSqliteUniqueViolation(err error) bool {
	return errors.Is(err, sqlite3.CONSTRAINT_UNIQUE) ||
		errors.Is(err, sqlite3.CONSTRAINT_PRIMARYKEY)
}
