package gradius

import (
	"database/sql"
	"errors"
	"strings"

	"github.com/jinzhu/gorm"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// NewSQLiteDatabase opens an embedded database at path. ":memory:" is accepted
// and is what the tests use.
func NewSQLiteDatabase(path string) (Database, error) {
	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, wrapPackageError("database.open", err)
	}

	// SQLite has a single writer, and every connection to ":memory:" is a
	// separate database.
	sqlDB.SetMaxOpenConns(1)

	_, err = sqlDB.Exec("PRAGMA foreign_keys = ON")
	if err != nil {
		sqlDB.Close()
		return nil, wrapPackageError("database.open", err)
	}

	db, err := gorm.Open("sqlite3", sqlDB)
	if err != nil {
		sqlDB.Close()
		return nil, wrapPackageError("database.open", err)
	}
	return newDataOperations(db), nil
}

func isSQLiteUniqueViolation(err error) bool {
	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}

	switch sqliteErr.Code() {
	case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
		return true
	case sqlite3.SQLITE_CONSTRAINT:
		// Without extended result codes only the message tells them apart.
		return strings.Contains(sqliteErr.Error(), "UNIQUE constraint failed")
	}
	return false
}
