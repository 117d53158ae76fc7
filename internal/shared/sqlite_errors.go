// Package shared provides helpers used by more than one storage component.
//
//nolint:revive // "shared" is an intentional package name for cross-cutting helpers.
package shared

import (
	"errors"
	"strings"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// IsSQLiteBusyError reports whether err is SQLITE_BUSY, including extended codes.
func IsSQLiteBusyError(err error) bool {
	return hasPrimaryCode(err, sqlite3.SQLITE_BUSY, "SQLITE_BUSY")
}

// IsSQLiteLockedError reports whether err is SQLITE_LOCKED ("database is locked").
func IsSQLiteLockedError(err error) bool {
	return hasPrimaryCode(err, sqlite3.SQLITE_LOCKED, "database is locked")
}

// IsSQLiteConflictError reports whether err is a concurrency error worth retrying.
func IsSQLiteConflictError(err error) bool {
	return IsSQLiteBusyError(err) || IsSQLiteLockedError(err)
}

func hasPrimaryCode(err error, code int, fallback string) bool {
	if err == nil {
		return false
	}
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		// Extended result codes keep the primary code in the low byte.
		return sqliteErr.Code()&0xff == code
	}
	return strings.Contains(err.Error(), fallback)
}
