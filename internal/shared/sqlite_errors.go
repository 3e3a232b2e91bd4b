// Package shared provides common utilities used across the codebase.
//
//nolint:revive // "shared" is an intentional package name for cross-cutting helpers.
package shared

import (
	"errors"
	"strings"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// IsSQLiteBusyError reports whether err is SQLITE_BUSY (another connection
// holds the write lock).
func IsSQLiteBusyError(err error) bool {
	if err == nil {
		return false
	}
	if code, ok := sqliteCode(err); ok {
		return code == sqlite3.SQLITE_BUSY
	}
	return strings.Contains(err.Error(), "SQLITE_BUSY")
}

// IsSQLiteLockedError reports whether err is SQLITE_LOCKED or the driver's
// "database is locked" message.
func IsSQLiteLockedError(err error) bool {
	if err == nil {
		return false
	}
	if code, ok := sqliteCode(err); ok && code == sqlite3.SQLITE_LOCKED {
		return true
	}
	return strings.Contains(err.Error(), "database is locked")
}

// IsSQLiteConflictError reports whether err is a transient lock conflict
// worth retrying.
func IsSQLiteConflictError(err error) bool {
	return IsSQLiteBusyError(err) || IsSQLiteLockedError(err)
}

// sqliteCode extracts the primary result code from a driver error.
func sqliteCode(err error) (int, bool) {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return 0, false
	}
	return se.Code() & 0xff, true
}
