package shared

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsSQLiteConflictError(t *testing.T) {
	assert.False(t, IsSQLiteConflictError(nil))
	assert.False(t, IsSQLiteConflictError(errors.New("no such table")))
	assert.True(t, IsSQLiteConflictError(errors.New("SQLITE_BUSY: busy")))
	assert.True(t, IsSQLiteConflictError(fmt.Errorf("save: %w", errors.New("database is locked (5)"))))
	assert.True(t, IsSQLiteLockedError(errors.New("database is locked")))
	assert.False(t, IsSQLiteBusyError(errors.New("database is locked")))
}
