// errors_helper.go provides error handling helpers for database operations.
package datastore

import (
	"strings"

	"gorm.io/gorm"

	"github.com/opticut/collab/internal/errors"
)

// ErrLockExists signals that a lock row already occupies the document key.
// The unique index raised it, so the insert race was lost, not failed.
var ErrLockExists = errors.NewStd("document lock already exists")

// dbError creates a properly categorized database error with context
func dbError(err error, operation, priority string, context ...any) error {
	builder := errors.New(err).
		Component("datastore").
		Category(errors.CategoryDatabase).
		Context("operation", operation)

	if priority != "" {
		builder = builder.Priority(priority)
	}

	for i := 0; i < len(context)-1; i += 2 {
		if key, ok := context[i].(string); ok {
			builder = builder.Context(key, context[i+1])
		}
	}

	return builder.Build()
}

// isDuplicateKey detects unique-constraint violations across the supported
// drivers. gorm's TranslateError covers the common cases; the string checks
// catch drivers that bypass translation.
func isDuplicateKey(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || // sqlite
		strings.Contains(msg, "Duplicate entry") // mysql
}
