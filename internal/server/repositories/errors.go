package repositories

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"
)

// ErrNotFound is returned when the requested record does not exist. Callers
// check with errors.Is to distinguish missing records from database errors.
var ErrNotFound = errors.New("record not found")

// ErrConflict is returned when an insert or update violates a unique
// constraint, for example two robots registering the same name after the
// disambiguation attempts are exhausted.
var ErrConflict = errors.New("record already exists")

// ErrUnavailable is returned for transient database failures (connection
// loss, pool exhaustion, driver errors). Callers retry with backoff.
var ErrUnavailable = errors.New("store unavailable")

// translate maps a raw gorm/driver error onto the package sentinels, keeping
// the original error in the chain for logging.
func translate(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	case isUniqueViolation(err):
		return fmt.Errorf("%s: %v: %w", op, err, ErrConflict)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%s: %w", op, err)
	default:
		return fmt.Errorf("%s: %v: %w", op, err, ErrUnavailable)
	}
}

// isUniqueViolation detects unique-constraint errors across both supported
// drivers. gorm.ErrDuplicatedKey covers dialects with translated errors;
// the string checks cover sqlite (modernc) and postgres wire errors that
// arrive untranslated.
func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "duplicate key value") ||
		strings.Contains(msg, "constraint failed: UNIQUE")
}
