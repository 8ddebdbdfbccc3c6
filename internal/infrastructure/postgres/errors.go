package postgres

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/outbound-hub/outbound-hub/internal/domain/message"
)

const (
	pgUniqueViolation = "23505"
)

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

// classify turns a driver error into the domain taxonomy: unique violations
// become ErrConflict, everything else a PersistenceError.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if isUniqueViolation(err) {
		var pgErr *pgconn.PgError
		errors.As(err, &pgErr)
		return fmt.Errorf("%s: %w (constraint %s)", op, message.ErrConflict, pgErr.ConstraintName)
	}
	return &message.PersistenceError{Op: op, Err: err}
}
