package db

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"lawconnect/errs"
)

const (
	codeUniqueViolation = "23505"
	codeInvalidText     = "22P02"
	codeCheckViolation  = "23514"
)

// Classify folds a pgx error into the shared taxonomy. Missing rows and
// malformed identifiers become ErrNotFound, unique violations ErrConflict,
// check violations ErrInvalidInput and everything else ErrTransient.
func Classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, errs.ErrNotFound)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case codeUniqueViolation:
			return fmt.Errorf("%s: %w (%s)", op, errs.ErrConflict, pgErr.ConstraintName)
		case codeInvalidText:
			return fmt.Errorf("%s: %w", op, errs.ErrNotFound)
		case codeCheckViolation:
			return fmt.Errorf("%s: %w (%s)", op, errs.ErrInvalidInput, pgErr.ConstraintName)
		}
	}
	return errs.Transient(op, err)
}
