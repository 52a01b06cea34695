package database

import (
	"errors"
	"strings"

	"github.com/lib/pq"
	apperrors "github.com/medflow/stock-ledger/pkg/errors"
)

// Postgres error codes the repositories react to.
const (
	codeUniqueViolation     = "23505"
	codeForeignKeyViolation = "23503"
	codeNotNullViolation    = "23502"
	codeCheckViolation      = "23514"
)

// UniqueViolation reports whether err is a unique violation and, if so, on
// which constraint.
func UniqueViolation(err error) (constraint string, ok bool) {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) || pqErr.Code != codeUniqueViolation {
		return "", false
	}
	return pqErr.Constraint, true
}

// MapPQError converts a PostgreSQL error to an AppError with meaningful messages.
// Returns nil if the error is not a pq.Error.
func MapPQError(err error) *apperrors.AppError {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return nil
	}

	switch pqErr.Code {
	case codeCheckViolation:
		return mapCheckConstraint(pqErr)

	case codeUniqueViolation:
		return apperrors.Conflict(formatConstraintMessage(pqErr))

	case codeForeignKeyViolation:
		return apperrors.BadRequest("referenced record does not exist")

	case codeNotNullViolation:
		col := pqErr.Column
		if col == "" {
			col = "required field"
		}
		return apperrors.Validation(map[string]string{
			col: "must not be empty",
		})

	default:
		return nil
	}
}

// mapCheckConstraint maps CHECK constraint names to messages. Quantity
// checks guard invariants the application enforces first, so tripping one
// is an internal error rather than bad input.
func mapCheckConstraint(pqErr *pq.Error) *apperrors.AppError {
	constraint := pqErr.Constraint

	switch {
	case strings.Contains(constraint, "batches_quantities"):
		return apperrors.Internal("batch quantity invariant violated")

	case strings.Contains(constraint, "ledger_entries_one_sided"):
		return apperrors.Validation(map[string]string{
			"quantity": "exactly one of quantity_in and quantity_out must be positive",
		})

	case strings.Contains(constraint, "ledger_entries_balance"):
		return apperrors.Internal("ledger balance would become negative")

	default:
		return apperrors.BadRequest("data validation failed: " + constraint)
	}
}

func formatConstraintMessage(pqErr *pq.Error) string {
	switch {
	case strings.Contains(pqErr.Constraint, "batches_identity"):
		return "a batch with this number already exists for the product at this branch"
	default:
		return "a record with these values already exists"
	}
}
