package core

import (
	"errors"
	"fmt"
)

// Domain errors - centralized error definitions
var (
	// Input validation errors (fatal, reported before any fitting starts)
	ErrUnknownColumn   = errors.New("unknown column")
	ErrColumnType      = errors.New("column has wrong type")
	ErrSchemaMismatch  = errors.New("imputation set members have mismatched schemas")
	ErrEmptySet        = errors.New("imputation set is empty")
	ErrFewGroupLevels  = errors.New("grouping column has fewer than 2 levels")
	ErrInvalidSpec     = errors.New("invalid model specification")
	ErrNoCompleteCases = errors.New("no complete cases after listwise deletion")

	// Per-imputation fit failures (recoverable at the pipeline level)
	ErrNonConvergence = errors.New("optimizer failed to converge")
	ErrSingularFit    = errors.New("design matrix is singular")

	// Pooling errors (fatal)
	ErrTooFewFits       = errors.New("pooling requires at least 2 successful fits")
	ErrFailureThreshold = errors.New("per-imputation failure threshold exceeded")
)

// Error constructors with context
func NewUnknownColumnError(col Column, where string) error {
	return fmt.Errorf("%w: %q referenced by %s", ErrUnknownColumn, col, where)
}

func NewColumnTypeError(col Column, want string) error {
	return fmt.Errorf("%w: %q must be %s", ErrColumnType, col, want)
}

func NewSchemaMismatchError(imputation int, detail string) error {
	return fmt.Errorf("%w: imputation %d: %s", ErrSchemaMismatch, imputation, detail)
}

func NewConvergenceError(method string, iterations int) error {
	return fmt.Errorf("%w: %s exceeded %d iterations", ErrNonConvergence, method, iterations)
}

// IsValidationError reports whether err is a fatal input-validation error.
func IsValidationError(err error) bool {
	return errors.Is(err, ErrUnknownColumn) ||
		errors.Is(err, ErrColumnType) ||
		errors.Is(err, ErrSchemaMismatch) ||
		errors.Is(err, ErrEmptySet) ||
		errors.Is(err, ErrFewGroupLevels) ||
		errors.Is(err, ErrInvalidSpec)
}

// IsFitFailure reports whether err is a recoverable per-imputation failure.
func IsFitFailure(err error) bool {
	return errors.Is(err, ErrNonConvergence) ||
		errors.Is(err, ErrSingularFit) ||
		errors.Is(err, ErrNoCompleteCases)
}
