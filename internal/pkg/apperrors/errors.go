// Package apperrors defines the error taxonomy shared by the repository,
// scheduler and API layers. Callers classify failures with errors.Is and
// wrap these sentinels with fmt.Errorf("...: %w", ...).
package apperrors

import "errors"

var (
	// ErrValidation marks malformed input, e.g. a schedule expression the
	// evaluator rejects or a missing required field.
	ErrValidation = errors.New("validation failed")

	// ErrAlreadyExists marks an attempt to create a second scheduler config
	// for the same (tenant, environment, user) triple.
	ErrAlreadyExists = errors.New("already exists")

	// ErrNotFound marks a config or execution that does not exist.
	ErrNotFound = errors.New("not found")

	// ErrExternalService marks a workflow trigger timeout, non-2xx response
	// or network failure.
	ErrExternalService = errors.New("external service failure")
)
