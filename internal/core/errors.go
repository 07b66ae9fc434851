package core

import (
	"errors"

	"github.com/markdave123-py/pagewise/internal/models"
)

var (
	// ErrNotFound covers both an absent record and one owned by somebody else.
	ErrNotFound = errors.New("not found")
	// ErrNoContent is the retrieval signal for "nothing in this document matches".
	ErrNoContent = errors.New("no content")
	// ErrNotReady is returned when a document cannot be chatted with yet.
	ErrNotReady = errors.New("document is not ready")
	// ErrStatusConflict means the status changed between read and write.
	ErrStatusConflict = errors.New("ingestion status changed concurrently")
	// ErrInvalidInput is a request the caller must fix before retrying.
	ErrInvalidInput = errors.New("invalid input")
	// ErrAlreadyExists is returned when a unique record is created twice.
	ErrAlreadyExists = errors.New("already exists")
	// ErrInvalidCredentials is a failed login.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrInvalidTransition aliases the model-level transition error.
	ErrInvalidTransition = models.ErrInvalidTransition
)

// NonRetriableError marks a failure that no retry scope should repeat.
type NonRetriableError struct {
	Err error
}

func (e *NonRetriableError) Error() string { return "non-retriable: " + e.Err.Error() }
func (e *NonRetriableError) Unwrap() error { return e.Err }

// NonRetriable wraps err so both retry scopes give up on it immediately.
func NonRetriable(err error) error {
	if err == nil {
		return nil
	}
	return &NonRetriableError{Err: err}
}

// IsNonRetriable reports whether err, or anything it wraps, is non-retriable.
func IsNonRetriable(err error) bool {
	var nr *NonRetriableError
	return errors.As(err, &nr)
}
