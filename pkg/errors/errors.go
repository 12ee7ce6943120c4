// Package errors defines the resolution and sync error taxonomy.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
)

var (
	// ErrNotFound is returned when a referenced entity type, entity or facet type is absent.
	ErrNotFound = stderrors.New("not found")

	// ErrConflictRecovered marks a lost uniqueness race that was resolved by re-querying.
	// It is logged, never returned to callers.
	ErrConflictRecovered = stderrors.New("conflict recovered")

	// ErrOracleUnavailable is returned by disambiguators that failed or timed out.
	ErrOracleUnavailable = stderrors.New("disambiguation oracle unavailable")

	// ErrValidation is returned for malformed input. No state is written.
	ErrValidation = stderrors.New("validation error")
)

// NotFound wraps ErrNotFound with the missing kind and key.
func NotFound(kind, key string) error {
	return fmt.Errorf("%s %q: %w", kind, key, ErrNotFound)
}

// Validation wraps ErrValidation with a formatted message.
func Validation(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrValidation)
}

// UnknownType is returned for input naming a type that does not exist. It is
// both a validation error and a not-found error.
func UnknownType(kind, slug string) error {
	return fmt.Errorf("unknown %s %q: %w: %w", kind, slug, ErrValidation, ErrNotFound)
}

// OracleUnavailable wraps ErrOracleUnavailable around the underlying cause.
func OracleUnavailable(cause error) error {
	if cause == nil {
		return ErrOracleUnavailable
	}
	return fmt.Errorf("%w: %v", ErrOracleUnavailable, cause)
}

// SyncPassError is a single record's failure during a sync pass.
type SyncPassError struct {
	SourceSlug string `json:"source"`
	ExternalID string `json:"external_id"`
	Message    string `json:"message"`
	Err        error  `json:"-"`
}

func NewSyncPassError(sourceSlug, externalID string, err error) *SyncPassError {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return &SyncPassError{
		SourceSlug: sourceSlug,
		ExternalID: externalID,
		Message:    msg,
		Err:        err,
	}
}

func (e *SyncPassError) Error() string {
	return fmt.Sprintf("source '%s' record '%s': %s", e.SourceSlug, e.ExternalID, e.Message)
}

func (e *SyncPassError) Unwrap() error {
	return e.Err
}

func IsSyncPassError(err error) bool {
	var spe *SyncPassError
	return stderrors.As(err, &spe)
}

// Is, As and Join re-export the standard helpers so callers need one import.
func Is(err, target error) bool { return stderrors.Is(err, target) }

func As(err error, target any) bool { return stderrors.As(err, target) }

func Join(errs ...error) error { return stderrors.Join(errs...) }

// ToHTTPError maps the taxonomy onto HTTP-coded errors for the API layer.
func ToHTTPError(err error) error {
	if err == nil {
		return nil
	}
	if httperror.IsHTTPError(err) {
		return err
	}

	switch {
	case stderrors.Is(err, ErrValidation):
		return httperror.NewHTTPError(http.StatusBadRequest, err.Error())
	case stderrors.Is(err, ErrNotFound):
		return httperror.NewHTTPError(http.StatusNotFound, err.Error())
	case stderrors.Is(err, ErrOracleUnavailable):
		return httperror.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	}

	var spe *SyncPassError
	if stderrors.As(err, &spe) {
		return httperror.NewHTTPError(http.StatusUnprocessableEntity, spe.Message).
			AddMetaValue("source", spe.SourceSlug).
			AddMetaValue("external_id", spe.ExternalID)
	}

	return httperror.NewHTTPError(http.StatusInternalServerError, "internal error")
}
