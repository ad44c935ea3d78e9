package pipeline

import (
	"errors"

	"github.com/kiranshivaraju/productlens/internal/imaging"
	"github.com/kiranshivaraju/productlens/internal/inference"
	"github.com/kiranshivaraju/productlens/internal/objectstore"
	"github.com/kiranshivaraju/productlens/internal/store"
)

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as a validation failure that retrying cannot fix.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err should fail the image without retry.
func IsPermanent(err error) bool {
	var p *permanentError
	switch {
	case errors.As(err, &p):
		return true
	case errors.Is(err, imaging.ErrUnsupportedImage),
		errors.Is(err, objectstore.ErrObjectNotFound),
		errors.Is(err, objectstore.ErrObjectTooLarge),
		inference.IsPermanent(err):
		return true
	}
	return false
}

// isStale reports whether the job moved to a terminal state underneath us.
func isStale(err error) bool {
	return errors.Is(err, store.ErrJobTerminal)
}
