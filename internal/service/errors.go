package service

import (
	"context"
	"errors"
	"fmt"

	"dealerdesk/backend/internal/store"
)

var (
	// ErrForbidden is returned when the actor's role may not run an operation.
	ErrForbidden = errors.New("forbidden")
	// ErrAlreadyPaid is returned when paying a commission that is already paid.
	ErrAlreadyPaid = store.ErrAlreadyPaid
)

// PersistenceError wraps a store failure that is not a domain outcome
// (not found, invalid input, conflict, already paid). The operation had no
// effect.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s: persistence failure: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

func wrapStoreError(op string, err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, store.ErrNotFound),
		errors.Is(err, store.ErrInvalidTransaction),
		errors.Is(err, store.ErrConflict),
		errors.Is(err, store.ErrAlreadyPaid),
		errors.Is(err, ErrForbidden),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return err
	}
	var perr *PersistenceError
	if errors.As(err, &perr) {
		return err
	}
	return &PersistenceError{Op: op, Err: err}
}
