package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound   = errors.New("not found")
	ErrEmptyInput = &ValidationError{Field: "content", Reason: "empty"}
)

// ValidationError is returned for input the engine ignores without any UI effect.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// PersistenceError wraps a failed store read or write.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// CompletionError wraps a failed model call.
type CompletionError struct {
	Provider string
	Err      error
}

func (e *CompletionError) Error() string {
	if e.Provider == "" {
		return fmt.Sprintf("completion: %v", e.Err)
	}
	return fmt.Sprintf("completion (%s): %v", e.Provider, e.Err)
}

func (e *CompletionError) Unwrap() error { return e.Err }

// BackgroundTaskError is only ever logged.
type BackgroundTaskError struct {
	Task           string
	ConversationID string
	Err            error
}

func (e *BackgroundTaskError) Error() string {
	return fmt.Sprintf("background %s for %s: %v", e.Task, e.ConversationID, e.Err)
}

func (e *BackgroundTaskError) Unwrap() error { return e.Err }

func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

func IsPersistence(err error) bool {
	var p *PersistenceError
	return errors.As(err, &p)
}

func IsCompletion(err error) bool {
	var c *CompletionError
	return errors.As(err, &c)
}
