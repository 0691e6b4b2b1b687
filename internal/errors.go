package internal

import (
	"errors"
	"fmt"
)

// Generic errors
var (
	// ErrResourceNotFound is returned when a resource cannot be found.
	ErrResourceNotFound = errors.New("resource not found")

	// ErrResourceAlreadyExists is returned when attempting to create a resource
	// that already exists.
	ErrResourceAlreadyExists = errors.New("resource already exists")

	// ErrConflict is returned when a request conflicts with the current state
	// of a resource.
	ErrConflict = errors.New("resource conflict detected")

	// ErrAccessNotPermitted is returned when a runner is not permitted to
	// carry out an action, e.g. it has not been adopted.
	ErrAccessNotPermitted = errors.New("access to the resource is not permitted")

	// ErrInvalidArgument is returned when a request carries an invalid value.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrUnauthorized is returned when a request lacks valid credentials.
	ErrUnauthorized = errors.New("unauthorized")
)

type (
	// MissingParameterError occurs when the caller has failed to provide a
	// required parameter
	MissingParameterError struct {
		Parameter string
	}

	// InvalidParameterError occurs when a parameter has an invalid value.
	InvalidParameterError string
)

func (e InvalidParameterError) Error() string {
	return string(e)
}

// Is allows errors.Is(err, ErrInvalidArgument) to match.
func (e InvalidParameterError) Is(target error) bool {
	return target == ErrInvalidArgument
}

func (e *MissingParameterError) Error() string {
	return fmt.Sprintf("required parameter missing: %s", e.Parameter)
}

// Is allows errors.Is(err, ErrInvalidArgument) to match.
func (e *MissingParameterError) Is(target error) bool {
	return target == ErrInvalidArgument
}
