// Package resource contains code common to all resources (jobs, runners,
// etc)
package resource

import (
	"errors"
	"regexp"
)

var (
	// ReStringID is a regular expression used to validate common string ID patterns.
	ReStringID = regexp.MustCompile(`^[a-zA-Z0-9\-\._]+$`)

	// A regular expression used to validate resource name.
	validName = regexp.MustCompile(`^[a-zA-Z0-9\-_]+$`)

	ErrRequiredName = errors.New("name is required")
	ErrInvalidName  = errors.New("invalid value for name")
)

func ValidateName(name *string) error {
	if name == nil || *name == "" {
		return ErrRequiredName
	}
	if !validName.MatchString(*name) {
		return ErrInvalidName
	}
	return nil
}
