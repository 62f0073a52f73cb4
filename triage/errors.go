package triage

import "errors"

var (
	ErrNotFound                   = errors.New("not found")
	ErrInvalidTransition          = errors.New("invalid transition")
	ErrDuplicatePackageDefinition = errors.New("duplicate package definition")

	// errInconsistent marks rows that reference data which no longer exists.
	// Fan-outs log and skip pairs failing with it.
	errInconsistent = errors.New("inconsistent data")
)
