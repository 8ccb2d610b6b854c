package store

import (
	"errors"
	"fmt"
)

// ErrInvalidArgument marks caller contract violations, e.g. non-positive k.
var ErrInvalidArgument = errors.New("invalid argument")

// SchemaError reports a failed schema setup or migration step.
type SchemaError struct {
	Op  string
	Err error
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("schema %s failed: %v", e.Op, e.Err)
}

func (e *SchemaError) Unwrap() error {
	return e.Err
}
