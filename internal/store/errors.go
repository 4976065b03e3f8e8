package store

import "errors"

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("not found")

// ErrDuplicateEmail is returned when an insert or update would give two
// accounts the same email.
var ErrDuplicateEmail = errors.New("email already exists")
