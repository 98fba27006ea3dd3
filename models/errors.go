package models

import "errors"

// Error kinds surfaced by the engine. Callers wrap these with
// fmt.Errorf("%w: ...") to add context and test with errors.Is.
var (
	// ErrInvalidRange indicates a value outside its domain, such as a
	// price outside [0, 1] or a negative quantity.
	ErrInvalidRange = errors.New("value out of range")

	// ErrInvalidEnum indicates an unrecognized enum literal.
	ErrInvalidEnum = errors.New("invalid enum value")

	// ErrParse indicates malformed JSON or an unparseable field.
	ErrParse = errors.New("parse error")

	// ErrEmpty indicates a best-price query against an empty book side.
	ErrEmpty = errors.New("empty book side")

	// ErrNotFound indicates a query for a book or snapshot that does not exist.
	ErrNotFound = errors.New("not found")

	// ErrStorage indicates a failed I/O operation in the repository.
	ErrStorage = errors.New("storage error")
)
