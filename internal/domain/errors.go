package domain

import "errors"

// ErrNotFound is returned by stores for unknown record IDs.
var ErrNotFound = errors.New("not found")
