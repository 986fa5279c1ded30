package storage

import "errors"

// ErrNotFound is returned when a requested entity does not exist or is
// not visible to the requesting user. Expired memories and rows owned by
// another user are indistinguishable from missing rows.
var ErrNotFound = errors.New("storage: not found")

// ErrNoActivePolicy is returned when no constitution row is active.
var ErrNoActivePolicy = errors.New("storage: no active policy")
