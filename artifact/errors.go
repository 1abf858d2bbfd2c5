package artifact

import "errors"

// ErrNotFound is returned when a session has no artifact of the given name.
var ErrNotFound = errors.New("artifact not found")
