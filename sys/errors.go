package sys

import "errors"

// ErrLocked is returned when a directory lock cannot be acquired.
var ErrLocked = errors.New("directory is locked")
