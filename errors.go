package sibyl

import "errors"

// ErrInvalidConfig is returned for invalid configuration values. The
// server refuses to start on it.
var ErrInvalidConfig = errors.New("sibyl: invalid configuration")
