// File: internal/logging/logging.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Shared zerolog construction for the runtime packages.

package logging

import (
	"os"

	"github.com/rs/zerolog"
)

var root = zerolog.New(os.Stderr).With().Timestamp().Logger().Level(zerolog.WarnLevel)

// Component returns a logger tagged with the owning runtime component.
func Component(name string) zerolog.Logger {
	return root.With().Str("component", name).Logger()
}

// SetLevel adjusts the level of loggers handed out after the call.
func SetLevel(lvl zerolog.Level) {
	root = root.Level(lvl)
}
