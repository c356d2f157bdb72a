package utils

import (
	"os"

	"github.com/rs/zerolog"
)

// Log is the logger shared by every component. Commands are expected to
// call SetLogger once before doing anything else.
var Log zerolog.Logger

func SetLogger(debug bool) {
	level := zerolog.InfoLevel
	if debug || os.Getenv("DARCH_DEBUG") != "" {
		level = zerolog.DebugLevel
	}

	Log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger().Level(level)
}
