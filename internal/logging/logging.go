// Package logging builds the structured logger shared by the server, the
// command line tools and the training pipeline.
//
// Records go through the standard log package, so they land on stderr with
// the date, time and caller prefix configured in main. stdout stays reserved
// for the JSON-RPC stream.
package logging

import (
	"log"
	"os"
	"strings"

	"github.com/go-logr/logr"
	"github.com/go-logr/logr/funcr"
)

// EnvLevel is the environment variable selecting the log level.
const EnvLevel = "ENGRAVE_LOG_LEVEL"

// Verbosity maps a level name to a logr verbosity. "debug" enables V(1),
// "trace" enables V(2); anything else logs only V(0) records and errors.
func Verbosity(level string) int {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "trace":
		return 2
	case "debug":
		return 1
	default:
		return 0
	}
}

// New returns a logger writing through the standard log package.
func New(level string) logr.Logger {
	return NewWithSink(level, func(prefix, args string) {
		if prefix != "" {
			log.Printf("%s: %s", prefix, args)
			return
		}
		log.Print(args)
	})
}

// NewWithSink returns a logger writing formatted records to fn.
func NewWithSink(level string, fn func(prefix, args string)) logr.Logger {
	return funcr.New(fn, funcr.Options{Verbosity: Verbosity(level)})
}

// FromEnv returns a logger configured from EnvLevel.
func FromEnv() logr.Logger {
	return New(os.Getenv(EnvLevel))
}
