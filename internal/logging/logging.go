// Package logging wires zerolog the way cmd/server/main.go in the price
// service pack repo does: a console writer for local development, plain
// JSON otherwise.
package logging

import (
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// New builds a zerolog.Logger. format is "json" or "console"; an empty
// string defaults to "console" for local runs.
func New(format, level string) zerolog.Logger {
	var writer = os.Stderr
	var out zerolog.LevelWriter

	if strings.EqualFold(format, "json") {
		out = zerolog.MultiLevelWriter(writer)
	} else {
		out = zerolog.MultiLevelWriter(zerolog.ConsoleWriter{Out: writer, TimeFormat: "15:04:05"})
	}

	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		lvl = zerolog.InfoLevel
	}

	return zerolog.New(out).Level(lvl).With().Timestamp().Logger()
}
