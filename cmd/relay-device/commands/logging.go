package commands

import (
	"io"
	"log/slog"

	"gopkg.in/natefinch/lumberjack.v2"
)

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// newLogger builds the operational logger: a text handler on stderr and,
// when file is set, a rotating log file.
func newLogger(level, file string, stderr io.Writer) (*slog.Logger, io.Closer, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, nil, err
	}

	sink := stderr
	var closer io.Closer = nopCloser{}
	if file != "" {
		rotating := &lumberjack.Logger{
			Filename:   file,
			MaxSize:    10, // MB
			MaxBackups: 5,
			MaxAge:     30, // days
			Compress:   true,
		}
		sink = io.MultiWriter(stderr, rotating)
		closer = rotating
	}

	handler := slog.NewTextHandler(sink, &slog.HandlerOptions{Level: lvl})
	return slog.New(handler), closer, nil
}
