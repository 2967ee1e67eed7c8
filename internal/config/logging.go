package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
)

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// NewLogger builds the JSON logger described by c. Logs go to c.File when
// set, otherwise to stderr. The returned closer must be closed at shutdown.
func (c LogConfig) NewLogger() (*slog.Logger, io.Closer, error) {
	var (
		w      io.Writer = os.Stderr
		closer io.Closer = nopCloser{}
	)
	if c.File != "" {
		f, err := os.OpenFile(c.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open log file %s: %w", c.File, err)
		}
		w, closer = f, f
	}
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: c.Level.ToSlogLevel()})
	return slog.New(handler), closer, nil
}
