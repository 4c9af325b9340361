package corvid

import (
	"log/slog"
	"os"
)

// slogLogger is corvid's logging type: a plain *slog.Logger, following the
// teacher's own use of log/slog for structured diagnostics (see scan.go's
// debug logging). corvid never picks a logging backend for the caller; it
// accepts a *slog.Logger and logs structured attributes (revID, sequence,
// docID, keystore) at appropriate levels.
type slogLogger = slog.Logger

func resolveLogger(l *slogLogger) *slogLogger {
	if l != nil {
		return l
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}
