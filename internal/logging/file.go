package logging

import (
	"io"
	"path/filepath"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Rotation limits for the log file. The tool runs once per shutdown, so a
// handful of small files covers months of history.
const (
	fileMaxSizeMB  = 5
	fileMaxBackups = 10
	fileMaxAgeDays = 90
)

// Output returns the writer records should go to. An empty path or "console"
// keeps console; anything else is a rotated file that also mirrors to console.
// The returned close function must be called before the process exits.
func Output(path string, console io.Writer) (io.Writer, func() error) {
	path = strings.TrimSpace(path)
	if path == "" || path == "console" {
		return console, func() error { return nil }
	}

	file := &lumberjack.Logger{
		Filename:   filepath.Clean(path),
		MaxSize:    fileMaxSizeMB,
		MaxBackups: fileMaxBackups,
		MaxAge:     fileMaxAgeDays,
		Compress:   true,
	}
	if console == nil {
		return file, file.Close
	}
	return io.MultiWriter(console, file), file.Close
}
