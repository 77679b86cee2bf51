package internal

import (
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/log"
)

var logLevel = log.InfoLevel

// SetLogLevel sets the level for loggers created afterwards. Unknown names are ignored.
func SetLogLevel(name string) {
	if level, err := log.ParseLevel(strings.ToLower(strings.TrimSpace(name))); err == nil {
		logLevel = level
	}
}

func NewLogger(component string) *log.Logger {
	return newLoggerTo(os.Stdout, component)
}

func newLoggerTo(w io.Writer, component string) *log.Logger {
	prefix := "npmmirror"
	if component != "" {
		prefix = prefix + "/" + component
	}
	return log.NewWithOptions(w, log.Options{
		Prefix:          prefix,
		ReportTimestamp: true,
		TimeFormat:      "2006-01-02 15:04:05.000",
		Level:           logLevel,
	})
}
