// Package logging provides the shell's debug logger, built on logrus. It
// is entirely off the user-visible I/O path: by default it discards, and
// only writes structured JSON to a debug log file when debug mode is
// enabled (see internal/config).
package logging

import (
	"io"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
)

// New returns a logger for job-table, signal-relay, and executor state
// transitions. When debug is false the logger discards everything at
// ErrorLevel, matching a production CLI's quiet default. When debug is
// true it logs at DebugLevel in JSON to logDir/debug.log (creating logDir
// if needed), falling back to os.TempDir() if logDir can't be created.
func New(debug bool, logDir string) *logrus.Entry {
	log := logrus.New()

	if !debug {
		log.SetOutput(io.Discard)
		log.SetLevel(logrus.ErrorLevel)
		return log.WithField("component", "myshell")
	}

	log.SetLevel(logrus.DebugLevel)
	log.Formatter = &logrus.JSONFormatter{}

	if err := os.MkdirAll(logDir, 0o755); err != nil {
		logDir = os.TempDir()
	}

	file, err := os.OpenFile(filepath.Join(logDir, "debug.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		log.SetOutput(io.Discard)
	} else {
		log.SetOutput(file)
	}

	return log.WithField("component", "myshell")
}
