// Package logging provides the structured logger interface shared by every
// dispatcher component.
package logging

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// Logger is the logging interface consumed throughout the dispatcher. It is
// satisfied by *logrus.Logger and *logrus.Entry.
type Logger interface {
	Debugf(format string, args ...interface{})
	Debugln(args ...interface{})
	Infof(format string, args ...interface{})
	Infoln(args ...interface{})
	Warnf(format string, args ...interface{})
	Warnln(args ...interface{})
	Errorf(format string, args ...interface{})
	Errorln(args ...interface{})
	WithField(key string, value interface{}) *logrus.Entry
	WithFields(fields logrus.Fields) *logrus.Entry
	Writer() *io.PipeWriter
}

// ComponentLogger is a Logger narrowed to a single named component. It's the
// type every subsystem constructor accepts.
type ComponentLogger = Logger

// New creates a root logger writing structured text to stderr. Its level can
// be raised to debug via the DEBUG environment variable, mirroring the way
// download/inference components toggle verbosity at runtime.
func New() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(os.Stderr)
	if os.Getenv("DEBUG") == "1" {
		log.SetLevel(logrus.DebugLevel)
	}
	return log
}

// Component returns a logger tagged with a "component" field, the convention
// used to scope log lines to the subsystem that emitted them (Registry,
// Selector, Dispatcher, ModelManager, Guardian, ...).
func Component(log *logrus.Logger, name string) *logrus.Entry {
	return log.WithFields(logrus.Fields{"component": name})
}
