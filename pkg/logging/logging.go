package logging

import (
	"io"

	"github.com/sirupsen/logrus"
)

// Logger is the logging interface used throughout kiln. It is satisfied by
// *logrus.Logger and *logrus.Entry, which allows component-scoped loggers to
// be derived with WithField.
type Logger interface {
	logrus.FieldLogger
	Writer() *io.PipeWriter
}

// NullLogger returns a logger that discards everything. It is primarily
// useful in tests.
func NullLogger() Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}
