// Package logging constructs the process-wide structured logger injected
// into every collaborator at construction (spec.md §9: no globals).
package logging

import (
	"os"

	"github.com/sirupsen/logrus"
)

// New builds a *logrus.Logger at the given level (one of logrus's level
// names; unrecognized values fall back to "info").
func New(level string) *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stdout)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	l.SetLevel(lvl)
	return l
}

// Turn returns a child entry carrying the session/message identifiers
// that should be attached to every log line in a turn's lifetime.
func Turn(log *logrus.Logger, sessionID, messageID string) *logrus.Entry {
	return log.WithFields(logrus.Fields{
		"session_id": sessionID,
		"message_id": messageID,
	})
}

// Conn returns a child entry scoped to one connection.
func Conn(log *logrus.Logger, connectionID string) *logrus.Entry {
	return log.WithField("connection_id", connectionID)
}
