package session

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

func sprintf(format string, args ...interface{}) string {
	if len(args) == 0 {
		return format
	}
	return fmt.Sprintf(format, args...)
}

// logAdapter wraps a logrus entry scoped to one session, so every line it
// writes already carries the session id. The event stream (events.go)
// remains the authoritative progress/result contract; this is the ambient
// operator-facing log.
type logAdapter struct {
	entry *logrus.Entry
}

func newLogAdapter(sessionID string) *logAdapter {
	return &logAdapter{entry: logrus.WithField("session", sessionID)}
}

func (l *logAdapter) info(format string, args ...interface{}) {
	l.entry.Infof(format, args...)
}

func (l *logAdapter) warn(format string, args ...interface{}) {
	l.entry.Warnf(format, args...)
}

func (l *logAdapter) errorf(format string, args ...interface{}) {
	l.entry.Errorf(format, args...)
}

func (l *logAdapter) withStage(stage string) *logAdapter {
	return &logAdapter{entry: l.entry.WithField("stage", stage)}
}
