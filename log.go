package zhook

import (
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// log is the package-wide logger, styled after calico's per-package
// logrus.WithField use. Transaction lifecycle events are logged at Debug;
// teardown failures during abort are logged at Warn/Error, since abort
// itself must never fail for the caller (spec.md §7).
var log = logrus.WithField("component", "zhook")

// newTxnLogger returns a logger tagged with a fresh correlation id for one
// transaction's lifetime, so every commit/abort's log lines can be
// correlated across the suspend/patch/resume sequence.
func newTxnLogger() (*logrus.Entry, string) {
	id := uuid.NewString()
	return log.WithField("txn", id), id
}

// SetLogLevel parses a logrus level name and applies it to the package
// logger. cmd/zhookctl's --log-level flag feeds this at startup; nothing in
// the engine applies Config.LogLevel on its own.
func SetLogLevel(level string) error {
	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		return newError(InvalidArgument, "SetLogLevel", err)
	}
	logrus.SetLevel(parsed)
	return nil
}
