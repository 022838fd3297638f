// Package rpclog centralizes rpcmesh's structured logging construction.
// It mirrors the teacher prototype's
// log.NewLoggerWithFields(level, component, fields) call, built directly
// on sirupsen/logrus instead of the teacher's thin wrapper package (see
// DESIGN.md for why the wrapper itself isn't worth depending on).
package rpclog

import "github.com/sirupsen/logrus"

// New returns a logrus.Entry scoped to component, with fields attached to
// every subsequent log line.
func New(component string, fields logrus.Fields) *logrus.Entry {
	base := logrus.StandardLogger()
	merged := logrus.Fields{"component": component}
	for k, v := range fields {
		merged[k] = v
	}
	return base.WithFields(merged)
}
