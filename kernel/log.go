package kernel

import "github.com/sirupsen/logrus"

// log is the process-wide logger fatal kernel conditions are reported
// through before the session aborts. Override it with SetLogger, e.g.
// to attach a caller's structured fields.
var log logrus.FieldLogger = logrus.StandardLogger()

// SetLogger replaces the process-wide logger used for kernel diagnostics.
func SetLogger(l logrus.FieldLogger) {
	log = l
}
