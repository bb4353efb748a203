// Package log holds the shared logrus root logger and the per-subsystem
// child loggers used throughout pyptp2.
package log

import (
	"net/http"
	"os"

	"github.com/sirupsen/logrus"
	prefixed "github.com/x-cray/logrus-prefixed-formatter"
)

var Root = &logrus.Logger{
	Out:   os.Stdout,
	Level: logrus.TraceLevel,
	Formatter: &prefixed.TextFormatter{
		DisableColors: func() bool {
			term, ok := os.LookupEnv("TERM")
			return term == "" || !ok
		}(),
		ForceFormatting: true,
		TimestampFormat: "2006-01-02 15:04:05",
	},
}

// ChildLogger gates one subsystem's output on its own level, so debug
// output can be switched per subsystem without touching the root.
type ChildLogger struct {
	parent *logrus.Logger
	prefix string
	level  logrus.Level
}

func NewChildLogger(parent *logrus.Logger, prefix string, debug bool) *ChildLogger {
	l := &ChildLogger{
		parent: parent,
		prefix: prefix,
		level:  logrus.InfoLevel,
	}
	if debug {
		l.level = logrus.DebugLevel
	}
	return l
}

func (l *ChildLogger) shouldOutput(level logrus.Level) bool {
	return l.level >= level
}

func (l *ChildLogger) IsDebug() bool {
	return l.level >= logrus.DebugLevel
}

func (l *ChildLogger) Debugf(format string, args ...interface{}) {
	if l.shouldOutput(logrus.DebugLevel) {
		l.parent.WithField("prefix", l.prefix).Debugf(format, args...)
	}
}

func (l *ChildLogger) Infof(format string, args ...interface{}) {
	if l.shouldOutput(logrus.InfoLevel) {
		l.parent.WithField("prefix", l.prefix).Infof(format, args...)
	}
}

func (l *ChildLogger) Warningf(format string, args ...interface{}) {
	if l.shouldOutput(logrus.WarnLevel) {
		l.parent.WithField("prefix", l.prefix).Warningf(format, args...)
	}
}

func (l *ChildLogger) Errorf(format string, args ...interface{}) {
	if l.shouldOutput(logrus.ErrorLevel) {
		l.parent.WithField("prefix", l.prefix).Errorf(format, args...)
	}
}

// Children bundles the subsystem loggers handed down the device stack.
type Children struct {
	USB  *ChildLogger
	PTP  *ChildLogger
	CHDK *ChildLogger
}

func PrepareChildren(parent *logrus.Logger, usb, ptp, chdk bool) *Children {
	return &Children{
		USB:  NewChildLogger(parent, "usb", usb),
		PTP:  NewChildLogger(parent, "ptp", ptp),
		CHDK: NewChildLogger(parent, "chdk", chdk),
	}
}

func HTTPLogHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			Root.WithField("prefix", "http").Infof("%s %s %s", r.Method, r.URL.Path, r.RemoteAddr)
		}()
		next.ServeHTTP(w, r)
	})
}
