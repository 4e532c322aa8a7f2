package log

import (
	"log"
)

var (
	logger GatewayLogger
)

type GatewayLogger interface {
	Infof(format string, v ...interface{})
	Debugf(format string, v ...interface{})
}

func SetLogger(gatewayLogger GatewayLogger) {
	logger = gatewayLogger
}

func Infof(format string, v ...interface{}) {
	if logger != nil {
		logger.Infof(format, v...)
	} else {
		log.Printf("[INFO] "+format, v...)
	}
}

func Debugf(format string, v ...interface{}) {
	if logger != nil {
		logger.Debugf(format, v...)
	} else {
		log.Printf("[DEBUG] "+format, v...)
	}
}

// DebugLogger is an io.Writer that forwards everything written to it to the
// debug level of the currently set logger. It can be passed to libraries that
// expect a standard library logger.
type DebugLogger struct{}

func NewDebugLogger() *DebugLogger {
	return &DebugLogger{}
}

func (l *DebugLogger) Write(p []byte) (n int, err error) {
	Debugf("%s", string(p))
	return len(p), nil
}
