package logger

import (
	"fmt"
	"log"
	"os"
)

var (
	InfoLogger  *log.Logger
	ErrorLogger *log.Logger
	DebugLogger *log.Logger
	WarnLogger  *log.Logger
)

func init() {
	InfoLogger = log.New(os.Stdout, "INFO: ", log.Ldate|log.Ltime|log.Lshortfile)
	ErrorLogger = log.New(os.Stderr, "ERROR: ", log.Ldate|log.Ltime|log.Lshortfile)
	DebugLogger = log.New(os.Stdout, "DEBUG: ", log.Ldate|log.Ltime|log.Lshortfile)
	WarnLogger = log.New(os.Stdout, "WARN: ", log.Ldate|log.Ltime|log.Lshortfile)
}

// calldepth skips Printf and the package helper so Lshortfile points at the caller.
const calldepth = 3

func Info(format string, v ...interface{}) {
	InfoLogger.Output(calldepth-1, fmt.Sprintf(format, v...))
}

func Error(format string, v ...interface{}) {
	ErrorLogger.Output(calldepth-1, fmt.Sprintf(format, v...))
}

func Debug(format string, v ...interface{}) {
	if os.Getenv("ENVIRONMENT") == "development" {
		DebugLogger.Output(calldepth-1, fmt.Sprintf(format, v...))
	}
}

func Warn(format string, v ...interface{}) {
	WarnLogger.Output(calldepth-1, fmt.Sprintf(format, v...))
}

// Scoped prefixes every line with a component tag and the ids it was created with,
// e.g. "[room r1 user u2] joined".
type Scoped struct {
	prefix string
}

func For(component string, ids ...string) *Scoped {
	prefix := "[" + component
	for _, id := range ids {
		if id != "" {
			prefix += " " + id
		}
	}
	return &Scoped{prefix: prefix + "] "}
}

func (s *Scoped) Info(format string, v ...interface{}) {
	InfoLogger.Output(calldepth-1, s.prefix+fmt.Sprintf(format, v...))
}

func (s *Scoped) Warn(format string, v ...interface{}) {
	WarnLogger.Output(calldepth-1, s.prefix+fmt.Sprintf(format, v...))
}

func (s *Scoped) Error(format string, v ...interface{}) {
	ErrorLogger.Output(calldepth-1, s.prefix+fmt.Sprintf(format, v...))
}

func (s *Scoped) Debug(format string, v ...interface{}) {
	if os.Getenv("ENVIRONMENT") == "development" {
		DebugLogger.Output(calldepth-1, s.prefix+fmt.Sprintf(format, v...))
	}
}
