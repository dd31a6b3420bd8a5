package util

import (
	"io"
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	// LogConsole writes logs to stderr instead of a rotated file
	LogConsole = "console"
)

// InitLog parses and sets log-level input
func InitLog(logLevel string, logPath string) error {
	level, err := log.ParseLevel(logLevel)
	if err != nil {
		log.Errorf("Failed parsing log-level %s: %s", logLevel, err)
		return err
	}

	if logPath != "" && logPath != LogConsole {
		lumberjackLogger := &lumberjack.Logger{
			// Log file absolute path, os agnostic
			Filename:   filepath.ToSlash(logPath),
			MaxSize:    5, // MB
			MaxBackups: 10,
			MaxAge:     30, // days
			Compress:   true,
		}
		log.SetOutput(io.Writer(lumberjackLogger))
	} else {
		log.SetOutput(os.Stderr)
	}

	log.SetFormatter(&CustomFormatter{
		TextFormatter: log.TextFormatter{FullTimestamp: true},
	})
	log.SetLevel(level)
	return nil
}

// CustomFormatter formats the log message as required
type CustomFormatter struct {
	log.TextFormatter
}

// Format puts the component field, if any, in front of the message
func (f *CustomFormatter) Format(entry *log.Entry) ([]byte, error) {
	if component, ok := entry.Data["component"].(string); ok && component != "" {
		e := entry.Dup()
		e.Level = entry.Level
		e.Message = "[" + component + "] " + entry.Message
		delete(e.Data, "component")
		return f.TextFormatter.Format(e)
	}
	return f.TextFormatter.Format(entry)
}
