// Package logging configures the process-wide structured logger.
// Every component logs through a component-tagged entry so the JSON
// stream is filterable per pipeline stage.
package logging

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

// Config holds logger settings, typically populated from the main
// application config.
type Config struct {
	Level  string // debug, info, warn, error
	Format string // json or text
	Output string // stdout, stderr, or a file path (rotated)
}

// Setup applies cfg to the standard logrus logger and returns it.
func Setup(cfg Config) (*logrus.Logger, error) {
	log := logrus.StandardLogger()

	lvl, err := logrus.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}
	log.SetLevel(lvl)

	switch cfg.Format {
	case "", "json":
		log.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime:  "timestamp",
				logrus.FieldKeyLevel: "level",
				logrus.FieldKeyMsg:   "message",
			},
		})
	case "text":
		log.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: time.RFC3339,
		})
	default:
		return nil, fmt.Errorf("invalid log format %q", cfg.Format)
	}

	switch cfg.Output {
	case "", "stdout":
		log.SetOutput(os.Stdout)
	case "stderr":
		log.SetOutput(os.Stderr)
	default:
		log.SetOutput(&lumberjack.Logger{
			Filename: cfg.Output,
			MaxSize:  100, // MB
			MaxAge:   14,  // days
			Compress: true,
		})
	}

	return log, nil
}

// Component returns a logger entry tagged with the given component name.
func Component(name string) *logrus.Entry {
	return logrus.WithField("component", name)
}
