package logger

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

var log = newLogger(os.Stderr, levelFromEnv(), os.Getenv("LOG_FORMAT"))

func init() {
	zerolog.TimeFieldFormat = time.RFC3339
}

func levelFromEnv() zerolog.Level {
	switch strings.ToUpper(strings.TrimSpace(os.Getenv("LOG_LEVEL"))) {
	case "DEBUG":
		return zerolog.DebugLevel
	case "WARN":
		return zerolog.WarnLevel
	case "ERROR":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

func newLogger(w io.Writer, level zerolog.Level, format string) zerolog.Logger {
	if strings.ToLower(strings.TrimSpace(format)) != "json" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: "2006-01-02 15:04:05"}
	}
	return zerolog.New(w).Level(level).With().Timestamp().Logger()
}

// SetOutput redirects the package logger.
func SetOutput(w io.Writer, level zerolog.Level, format string) {
	log = newLogger(w, level, format)
}

func Debug(format string, args ...interface{}) {
	log.Debug().Msgf(format, args...)
}

func Info(format string, args ...interface{}) {
	log.Info().Msgf(format, args...)
}

func Warn(format string, args ...interface{}) {
	log.Warn().Msgf(format, args...)
}

func Error(format string, args ...interface{}) {
	log.Error().Msgf(format, args...)
}
