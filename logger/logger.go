/*
Package logger wraps zerolog so that every layer of the client logs through the same
configured sink. Sub-loggers are created per component and per session so that a single log
stream can be filtered down to one connection.
*/
package logger

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	componentKey = "component"
	sessionKey   = "sessionId"
)

type Config struct {
	// Log level, defaults to debug
	Level string

	// If set, logs are also written to this file and rotated
	FilePath   string
	MaxSizeMB  int
	MaxBackups int

	// Writers that get human readable console output
	ConsoleWriters []io.Writer
}

type Logger struct {
	logger zerolog.Logger
}

func New(config *Config) (*Logger, error) {
	if config == nil {
		config = &Config{ConsoleWriters: []io.Writer{os.Stdout}}
	}

	level := zerolog.DebugLevel
	if config.Level != "" {
		var err error
		if level, err = ToLogLevel(config.Level); err != nil {
			return nil, err
		}
	}

	writers := []io.Writer{}
	for _, w := range config.ConsoleWriters {
		writers = append(writers, zerolog.ConsoleWriter{Out: w, NoColor: true})
	}

	if config.FilePath != "" {
		maxSize := config.MaxSizeMB
		if maxSize == 0 {
			maxSize = 50
		}
		writers = append(writers, &lumberjack.Logger{
			Filename:   config.FilePath,
			MaxSize:    maxSize,
			MaxBackups: config.MaxBackups,
			Compress:   true,
		})
	}

	if len(writers) == 0 {
		return nil, fmt.Errorf("logger needs at least one console writer or a log file path")
	}

	zl := zerolog.New(zerolog.MultiLevelWriter(writers...)).
		Level(level).
		With().
		Timestamp().
		Logger()

	return &Logger{logger: zl}, nil
}

func ToLogLevel(level string) (zerolog.Level, error) {
	switch strings.ToLower(level) {
	case "trace":
		return zerolog.TraceLevel, nil
	case "debug":
		return zerolog.DebugLevel, nil
	case "info":
		return zerolog.InfoLevel, nil
	case "warn":
		return zerolog.WarnLevel, nil
	case "error":
		return zerolog.ErrorLevel, nil
	case "disabled":
		return zerolog.Disabled, nil
	default:
		return zerolog.NoLevel, fmt.Errorf("unrecognized log level: %s", level)
	}
}

// GetComponentLogger returns a child logger tagged with the name of the component using it
func (l *Logger) GetComponentLogger(component string) *Logger {
	return &Logger{
		logger: l.logger.With().Str(componentKey, component).Logger(),
	}
}

// GetSessionLogger returns a child logger tagged with the realtime session it belongs to
func (l *Logger) GetSessionLogger(sessionId string) *Logger {
	return &Logger{
		logger: l.logger.With().Str(sessionKey, sessionId).Logger(),
	}
}

func (l *Logger) Trace(msg string) {
	l.logger.Trace().Msg(msg)
}

func (l *Logger) Tracef(format string, a ...interface{}) {
	l.logger.Trace().Msgf(format, a...)
}

func (l *Logger) Debug(msg string) {
	l.logger.Debug().Msg(msg)
}

func (l *Logger) Debugf(format string, a ...interface{}) {
	l.logger.Debug().Msgf(format, a...)
}

func (l *Logger) Info(msg string) {
	l.logger.Info().Msg(msg)
}

func (l *Logger) Infof(format string, a ...interface{}) {
	l.logger.Info().Msgf(format, a...)
}

func (l *Logger) Warn(msg string) {
	l.logger.Warn().Msg(msg)
}

func (l *Logger) Warnf(format string, a ...interface{}) {
	l.logger.Warn().Msgf(format, a...)
}

func (l *Logger) Error(err error) {
	l.logger.Error().Msg(err.Error())
}

func (l *Logger) Errorf(format string, a ...interface{}) {
	l.logger.Error().Msgf(format, a...)
}
