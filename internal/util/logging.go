package util

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/pion/logging"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// SetupLogging configures the global zerolog logger. extra, when non-nil,
// receives every event as a JSON line (the viewer's log buffer uses this).
func SetupLogging(level string, pretty bool, extra io.Writer) error {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("log level %q: %w", level, err)
	}
	zerolog.SetGlobalLevel(lvl)
	zerolog.TimeFieldFormat = time.RFC3339

	var out io.Writer = os.Stderr
	if pretty {
		out = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}
	}
	if extra != nil {
		out = zerolog.MultiLevelWriter(out, extra)
	}
	log.Logger = zerolog.New(out).With().Timestamp().Logger()
	return nil
}

// SetLevel changes the global level at runtime (config hot reload).
func SetLevel(level string) error {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return err
	}
	zerolog.SetGlobalLevel(lvl)
	return nil
}

// PionLoggerFactory routes pion's internal logging into zerolog.
// Pion is chatty at debug level, so its scopes are capped at minLevel.
type PionLoggerFactory struct {
	Base     zerolog.Logger
	MinLevel zerolog.Level
}

func NewPionLoggerFactory(minLevel zerolog.Level) *PionLoggerFactory {
	return &PionLoggerFactory{Base: log.Logger, MinLevel: minLevel}
}

func (f *PionLoggerFactory) NewLogger(scope string) logging.LeveledLogger {
	l := f.Base.With().Str("pion", scope).Logger().Level(f.MinLevel)
	return pionLogger{l: l}
}

type pionLogger struct{ l zerolog.Logger }

func (p pionLogger) Trace(msg string)                          { p.l.Trace().Msg(msg) }
func (p pionLogger) Tracef(format string, args ...interface{}) { p.l.Trace().Msgf(format, args...) }
func (p pionLogger) Debug(msg string)                          { p.l.Debug().Msg(msg) }
func (p pionLogger) Debugf(format string, args ...interface{}) { p.l.Debug().Msgf(format, args...) }
func (p pionLogger) Info(msg string)                           { p.l.Info().Msg(msg) }
func (p pionLogger) Infof(format string, args ...interface{})  { p.l.Info().Msgf(format, args...) }
func (p pionLogger) Warn(msg string)                           { p.l.Warn().Msg(msg) }
func (p pionLogger) Warnf(format string, args ...interface{})  { p.l.Warn().Msgf(format, args...) }
func (p pionLogger) Error(msg string)                          { p.l.Error().Msg(msg) }
func (p pionLogger) Errorf(format string, args ...interface{}) { p.l.Error().Msgf(format, args...) }
