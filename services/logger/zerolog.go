package logsvc

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/trezcool/shule/core"
)

// NewZerolog builds the console sink of the app loggers.
// Debug builds print human friendly lines; the others emit JSON.
func NewZerolog(conf *core.Config, out io.Writer) zerolog.Logger {
	if out == nil {
		out = os.Stdout
	}
	level := zerolog.InfoLevel
	if conf.Debug {
		level = zerolog.DebugLevel
	}
	if conf.Debug && !conf.TestMode {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	return zerolog.New(out).
		Level(level).
		With().
		Timestamp().
		Str("app", conf.AppName).
		Str("env", conf.Env).
		Logger()
}

// ZeroLogger only writes to zerolog. Used by the CLI and tests.
type ZeroLogger struct {
	zlog zerolog.Logger
}

var _ core.Logger = (*ZeroLogger)(nil)

func NewZeroLogger(zlog zerolog.Logger) *ZeroLogger {
	return &ZeroLogger{zlog: zlog}
}

// NewNopLogger discards everything.
func NewNopLogger() *ZeroLogger {
	return &ZeroLogger{zlog: zerolog.Nop()}
}

func (l ZeroLogger) Debug(msg string, args ...interface{}) { event(l.zlog.Debug(), args).Msg(msg) }
func (l ZeroLogger) Info(msg string, args ...interface{})  { event(l.zlog.Info(), args).Msg(msg) }
func (l ZeroLogger) Warn(msg string, args ...interface{})  { event(l.zlog.Warn(), args).Msg(msg) }
func (l ZeroLogger) Error(msg string, args ...interface{}) { event(l.zlog.Error(), args).Msg(msg) }

func (l ZeroLogger) Fatal(msg string, args ...interface{}) {
	event(l.zlog.Error(), args).Msg(msg)
	os.Exit(1)
}
