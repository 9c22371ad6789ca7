// Package logger is a thin wrapper over zerolog with a process-global
// instance. Model output goes to stdout untouched; everything here writes
// to stderr.
package logger

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Log is the global logger.
var Log *Logger

type Logger struct {
	z zerolog.Logger
}

func init() {
	Log = &Logger{z: console(zerolog.WarnLevel)}
}

// Setup reconfigures the global logger. Level is one of debug, info, warn,
// error; format "json" switches the console writer off.
func Setup(level, format string) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)

	if strings.ToLower(format) == "json" {
		Log = &Logger{z: zerolog.New(os.Stderr).With().Timestamp().Logger()}
		return
	}
	Log = &Logger{z: console(lvl)}
}

func console(lvl zerolog.Level) zerolog.Logger {
	w := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	return zerolog.New(w).Level(lvl).With().Timestamp().Logger()
}

func (l *Logger) Debug(msg string, kv ...interface{}) { emit(l.z.Debug(), msg, kv) }
func (l *Logger) Info(msg string, kv ...interface{})  { emit(l.z.Info(), msg, kv) }
func (l *Logger) Warn(msg string, kv ...interface{})  { emit(l.z.Warn(), msg, kv) }
func (l *Logger) Error(msg string, kv ...interface{}) { emit(l.z.Error(), msg, kv) }

func emit(e *zerolog.Event, msg string, kv []interface{}) {
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			key = fmt.Sprintf("%v", kv[i])
		}
		e.Interface(key, kv[i+1])
	}
	e.Msg(msg)
}
