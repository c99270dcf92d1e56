package logutil

import (
    "io"
    "log"
    "os"
    "strings"
    "time"

    "github.com/rs/zerolog"
)

// Options controls logger construction. Zero value gives an info-level
// console logger on stderr unless the environment asks for JSON.
type Options struct {
    Level  string
    JSON   bool
    Writer io.Writer
}

// JSONFromEnv reports whether SWIM_LOG_JSON=1 or SWIM_LOG_FORMAT=json is set.
func JSONFromEnv() bool {
    return os.Getenv("SWIM_LOG_JSON") == "1" || strings.EqualFold(os.Getenv("SWIM_LOG_FORMAT"), "json")
}

// New builds a zerolog logger.
func New(o Options) zerolog.Logger {
    w := o.Writer
    if w == nil { w = os.Stderr }
    if !o.JSON && !JSONFromEnv() {
        w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
    }
    lvl, err := zerolog.ParseLevel(strings.ToLower(o.Level))
    if err != nil || o.Level == "" { lvl = zerolog.InfoLevel }
    return zerolog.New(w).Level(lvl).With().Timestamp().Logger()
}

// Std adapts l into a *log.Logger for libraries that only accept the
// standard logger (memberlist, net/http). Lines are logged at debug level
// unless they carry an [ERR] or [WARN] marker.
func Std(l zerolog.Logger, component string) *log.Logger {
    return log.New(stdWriter{l: l.With().Str("component", component).Logger()}, "", 0)
}

type stdWriter struct{ l zerolog.Logger }

func (w stdWriter) Write(p []byte) (int, error) {
    msg := strings.TrimRight(string(p), "\n")
    switch {
    case strings.Contains(msg, "[ERR]"):
        w.l.Error().Msg(msg)
    case strings.Contains(msg, "[WARN]"):
        w.l.Warn().Msg(msg)
    default:
        w.l.Debug().Msg(msg)
    }
    return len(p), nil
}
