package log

import (
	"io"
	"os"
	"strings"
	"sync"

	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

// Options configures the process-wide logger.
type Options struct {
	Level Level
	// JSON forces JSON lines even on a terminal.
	JSON bool
	// File, if set, receives a copy of every line (JSON), rotated by size.
	File       string
	MaxSizeMB  int
	MaxBackups int
}

var (
	mu         sync.RWMutex
	logger     zerolog.Logger
	loggerOnce sync.Once
	rotator    *lumberjack.Logger
)

// initLogger initializes the global logger to write to stderr with timestamps.
func initLogger() {
	loggerOnce.Do(func() {
		mu.Lock()
		logger = newLogger(os.Stderr, Options{Level: LevelInfo})
		mu.Unlock()
	})
}

// Setup replaces the global logger. It is safe to call more than once;
// a previously opened log file is closed.
func Setup(opts Options) error {
	initLogger()

	var out io.Writer = os.Stderr
	var lj *lumberjack.Logger
	if opts.File != "" {
		lj = &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    defaultInt(opts.MaxSizeMB, 20),
			MaxBackups: defaultInt(opts.MaxBackups, 5),
			Compress:   true,
		}
	}

	l := newLogger(out, opts)
	if lj != nil {
		l = l.Output(zerolog.MultiLevelWriter(consoleOrJSON(out, opts.JSON), lj))
	}

	mu.Lock()
	old := rotator
	logger = l
	rotator = lj
	mu.Unlock()

	if old != nil {
		return old.Close()
	}
	return nil
}

// Close flushes and closes the rotating log file, if any.
func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if rotator == nil {
		return nil
	}
	err := rotator.Close()
	rotator = nil
	return err
}

// SetOutput redirects the logger to w as JSON lines. Used by tests.
func SetOutput(w io.Writer, l Level) {
	initLogger()
	mu.Lock()
	logger = zerolog.New(w).With().Timestamp().Logger().Level(toZerolog(l))
	mu.Unlock()
}

func SetLevel(l Level) {
	initLogger()
	mu.Lock()
	logger = logger.Level(toZerolog(l))
	mu.Unlock()
}

// ParseLevel maps a config string to a Level, defaulting to INFO.
func ParseLevel(s string) Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return LevelDebug
	case "WARN", "WARNING":
		return LevelWarn
	case "ERROR":
		return LevelError
	default:
		return LevelInfo
	}
}

func Debug(msg string, kv ...any) {
	logWithLevel(zerolog.DebugLevel, nil, msg, kv...)
}

func Info(msg string, kv ...any) {
	logWithLevel(zerolog.InfoLevel, nil, msg, kv...)
}

// Warn logs a recoverable problem. err may be nil.
func Warn(msg string, err error, kv ...any) {
	logWithLevel(zerolog.WarnLevel, err, msg, kv...)
}

func Error(msg string, err error, kv ...any) {
	logWithLevel(zerolog.ErrorLevel, err, msg, kv...)
}

func logWithLevel(level zerolog.Level, err error, msg string, kv ...any) {
	initLogger()
	mu.RLock()
	l := logger
	mu.RUnlock()

	ev := l.WithLevel(level)
	if ev == nil {
		return
	}
	if err != nil {
		ev = ev.Err(err)
	}
	// Expect kv as pairs: key, value, key, value, ...
	// If odd number of args, last one is ignored.
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			continue
		}
		ev = ev.Interface(key, kv[i+1])
	}
	ev.Msg(msg)
}

func newLogger(w io.Writer, opts Options) zerolog.Logger {
	return zerolog.New(consoleOrJSON(w, opts.JSON)).
		With().Timestamp().Logger().
		Level(toZerolog(opts.Level))
}

func consoleOrJSON(w io.Writer, forceJSON bool) io.Writer {
	if forceJSON {
		return w
	}
	if f, ok := w.(*os.File); ok && isatty.IsTerminal(f.Fd()) {
		return zerolog.ConsoleWriter{Out: w, TimeFormat: "2006-01-02T15:04:05.000Z07:00"}
	}
	return w
}

func toZerolog(l Level) zerolog.Level {
	switch l {
	case LevelDebug:
		return zerolog.DebugLevel
	case LevelWarn:
		return zerolog.WarnLevel
	case LevelError:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

func defaultInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
