package logx

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

const (
	FormatConsole = "console"
	FormatJSON    = "json"

	DefaultFilePath = "openwhen.log"
	timeFormat      = "2006-01-02T15:04:05.000Z07:00"
)

// Config selects level and sinks. The file sink always writes JSON lines.
type Config struct {
	Level   string
	Format  string // console output: FormatConsole (default) or FormatJSON
	Console bool
	File    FileConfig

	// Writer replaces stdout as the console sink when set.
	Writer io.Writer
}

type FileConfig struct {
	Enabled bool
	Path    string
}

type Level = zerolog.Level

const (
	LevelDebug = zerolog.DebugLevel
	LevelInfo  = zerolog.InfoLevel
	LevelWarn  = zerolog.WarnLevel
	LevelError = zerolog.ErrorLevel
)

var setupOnce sync.Once

func setup() {
	setupOnce.Do(func() {
		zerolog.TimeFieldFormat = timeFormat
		zerolog.ErrorFieldName = "err"
		zerolog.CallerMarshalFunc = func(_ uintptr, file string, line int) string {
			return filepath.Base(file) + ":" + strconv.Itoa(line)
		}
	})
}

// ParseLevel accepts zerolog level names plus WARNING. Unknown input yields def.
func ParseLevel(s string, def Level) Level {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "warning" {
		s = "warn"
	}
	if s == "" {
		return def
	}
	lvl, err := zerolog.ParseLevel(s)
	if err != nil || lvl == zerolog.NoLevel {
		return def
	}
	return lvl
}

// Field decorates one event.
type Field func(e *zerolog.Event)

func String(k, v string) Field { return func(e *zerolog.Event) { e.Str(k, v) } }
func Strings(k string, v []string) Field { return func(e *zerolog.Event) { e.Strs(k, v) } }
func Int(k string, v int) Field { return func(e *zerolog.Event) { e.Int(k, v) } }
func Int64(k string, v int64) Field { return func(e *zerolog.Event) { e.Int64(k, v) } }
func Bool(k string, v bool) Field { return func(e *zerolog.Event) { e.Bool(k, v) } }
func Duration(k string, v time.Duration) Field { return func(e *zerolog.Event) { e.Dur(k, v) } }
func Time(k string, v time.Time) Field { return func(e *zerolog.Event) { e.Time(k, v) } }
func Any(k string, v any) Field { return func(e *zerolog.Event) { e.Interface(k, v) } }

// Err is a no-op for a nil error.
func Err(err error) Field {
	return func(e *zerolog.Event) {
		if err != nil {
			e.Err(err)
		}
	}
}

// Logger writes through its Service, so level and sink changes reach loggers
// derived before the change. The zero value discards everything.
type Logger struct {
	svc    *Service
	fields []Field
}

// Nop returns a logger that discards everything.
func Nop() Logger { return Logger{svc: nopService} }

// NewWriter returns a console logger on w with no file sink.
func NewWriter(w io.Writer, level string) Logger {
	_, l := New(Config{Level: level, Console: true, Writer: w})
	return l
}

// IsZero reports whether l was never initialized.
func (l Logger) IsZero() bool { return l.svc == nil }

func (l Logger) Enabled(level Level) bool {
	return l.svc != nil && level >= l.svc.current().GetLevel()
}

// With returns a logger that adds fields to every event.
func (l Logger) With(fields ...Field) Logger {
	if len(fields) == 0 {
		return l
	}
	cp := l
	cp.fields = append(append([]Field(nil), l.fields...), fields...)
	return cp
}

func (l Logger) Debug(msg string, fields ...Field) { l.emit(zerolog.DebugLevel, msg, fields) }
func (l Logger) Info(msg string, fields ...Field)  { l.emit(zerolog.InfoLevel, msg, fields) }
func (l Logger) Warn(msg string, fields ...Field)  { l.emit(zerolog.WarnLevel, msg, fields) }
func (l Logger) Error(msg string, fields ...Field) { l.emit(zerolog.ErrorLevel, msg, fields) }

// callerSkip covers emit and the level method.
const callerSkip = 2

func (l Logger) emit(level zerolog.Level, msg string, fields []Field) {
	if l.svc == nil {
		return
	}
	zl := l.svc.current()
	e := zl.WithLevel(level)
	if e == nil {
		return
	}
	e = e.Caller(callerSkip)
	for _, group := range [2][]Field{l.fields, fields} {
		for _, f := range group {
			if f != nil {
				f(e)
			}
		}
	}
	e.Msg(msg)
}

// Service owns the sinks and lets Apply swap them at runtime.
type Service struct {
	mu   sync.Mutex
	root atomic.Pointer[zerolog.Logger]
	file *os.File
}

var nopService = func() *Service {
	s := &Service{}
	zl := zerolog.Nop()
	s.root.Store(&zl)
	return s
}()

// New applies cfg and returns the service with a logger bound to it.
func New(cfg Config) (*Service, Logger) {
	setup()
	s := &Service{}
	s.Apply(cfg)
	return s, Logger{svc: s}
}

func (s *Service) current() *zerolog.Logger { return s.root.Load() }

func (s *Service) Logger() Logger { return Logger{svc: s} }

// Apply rebuilds the sinks. A log file that cannot be opened is reported on
// stderr and skipped; with no sink left the console is used.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var sinks []io.Writer
	if cfg.Console {
		sinks = append(sinks, consoleSink(cfg))
	}

	var opened *os.File
	if cfg.File.Enabled {
		path := strings.TrimSpace(cfg.File.Path)
		if path == "" {
			path = DefaultFilePath
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "logx: open %q: %v\n", path, err)
		} else {
			opened = f
			sinks = append(sinks, zerolog.SyncWriter(f))
		}
	}
	if len(sinks) == 0 {
		sinks = append(sinks, consoleSink(cfg))
	}

	var out io.Writer = sinks[0]
	if len(sinks) > 1 {
		out = zerolog.MultiLevelWriter(sinks...)
	}
	zl := zerolog.New(out).Level(ParseLevel(cfg.Level, zerolog.InfoLevel)).With().Timestamp().Logger()
	s.root.Store(&zl)

	// close the previous file only after the swap so no event hits a closed fd
	prev := s.file
	s.file = opened
	if prev != nil {
		_ = prev.Close()
	}
}

func (s *Service) Close() error {
	s.mu.Lock()
	f := s.file
	s.file = nil
	s.mu.Unlock()
	if f == nil {
		return nil
	}
	return f.Close()
}

func consoleSink(cfg Config) io.Writer {
	w := cfg.Writer
	if w == nil {
		w = os.Stdout
	}
	if strings.EqualFold(strings.TrimSpace(cfg.Format), FormatJSON) {
		return w
	}
	return zerolog.ConsoleWriter{Out: w, TimeFormat: timeFormat}
}
