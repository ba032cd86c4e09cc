package logx

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
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

	defaultLogFile    = "./castbot.log"
	consoleTimeFormat = "2006-01-02T15:04:05.000Z07:00"
	redactedMark      = "[REDACTED]"
)

type Config struct {
	Level string
	// Format selects the stdout encoding: "console" (default) or "json"
	// (one object per line, for journald and log shippers).
	Format  string
	Console bool
	File    FileConfig
	// Redact lists secrets replaced in every sink. Transport errors can embed
	// the bot token in request URLs.
	Redact []string
}

type FileConfig struct {
	Enabled bool
	Path    string
}

type Level = zerolog.Level

const (
	LevelTrace = zerolog.TraceLevel
	LevelDebug = zerolog.DebugLevel
	LevelInfo  = zerolog.InfoLevel
	LevelWarn  = zerolog.WarnLevel
	LevelError = zerolog.ErrorLevel
)

func init() {
	zerolog.ErrorFieldName = "err"
	zerolog.TimeFieldFormat = consoleTimeFormat
}

// Field mutates a zerolog event. Fields are applied in order; a later field
// with the same key wins in JSON sinks.
type Field func(e *zerolog.Event)

func String(k, v string) Field          { return func(e *zerolog.Event) { e.Str(k, v) } }
func Int(k string, v int) Field         { return func(e *zerolog.Event) { e.Int(k, v) } }
func Int64(k string, v int64) Field     { return func(e *zerolog.Event) { e.Int64(k, v) } }
func Uint64(k string, v uint64) Field   { return func(e *zerolog.Event) { e.Uint64(k, v) } }
func Bool(k string, v bool) Field       { return func(e *zerolog.Event) { e.Bool(k, v) } }
func Float64(k string, v float64) Field { return func(e *zerolog.Event) { e.Float64(k, v) } }
func Time(k string, v time.Time) Field  { return func(e *zerolog.Event) { e.Time(k, v) } }
func Any(k string, v any) Field         { return func(e *zerolog.Event) { e.Interface(k, v) } }

func Duration(k string, v time.Duration) Field {
	return func(e *zerolog.Event) { e.Dur(k, v) }
}

// Err adds err under "err"; nil adds nothing.
func Err(err error) Field {
	return func(e *zerolog.Event) {
		if err != nil {
			e.Err(err)
		}
	}
}

// Logger is a value-type structured logger. One obtained from a Service
// follows later Service.Apply calls. The zero value discards everything.
type Logger struct {
	svc    *Service
	fixed  *zerolog.Logger
	fields []Field
}

// Nop returns a logger that never writes anything.
func Nop() Logger {
	zl := zerolog.Nop()
	return Logger{fixed: &zl}
}

// NewConsole is a standalone stdout logger for use before the Service exists.
func NewConsole(level string) Logger {
	zl := newRoot(consoleSink(os.Stdout), level)
	return Logger{fixed: &zl}
}

// NewJSON is a standalone JSON logger writing to w.
func NewJSON(w io.Writer, level string) Logger {
	zl := newRoot(w, level)
	return Logger{fixed: &zl}
}

func (l Logger) IsZero() bool { return l.svc == nil && l.fixed == nil && len(l.fields) == 0 }

func (l Logger) root() zerolog.Logger {
	switch {
	case l.svc != nil:
		return l.svc.current()
	case l.fixed != nil:
		return *l.fixed
	}
	return zerolog.Nop()
}

// Enabled reports whether level would be written.
func (l Logger) Enabled(level Level) bool {
	return level >= l.root().GetLevel()
}

func (l Logger) With(fields ...Field) Logger {
	if len(fields) == 0 {
		return l
	}
	l.fields = append(append(make([]Field, 0, len(l.fields)+len(fields)), l.fields...), fields...)
	return l
}

func (l Logger) Trace(msg string, fields ...Field) { l.emit(zerolog.TraceLevel, msg, fields) }
func (l Logger) Debug(msg string, fields ...Field) { l.emit(zerolog.DebugLevel, msg, fields) }
func (l Logger) Info(msg string, fields ...Field)  { l.emit(zerolog.InfoLevel, msg, fields) }
func (l Logger) Warn(msg string, fields ...Field)  { l.emit(zerolog.WarnLevel, msg, fields) }
func (l Logger) Error(msg string, fields ...Field) { l.emit(zerolog.ErrorLevel, msg, fields) }

func (l Logger) emit(level zerolog.Level, msg string, fields []Field) {
	zl := l.root()
	e := zl.WithLevel(level)
	if e == nil {
		return
	}
	// skip emit and the level method
	if _, file, line, ok := runtime.Caller(2); ok {
		e.Str(zerolog.CallerFieldName, filepath.Base(file)+":"+strconv.Itoa(line))
	}
	for _, set := range [][]Field{l.fields, fields} {
		for _, f := range set {
			if f != nil {
				f(e)
			}
		}
	}
	e.Msg(msg)
}

// Service owns the active sinks. Apply swaps them atomically so loggers handed
// out earlier keep working across config reloads.
type Service struct {
	mu      sync.Mutex
	root    atomic.Pointer[zerolog.Logger]
	file    *os.File
	secrets *redactor
}

// New builds the service from cfg and returns it with a root Logger bound to it.
func New(cfg Config) (*Service, Logger) {
	s := &Service{secrets: &redactor{}}
	s.Apply(cfg)
	return s, Logger{svc: s}
}

func (s *Service) current() zerolog.Logger {
	if zl := s.root.Load(); zl != nil {
		return *zl
	}
	return zerolog.Nop()
}

func (s *Service) Logger() Logger { return Logger{svc: s} }

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

// Apply rebuilds sinks, level and redaction list. Safe for concurrent use.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.secrets.set(cfg.Redact)

	var sinks []io.Writer
	if cfg.Console {
		sinks = append(sinks, s.stdoutSink(cfg.Format))
	}
	var file *os.File
	if cfg.File.Enabled {
		path := strings.TrimSpace(cfg.File.Path)
		if path == "" {
			path = defaultLogFile
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "logx: open log file %q: %v\n", path, err)
		} else {
			file = f
			sinks = append(sinks, &redactWriter{w: zerolog.SyncWriter(f), r: s.secrets})
		}
	}
	if len(sinks) == 0 {
		sinks = append(sinks, s.stdoutSink(cfg.Format))
	}

	zl := newRoot(zerolog.MultiLevelWriter(sinks...), cfg.Level)
	s.root.Store(&zl)

	// the old file is closed only after the new root is visible
	if s.file != nil {
		_ = s.file.Close()
	}
	s.file = file
}

func (s *Service) stdoutSink(format string) io.Writer {
	out := &redactWriter{w: os.Stdout, r: s.secrets}
	if strings.EqualFold(strings.TrimSpace(format), FormatJSON) {
		return out
	}
	return consoleSink(out)
}

func newRoot(w io.Writer, level string) zerolog.Logger {
	return zerolog.New(w).Level(parseLevel(level, zerolog.InfoLevel)).With().Timestamp().Logger()
}

func consoleSink(w io.Writer) io.Writer {
	return zerolog.ConsoleWriter{
		Out:          w,
		TimeFormat:   consoleTimeFormat,
		FormatCaller: func(i any) string { s, _ := i.(string); return s },
	}
}

func parseLevel(s string, def zerolog.Level) zerolog.Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "TRACE":
		return zerolog.TraceLevel
	case "DEBUG":
		return zerolog.DebugLevel
	case "INFO":
		return zerolog.InfoLevel
	case "WARN", "WARNING":
		return zerolog.WarnLevel
	case "ERROR":
		return zerolog.ErrorLevel
	}
	return def
}

// redactor holds the current secret list, shared by every sink of a Service.
type redactor struct {
	r atomic.Pointer[strings.Replacer]
}

func (r *redactor) set(secrets []string) {
	var pairs []string
	for _, s := range secrets {
		// values under 6 bytes are ignored
		if s = strings.TrimSpace(s); len(s) >= 6 {
			pairs = append(pairs, s, redactedMark)
		}
	}
	if len(pairs) == 0 {
		r.r.Store(nil)
		return
	}
	r.r.Store(strings.NewReplacer(pairs...))
}

func (r *redactor) apply(p []byte) []byte {
	rep := r.r.Load()
	if rep == nil {
		return p
	}
	return []byte(rep.Replace(string(p)))
}

type redactWriter struct {
	w io.Writer
	r *redactor
}

// Write returns len(p): the redacted length differs from the input.
func (rw *redactWriter) Write(p []byte) (int, error) {
	if _, err := rw.w.Write(rw.r.apply(p)); err != nil {
		return 0, err
	}
	return len(p), nil
}
