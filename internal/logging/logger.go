package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var levelNames = map[string]zapcore.Level{
	"debug": zapcore.DebugLevel,
	"info":  zapcore.InfoLevel,
	"warn":  zapcore.WarnLevel,
	"error": zapcore.ErrorLevel,
}

// Logger writes application logs with daily rotation.
type Logger struct {
	sugar *zap.SugaredLogger
	level zapcore.Level
	sink  *dailyFile
}

// NewLogger creates a logger rooted at the user's home directory.
func NewLogger(home string, level string) (*Logger, error) {
	dir := filepath.Join(home, ".textfmt", "logs")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}

	sink := &dailyFile{dir: dir, timeNow: time.Now}
	ll := parseLevel(level)

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "time"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderCfg.EncodeLevel = zapcore.CapitalLevelEncoder

	core := zapcore.NewCore(zapcore.NewConsoleEncoder(encoderCfg), sink, ll)
	base := zap.New(core, zap.WithClock(sinkClock{sink}))
	return &Logger{
		sugar: base.Sugar(),
		level: ll,
		sink:  sink,
	}, nil
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	return &Logger{sugar: zap.NewNop().Sugar(), level: zapcore.FatalLevel}
}

// SetTimeNow replaces the time supplier; primarily for testing.
func (l *Logger) SetTimeNow(fn func() time.Time) {
	if l == nil || l.sink == nil {
		return
	}
	l.sink.mu.Lock()
	l.sink.timeNow = fn
	l.sink.mu.Unlock()
}

// LevelEnabled reports whether the provided level name should be emitted.
func (l *Logger) LevelEnabled(level string) bool {
	if l == nil {
		return false
	}
	return parseLevel(level) >= l.level
}

// With returns a child logger carrying the given key/value pairs.
func (l *Logger) With(keysAndValues ...any) *Logger {
	if l == nil {
		return nil
	}
	return &Logger{sugar: l.sugar.With(keysAndValues...), level: l.level, sink: l.sink}
}

// Debugf logs a formatted debug message.
func (l *Logger) Debugf(format string, args ...any) {
	if l == nil {
		return
	}
	l.sugar.Debugf(format, args...)
}

// Infof logs a formatted info message.
func (l *Logger) Infof(format string, args ...any) {
	if l == nil {
		return
	}
	l.sugar.Infof(format, args...)
}

// Warnf logs a formatted warning message.
func (l *Logger) Warnf(format string, args ...any) {
	if l == nil {
		return
	}
	l.sugar.Warnf(format, args...)
}

// Errorf logs a formatted error message.
func (l *Logger) Errorf(format string, args ...any) {
	if l == nil {
		return
	}
	l.sugar.Errorf(format, args...)
}

// Sync flushes and closes the current log file.
func (l *Logger) Sync() error {
	if l == nil {
		return nil
	}
	_ = l.sugar.Sync()
	if l.sink == nil {
		return nil
	}
	return l.sink.Close()
}

// Dir returns the directory log files are written to.
func (l *Logger) Dir() string {
	if l == nil || l.sink == nil {
		return ""
	}
	return l.sink.dir
}

func parseLevel(value string) zapcore.Level {
	if lvl, ok := levelNames[strings.ToLower(strings.TrimSpace(value))]; ok {
		return lvl
	}
	return zapcore.InfoLevel
}

// dailyFile is a zapcore.WriteSyncer that switches files at midnight.
type dailyFile struct {
	dir         string
	timeNow     func() time.Time
	mu          sync.Mutex
	currentDate string
	file        *os.File
}

func (d *dailyFile) now() time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.timeNow()
}

func (d *dailyFile) Write(p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	date := d.timeNow().Format("2006-01-02")
	if err := d.ensureFile(date); err != nil {
		return 0, err
	}
	return d.file.Write(p)
}

func (d *dailyFile) Sync() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.file == nil {
		return nil
	}
	return d.file.Sync()
}

func (d *dailyFile) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.file == nil {
		return nil
	}
	err := d.file.Close()
	d.file = nil
	d.currentDate = ""
	return err
}

func (d *dailyFile) ensureFile(date string) error {
	if d.file != nil && d.currentDate == date {
		return nil
	}
	if d.file != nil {
		_ = d.file.Close()
		d.file = nil
	}

	filename := fmt.Sprintf("application-textfmt-%s.log", date)
	path := filepath.Join(d.dir, filename)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	d.file = file
	d.currentDate = date
	return nil
}

// sinkClock lets entry timestamps follow SetTimeNow.
type sinkClock struct {
	sink *dailyFile
}

func (c sinkClock) Now() time.Time {
	return c.sink.now()
}

func (c sinkClock) NewTicker(d time.Duration) *time.Ticker {
	return time.NewTicker(d)
}
