// Package log provides structured logging for gancho using zap.
package log

import (
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger wraps zap.Logger with gancho-specific helpers.
type Logger struct {
	*zap.Logger
	events *events // shared with loggers derived through WithComponent
}

// events holds the hook event callback.
type events struct {
	mu sync.RWMutex
	fn func(kind string, target, replacement uint64)
}

func (ev *events) emit(kind string, target, replacement uint64) {
	if ev == nil {
		return
	}
	ev.mu.RLock()
	fn := ev.fn
	ev.mu.RUnlock()
	if fn != nil {
		fn(kind, target, replacement)
	}
}

var (
	// L is the global logger instance.
	L    *Logger
	once sync.Once
)

// Init initializes the global logger with the given configuration.
// Safe to call multiple times; only the first call takes effect.
func Init(debug bool) {
	once.Do(func() {
		L = New(debug)
	})
}

// Default returns the global logger, or a no-op logger when Init was never called.
func Default() *Logger {
	if L == nil {
		return NewNop()
	}
	return L
}

// New creates a new Logger instance.
func New(debug bool) *Logger {
	var cfg zap.Config
	if debug {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		cfg = zap.NewProductionConfig()
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	}

	// Shorter timestamps in development
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		// Fallback to no-op if config fails
		logger = zap.NewNop()
	}

	return Wrap(logger)
}

// Wrap adapts an existing zap logger.
func Wrap(z *zap.Logger) *Logger {
	return &Logger{Logger: z, events: &events{}}
}

// NewNop creates a no-op logger for testing.
func NewNop() *Logger {
	return Wrap(zap.NewNop())
}

// SetOnEvent sets the callback invoked for every hook install/uninstall.
// Loggers already derived with WithComponent see the new callback too.
func (l *Logger) SetOnEvent(fn func(kind string, target, replacement uint64)) {
	if l.events == nil {
		l.events = &events{}
	}
	l.events.mu.Lock()
	l.events.fn = fn
	l.events.mu.Unlock()
}

// HookInstall logs a hook that was applied to live memory.
func (l *Logger) HookInstall(kind string, target, replacement, trampoline uint64) {
	l.events.emit("install:"+kind, target, replacement)
	l.Info("hook installed",
		zap.String("kind", kind),
		Addr(target),
		Ptr("replacement", replacement),
		Ptr("trampoline", trampoline),
	)
}

// HookRemove logs a hook whose original bytes were restored.
func (l *Logger) HookRemove(kind string, target uint64) {
	l.events.emit("remove:"+kind, target, 0)
	l.Info("hook removed",
		zap.String("kind", kind),
		Addr(target),
	)
}

// Refused logs an operation rejected before memory was touched.
func (l *Logger) Refused(op string, target uint64, err error) {
	l.Debug("refused",
		zap.String("op", op),
		Addr(target),
		zap.Error(err),
	)
}

// Signature logs the outcome of a signature lookup.
func (l *Logger) Signature(name string, addr uint64, found bool) {
	if !found {
		l.Debug("signature not found", Fn(name))
		return
	}
	l.Info("signature found", Fn(name), Addr(addr))
}

// WithComponent returns a logger with the component field preset.
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{
		Logger: l.Logger.With(zap.String("cmp", component)),
		events: l.events,
	}
}

// Hex formats a uint64 as hex string for logging.
func Hex(addr uint64) string {
	return "0x" + hexString(addr)
}

func hexString(v uint64) string {
	const digits = "0123456789abcdef"
	if v == 0 {
		return "0"
	}
	buf := make([]byte, 16)
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = digits[v&0xf]
		v >>= 4
	}
	return string(buf[i:])
}

// Field helpers for common patterns.

// Addr creates an address field.
func Addr(addr uint64) zap.Field {
	return zap.String("addr", Hex(addr))
}

// Size creates a size field.
func Size(size uint64) zap.Field {
	return zap.Uint64("size", size)
}

// Ptr creates a pointer field.
func Ptr(name string, ptr uint64) zap.Field {
	return zap.String(name, Hex(ptr))
}

// Fn creates a function name field.
func Fn(name string) zap.Field {
	return zap.String("fn", name)
}

// Module creates a module name field.
func Module(name string) zap.Field {
	return zap.String("module", name)
}
