// Package logging provides categorized logging for shardsql, backed by
// zap. Each subsystem logs through its own named logger so operators can
// follow one plane (routing, cache, splits) without grepping the rest.
package logging

import (
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Category names a logging subsystem.
type Category string

const (
	CategoryBoot    Category = "boot"    // Process startup and shutdown
	CategoryGateway Category = "gateway" // Request handling, sessions, breakers
	CategoryRouter  Category = "router"  // Shard resolution and health sampling
	CategoryRouting Category = "routing" // Routing policy store (versions, rollback)
	CategoryPolicy  Category = "policy"  // Table policy store
	CategoryShard   Category = "shard"   // Per-shard storage engines
	CategoryBus     Category = "bus"     // Event bus producer/consumer
	CategoryCache   Category = "cache"   // Cache coherence engine
	CategorySplit   Category = "split"   // Shard split orchestration
)

var (
	mu      sync.RWMutex
	root    = zap.NewNop()
	sugared = map[Category]*zap.SugaredLogger{}
)

// Init builds the process logger. level is one of debug/info/warn/error;
// anything else falls back to info. Call once at startup; before Init all
// logging is a no-op, which keeps tests quiet by default.
func Init(level string, development bool) error {
	cfg := zap.NewProductionConfig()
	if development {
		cfg = zap.NewDevelopmentConfig()
	}
	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	case "warn", "warning":
		cfg.Level = zap.NewAtomicLevelAt(zapcore.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zapcore.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	}
	logger, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		return err
	}
	SetLogger(logger)
	return nil
}

// SetLogger replaces the root logger. Tests use this with zaptest loggers.
func SetLogger(l *zap.Logger) {
	mu.Lock()
	defer mu.Unlock()
	root = l
	sugared = map[Category]*zap.SugaredLogger{}
}

// L returns the root logger.
func L() *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return root
}

// Get returns the sugared logger named for a category.
func Get(cat Category) *zap.SugaredLogger {
	mu.RLock()
	if s, ok := sugared[cat]; ok {
		mu.RUnlock()
		return s
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()
	if s, ok := sugared[cat]; ok {
		return s
	}
	s := root.Named(string(cat)).Sugar()
	sugared[cat] = s
	return s
}

// Printf-style helpers per category, mirroring call sites like
// logging.Shard("applied %d ops", n). Debug variants gate verbose detail.

func Gateway(format string, args ...any)      { Get(CategoryGateway).Infof(format, args...) }
func GatewayDebug(format string, args ...any) { Get(CategoryGateway).Debugf(format, args...) }
func Router(format string, args ...any)       { Get(CategoryRouter).Infof(format, args...) }
func RouterDebug(format string, args ...any)  { Get(CategoryRouter).Debugf(format, args...) }
func Routing(format string, args ...any)      { Get(CategoryRouting).Infof(format, args...) }
func RoutingDebug(format string, args ...any) { Get(CategoryRouting).Debugf(format, args...) }
func Policy(format string, args ...any)       { Get(CategoryPolicy).Infof(format, args...) }
func PolicyDebug(format string, args ...any)  { Get(CategoryPolicy).Debugf(format, args...) }
func Shard(format string, args ...any)        { Get(CategoryShard).Infof(format, args...) }
func ShardDebug(format string, args ...any)   { Get(CategoryShard).Debugf(format, args...) }
func Bus(format string, args ...any)          { Get(CategoryBus).Infof(format, args...) }
func BusDebug(format string, args ...any)     { Get(CategoryBus).Debugf(format, args...) }
func Cache(format string, args ...any)        { Get(CategoryCache).Infof(format, args...) }
func CacheDebug(format string, args ...any)   { Get(CategoryCache).Debugf(format, args...) }
func Split(format string, args ...any)        { Get(CategorySplit).Infof(format, args...) }
func SplitDebug(format string, args ...any)   { Get(CategorySplit).Debugf(format, args...) }
func Boot(format string, args ...any)         { Get(CategoryBoot).Infof(format, args...) }

// Timer measures an operation's wall time and logs it on Stop.
type Timer struct {
	cat   Category
	op    string
	start time.Time
}

// StartTimer begins timing an operation within a category.
func StartTimer(cat Category, op string) *Timer {
	return &Timer{cat: cat, op: op, start: time.Now()}
}

// Stop logs the elapsed time at debug level.
func (t *Timer) Stop() {
	Get(t.cat).Debugf("%s completed in %s", t.op, time.Since(t.start))
}
