package logging

import (
	"os"
	"strings"
	"sync"

	"github.com/gobwas/glob"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const defaultPattern = "tumor-*"

var DefaultLogLevel = zapcore.InfoLevel

var (
	m          sync.Mutex
	levels     = map[string]zap.AtomicLevel{}
	rules      []levelRule
	encoderCfg = zapcore.EncoderConfig{
		TimeKey:        "ts",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.CapitalLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
	sink zapcore.WriteSyncer = zapcore.Lock(os.Stderr)
)

type levelRule struct {
	pattern glob.Glob
	level   zapcore.Level
}

// Logger returns the named logger of a subsystem. Loggers created before
// ApplyLevels still pick up later level changes.
func Logger(system string) *zap.SugaredLogger {
	m.Lock()
	defer m.Unlock()

	lvl, ok := levels[system]
	if !ok {
		lvl = zap.NewAtomicLevelAt(levelFor(system))
		levels[system] = lvl
	}

	core := zapcore.NewCore(zapcore.NewConsoleEncoder(encoderCfg), sink, lvl)
	return zap.New(core, zap.AddCaller()).Named(system).Sugar()
}

// ApplyLevels parses "pattern=level;pattern=level" pairs. A bare level
// applies to every tumor-* subsystem.
func ApplyLevels(str string) {
	m.Lock()
	defer m.Unlock()

	rules = rules[:0]
	for _, part := range strings.Split(str, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		pattern, levelStr := defaultPattern, part
		if kv := strings.SplitN(part, "=", 2); len(kv) == 2 {
			pattern, levelStr = kv[0], kv[1]
		}

		g, err := glob.Compile(pattern)
		if err != nil {
			continue
		}
		var lvl zapcore.Level
		if err := lvl.UnmarshalText([]byte(strings.ToLower(levelStr))); err != nil {
			continue
		}
		rules = append(rules, levelRule{pattern: g, level: lvl})
	}

	for system, atom := range levels {
		atom.SetLevel(levelFor(system))
	}
}

// levelFor must be called with m held. Later rules win.
func levelFor(system string) zapcore.Level {
	lvl := DefaultLogLevel
	for _, r := range rules {
		if r.pattern.Match(system) {
			lvl = r.level
		}
	}
	return lvl
}

func Level(system string) zapcore.Level {
	m.Lock()
	defer m.Unlock()
	if atom, ok := levels[system]; ok {
		return atom.Level()
	}
	return levelFor(system)
}
