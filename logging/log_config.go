package logging

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
)

// LoggerPatternConfig is an instance of a level specification for a given logger.
type LoggerPatternConfig struct {
	Pattern string `json:"pattern"`
	Level   string `json:"level"`
}

const (
	// Regular expressions for logger names. Examples describe the regular expression that follows.

	// e.g. "foo".
	validLoggerSectionName = `[a-zA-Z0-9]+([_-]*[a-zA-Z0-9]+)*`
	// e.g. "foo" or "*".
	validLoggerSectionNameWithWildcard = `(` + validLoggerSectionName + `|\*)`
	// e.g. "foo.*.foo".
	validLoggerSectionsWithWildcard = validLoggerSectionNameWithWildcard + `(\.` + validLoggerSectionNameWithWildcard + `)*`
	// Restricts above regex to be the entire pattern.
	validLoggerName = `^` + validLoggerSectionsWithWildcard + `$`
)

var loggerPatternRegexp = regexp.MustCompile(validLoggerName)

// ValidatePattern reports whether the pattern is a dotted logger name where any section may be "*".
func ValidatePattern(pattern string) bool {
	return loggerPatternRegexp.MatchString(pattern)
}

func buildRegexFromPattern(pattern string) string {
	var matcher strings.Builder
	matcher.WriteRune('^')
	for _, ch := range pattern {
		switch ch {
		case '*':
			matcher.WriteString(`.*`)
		case '.':
			matcher.WriteString(`\.`)
		default:
			matcher.WriteRune(ch)
		}
	}
	matcher.WriteRune('$')
	return matcher.String()
}

// UpdateLevels applies logger patterns to the subloggers of logger. Later patterns win over earlier ones.
// Loggers that match no pattern keep the level of logger itself.
func UpdateLevels(logger Logger, patterns []LoggerPatternConfig) error {
	imp, ok := logger.(*impl)
	if !ok {
		return fmt.Errorf("cannot apply log patterns to %T", logger)
	}
	return imp.UpdateLevels(patterns)
}

// Registry tracks the named subloggers created from one root logger so level patterns can be applied to them.
type Registry struct {
	mu        sync.RWMutex
	loggers   map[string]Logger
	logConfig []LoggerPatternConfig
}

func newRegistry() *Registry {
	return &Registry{
		loggers: make(map[string]Logger),
	}
}

func (lr *Registry) registerLogger(name string, logger Logger) {
	lr.mu.Lock()
	defer lr.mu.Unlock()
	lr.loggers[name] = logger
}

func (lr *Registry) loggerNamed(name string) (logger Logger, ok bool) {
	lr.mu.RLock()
	defer lr.mu.RUnlock()
	logger, ok = lr.loggers[name]
	return
}

// levelFor returns the level of the last pattern matching name.
func levelFor(name string, patterns []LoggerPatternConfig) (Level, bool, error) {
	var (
		level   Level
		matched bool
	)
	for _, lpc := range patterns {
		if !ValidatePattern(lpc.Pattern) {
			continue
		}
		r, err := regexp.Compile(buildRegexFromPattern(lpc.Pattern))
		if err != nil {
			return level, false, err
		}
		if !r.MatchString(name) {
			continue
		}
		l, err := LevelFromString(lpc.Level)
		if err != nil {
			return level, false, err
		}
		level, matched = l, true
	}
	return level, matched, nil
}

// UpdateConfig stores the patterns and applies them to every registered logger. Loggers matching no
// pattern are reset to the level of the root logger.
func (lr *Registry) UpdateConfig(logConfig []LoggerPatternConfig, root Logger) error {
	for _, lpc := range logConfig {
		if !ValidatePattern(lpc.Pattern) {
			root.Warnw("failed to validate a pattern", "pattern", lpc.Pattern)
		}
	}

	lr.mu.Lock()
	defer lr.mu.Unlock()
	lr.logConfig = logConfig
	for name, logger := range lr.loggers {
		level, matched, err := levelFor(name, logConfig)
		if err != nil {
			return err
		}
		if !matched {
			level = root.GetLevel()
		}
		logger.SetLevel(level)
	}
	return nil
}

// getOrRegister will either:
//   - return an existing logger for the input logger `name` or
//   - register the input `logger` for the given logger `name` and configure it based on the
//     existing patterns.
func (lr *Registry) getOrRegister(name string, logger Logger) Logger {
	lr.mu.Lock()
	defer lr.mu.Unlock()
	if existingLogger, ok := lr.loggers[name]; ok {
		return existingLogger
	}

	lr.loggers[name] = logger
	if level, matched, err := levelFor(name, lr.logConfig); err == nil && matched {
		logger.SetLevel(level)
	}
	return logger
}
