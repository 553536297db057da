package logging

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// impl is the Logger every constructor in this package returns. Subloggers share the appender
// slice and registry of the root they were created from.
type impl struct {
	name  string
	level AtomicLevel
	inUTC bool

	appenders []Appender
	registry  *Registry
}

func (imp *impl) AddAppender(appender Appender) {
	imp.appenders = append(imp.appenders, appender)
}

func (imp *impl) SetLevel(level Level) {
	imp.level.Set(level)
}

func (imp *impl) GetLevel() Level {
	return imp.level.Get()
}

func (imp *impl) Sublogger(subname string) Logger {
	name := subname
	if imp.name != "" {
		name = imp.name + "." + subname
	}
	sub := &impl{
		name:      name,
		level:     NewAtomicLevelAt(imp.level.Get()),
		inUTC:     imp.inUTC,
		appenders: imp.appenders,
		registry:  imp.registry,
	}
	if imp.registry == nil {
		return sub
	}
	return imp.registry.getOrRegister(name, sub)
}

// UpdateLevels applies the level patterns to every sublogger created from this logger so far, and
// to subloggers created later.
func (imp *impl) UpdateLevels(patterns []LoggerPatternConfig) error {
	if imp.registry == nil {
		return nil
	}
	return imp.registry.UpdateConfig(patterns, imp)
}

func (imp *impl) Sync() error {
	var err error
	for _, appender := range imp.appenders {
		err = multierr.Combine(err, appender.Sync())
	}
	return err
}

func (imp *impl) enabled(level Level) bool {
	return level >= imp.level.Get()
}

// write hands one entry to every appender. It must be called directly by the exported logging
// methods so that the caller lookup lands on the logging statement.
func (imp *impl) write(level Level, msg string, fields []zapcore.Field) {
	entry := zapcore.Entry{
		Level:      level.AsZap(),
		Time:       time.Now(),
		LoggerName: imp.name,
		Message:    msg,
		Caller:     caller(),
	}
	if imp.inUTC {
		entry.Time = entry.Time.UTC()
	}
	for _, appender := range imp.appenders {
		if err := appender.Write(entry, fields); err != nil {
			fmt.Fprintln(os.Stderr, err)
		}
	}
}

// fieldsOf pairs up keysAndValues. Keys are rendered with %v, values are serialized by zap so
// only exported struct fields appear. A trailing key with no value is kept with an error value.
func fieldsOf(keysAndValues []interface{}) []zapcore.Field {
	fields := make([]zapcore.Field, 0, (len(keysAndValues)+1)/2)
	for i := 0; i < len(keysAndValues); i += 2 {
		key := fmt.Sprint(keysAndValues[i])
		if i+1 == len(keysAndValues) {
			fields = append(fields, zap.String(key, "unpaired log key"))
			break
		}
		fields = append(fields, zap.Any(key, keysAndValues[i+1]))
	}
	return fields
}

func (imp *impl) Debug(args ...interface{}) {
	if imp.enabled(DEBUG) {
		imp.write(DEBUG, fmt.Sprint(args...), nil)
	}
}

func (imp *impl) Debugf(template string, args ...interface{}) {
	if imp.enabled(DEBUG) {
		imp.write(DEBUG, fmt.Sprintf(template, args...), nil)
	}
}

func (imp *impl) Debugw(msg string, keysAndValues ...interface{}) {
	if imp.enabled(DEBUG) {
		imp.write(DEBUG, msg, fieldsOf(keysAndValues))
	}
}

// CDebugf logs at debug level when the logger is at debug or ctx carries a trace tag.
func (imp *impl) CDebugf(ctx context.Context, template string, args ...interface{}) {
	tag := TraceTag(ctx)
	if tag == "" && !imp.enabled(DEBUG) {
		return
	}
	var fields []zapcore.Field
	if tag != "" {
		fields = []zapcore.Field{zap.String(traceField, tag)}
	}
	imp.write(DEBUG, fmt.Sprintf(template, args...), fields)
}

// CDebugw is CDebugf with structured fields.
func (imp *impl) CDebugw(ctx context.Context, msg string, keysAndValues ...interface{}) {
	tag := TraceTag(ctx)
	if tag == "" && !imp.enabled(DEBUG) {
		return
	}
	fields := fieldsOf(keysAndValues)
	if tag != "" {
		fields = append(fields, zap.String(traceField, tag))
	}
	imp.write(DEBUG, msg, fields)
}

func (imp *impl) Info(args ...interface{}) {
	if imp.enabled(INFO) {
		imp.write(INFO, fmt.Sprint(args...), nil)
	}
}

func (imp *impl) Infof(template string, args ...interface{}) {
	if imp.enabled(INFO) {
		imp.write(INFO, fmt.Sprintf(template, args...), nil)
	}
}

func (imp *impl) Infow(msg string, keysAndValues ...interface{}) {
	if imp.enabled(INFO) {
		imp.write(INFO, msg, fieldsOf(keysAndValues))
	}
}

func (imp *impl) Warn(args ...interface{}) {
	if imp.enabled(WARN) {
		imp.write(WARN, fmt.Sprint(args...), nil)
	}
}

func (imp *impl) Warnf(template string, args ...interface{}) {
	if imp.enabled(WARN) {
		imp.write(WARN, fmt.Sprintf(template, args...), nil)
	}
}

func (imp *impl) Warnw(msg string, keysAndValues ...interface{}) {
	if imp.enabled(WARN) {
		imp.write(WARN, msg, fieldsOf(keysAndValues))
	}
}

func (imp *impl) Error(args ...interface{}) {
	if imp.enabled(ERROR) {
		imp.write(ERROR, fmt.Sprint(args...), nil)
	}
}

func (imp *impl) Errorf(template string, args ...interface{}) {
	if imp.enabled(ERROR) {
		imp.write(ERROR, fmt.Sprintf(template, args...), nil)
	}
}

func (imp *impl) Errorw(msg string, keysAndValues ...interface{}) {
	if imp.enabled(ERROR) {
		imp.write(ERROR, msg, fieldsOf(keysAndValues))
	}
}

// caller reports the frame that called an exported logging method: caller, write, the method,
// then the logging statement.
func caller() zapcore.EntryCaller {
	const skip = 3
	var c zapcore.EntryCaller
	c.PC, c.File, c.Line, c.Defined = runtime.Caller(skip)
	if !c.Defined {
		return c
	}
	if fn := runtime.FuncForPC(c.PC); fn != nil {
		c.Function = fn.Name()
	}
	return c
}
