package log

import (
	"context"
	"os"
)

func (l *BaseLogger) log(level Level, msg string, fields []Field) {
	if level < l.level {
		return
	}
	attrs := attrsFromFieldSlice(fields)
	l.slogLogger.LogAttrs(context.Background(), toSlogLevel(level), msg, attrs...)
}

func (l *BaseLogger) Debug(msg string, fields ...Field) { l.log(DebugLevel, msg, fields) }
func (l *BaseLogger) Info(msg string, fields ...Field)  { l.log(InfoLevel, msg, fields) }
func (l *BaseLogger) Warn(msg string, fields ...Field)  { l.log(WarnLevel, msg, fields) }
func (l *BaseLogger) Error(msg string, fields ...Field) { l.log(ErrorLevel, msg, fields) }
func (l *BaseLogger) Fatal(msg string, fields ...Field) {
	l.log(FatalLevel, msg, fields)
	os.Exit(1)
}

// clone returns a shallow copy of l with its own fields map, so With* calls
// never mutate a shared ancestor logger.
func (l *BaseLogger) clone() *BaseLogger {
	nl := &BaseLogger{
		level:     l.level,
		formatter: l.formatter,
		outputs:   l.outputs,
		fields:    make(Fields, len(l.fields)),
	}
	for k, v := range l.fields {
		nl.fields[k] = v
	}
	nl.slogLogger = l.slogLogger
	return nl
}

func (l *BaseLogger) With(fields ...Field) Logger {
	nl := l.clone()
	for _, f := range fields {
		nl.fields[f.Key] = f.Value
	}
	return l.withAttrs(nl, fields)
}

// withAttrs attaches fields to nl's underlying slog.Logger and returns nl.
func (l *BaseLogger) withAttrs(nl *BaseLogger, fields []Field) Logger {
	attrs := attrsFromFieldSlice(fields)
	if len(attrs) > 0 {
		nl.slogLogger = l.slogLogger.With(attrsToAny(attrs)...)
	}
	return nl
}

func (l *BaseLogger) WithComponent(component string) Logger {
	return l.With(Component(component))
}
