package logger

import "context"

type contextKey struct{}

// WithContext returns a context carrying l, retrievable by FromContext and
// the package-level Debug/Info/Warn/Error helpers below.
func WithContext(ctx context.Context, l Logger) context.Context {
	return context.WithValue(ctx, contextKey{}, l)
}

// defaultLogger is used by the package-level helpers when ctx carries no
// Logger of its own.
var defaultLogger = NewLogger()

// FromContext returns the Logger attached to ctx via WithContext, or a
// package-wide default text-to-stderr Logger if none was attached.
func FromContext(ctx context.Context) Logger {
	if l, ok := ctx.Value(contextKey{}).(Logger); ok && l != nil {
		return l
	}
	return defaultLogger
}

// Debug logs at debug level using the Logger attached to ctx.
func Debug(ctx context.Context, msg string, args ...any) { FromContext(ctx).Debug(msg, args...) }

// Info logs at info level using the Logger attached to ctx.
func Info(ctx context.Context, msg string, args ...any) { FromContext(ctx).Info(msg, args...) }

// Warn logs at warn level using the Logger attached to ctx.
func Warn(ctx context.Context, msg string, args ...any) { FromContext(ctx).Warn(msg, args...) }

// Error logs at error level using the Logger attached to ctx.
func Error(ctx context.Context, msg string, args ...any) { FromContext(ctx).Error(msg, args...) }

// Debugf logs a formatted message at debug level using the Logger attached
// to ctx.
func Debugf(ctx context.Context, format string, args ...any) {
	FromContext(ctx).Debugf(format, args...)
}

// Infof logs a formatted message at info level using the Logger attached to
// ctx.
func Infof(ctx context.Context, format string, args ...any) {
	FromContext(ctx).Infof(format, args...)
}

// Warnf logs a formatted message at warn level using the Logger attached to
// ctx.
func Warnf(ctx context.Context, format string, args ...any) {
	FromContext(ctx).Warnf(format, args...)
}

// Errorf logs a formatted message at error level using the Logger attached
// to ctx.
func Errorf(ctx context.Context, format string, args ...any) {
	FromContext(ctx).Errorf(format, args...)
}
