package orchestrator

import "go.uber.org/zap"

// ZapLogger implements Logger by delegating to a zap.SugaredLogger,
// whose Debugw/Infow/Warnw/Errorw signatures already take the same
// (msg string, keysAndValues ...interface{}) shape Logger expects.
type ZapLogger struct {
	sugar *zap.SugaredLogger
}

// NewZapLogger wraps l. A nil l falls back to zap.NewNop(), matching the
// nil-logger default other adapters in this package use.
func NewZapLogger(l *zap.Logger) *ZapLogger {
	if l == nil {
		l = zap.NewNop()
	}
	return &ZapLogger{sugar: l.Sugar()}
}

func (z *ZapLogger) Debug(msg string, args ...interface{}) { z.sugar.Debugw(msg, args...) }
func (z *ZapLogger) Info(msg string, args ...interface{})  { z.sugar.Infow(msg, args...) }
func (z *ZapLogger) Warn(msg string, args ...interface{})  { z.sugar.Warnw(msg, args...) }
func (z *ZapLogger) Error(msg string, args ...interface{}) { z.sugar.Errorw(msg, args...) }
