package logger

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type ctxKey string

const (
	nicknameKey ctxKey = "nickname"
	roomKey     ctxKey = "room"
	sessionKey  ctxKey = "sid"
)

// WithNickname stores the simulated user's nickname in ctx.
func WithNickname(ctx context.Context, nickname string) context.Context {
	return context.WithValue(ctx, nicknameKey, nickname)
}

// WithRoom stores the conference room in ctx.
func WithRoom(ctx context.Context, room string) context.Context {
	return context.WithValue(ctx, roomKey, room)
}

// WithSessionID stores the Jingle session id in ctx.
func WithSessionID(ctx context.Context, sid string) context.Context {
	return context.WithValue(ctx, sessionKey, sid)
}

// ContextLogger provides context-aware logging
type ContextLogger struct {
	logger *zap.Logger
}

// NewContextLogger creates a new context logger
func NewContextLogger(logger *zap.Logger) *ContextLogger {
	return &ContextLogger{
		logger: logger,
	}
}

// WithContext adds the session fields found in ctx to the logger
func (cl *ContextLogger) WithContext(ctx context.Context) *zap.Logger {
	fields := []zapcore.Field{}

	if nick, ok := ctx.Value(nicknameKey).(string); ok {
		fields = append(fields, zap.String("nickname", nick))
	}
	if room, ok := ctx.Value(roomKey).(string); ok {
		fields = append(fields, zap.String("room", room))
	}
	if sid, ok := ctx.Value(sessionKey).(string); ok {
		fields = append(fields, zap.String("sid", sid))
	}

	if len(fields) == 0 {
		return cl.logger
	}

	return cl.logger.With(fields...)
}

// Sugared returns the sugared form of WithContext.
func (cl *ContextLogger) Sugared(ctx context.Context) *zap.SugaredLogger {
	return cl.WithContext(ctx).Sugar()
}

// WithFields adds custom fields to logger
func (cl *ContextLogger) WithFields(fields ...zapcore.Field) *zap.Logger {
	return cl.logger.With(fields...)
}

// LogError logs an error with context
func (cl *ContextLogger) LogError(ctx context.Context, err error, message string, fields ...zapcore.Field) {
	cl.WithContext(ctx).With(zap.Error(err)).Error(message, fields...)
}
