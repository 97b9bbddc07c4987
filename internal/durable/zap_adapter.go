package durable

import (
	"fmt"
	"reflect"

	"go.temporal.io/sdk/log"
	"go.uber.org/zap"
)

// ZapAdapter routes Temporal SDK logs into zap.
type ZapAdapter struct {
	logger *zap.Logger
}

func NewZapAdapter(logger *zap.Logger) log.Logger {
	return &ZapAdapter{logger: logger}
}

func (z *ZapAdapter) Debug(msg string, keyvals ...any) {
	z.logger.Debug(msg, fieldsFromKeyvals(keyvals)...)
}

func (z *ZapAdapter) Info(msg string, keyvals ...any) {
	z.logger.Info(msg, fieldsFromKeyvals(keyvals)...)
}

func (z *ZapAdapter) Warn(msg string, keyvals ...any) {
	z.logger.Warn(msg, fieldsFromKeyvals(keyvals)...)
}

func (z *ZapAdapter) Error(msg string, keyvals ...any) {
	z.logger.Error(msg, fieldsFromKeyvals(keyvals)...)
}

func (z *ZapAdapter) With(keyvals ...any) log.Logger {
	return &ZapAdapter{logger: z.logger.With(fieldsFromKeyvals(keyvals)...)}
}

func fieldsFromKeyvals(keyvals []any) []zap.Field {
	fields := make([]zap.Field, 0, len(keyvals)/2)
	for i := 0; i+1 < len(keyvals); i += 2 {
		key, ok := keyvals[i].(string)
		if !ok {
			continue
		}
		fields = append(fields, safeField(key, keyvals[i+1]))
	}
	return fields
}

// safeField avoids the kinds zap.Any cannot encode.
func safeField(key string, value any) (field zap.Field) {
	defer func() {
		if r := recover(); r != nil {
			field = zap.String(key, fmt.Sprintf("<unserializable: %v>", r))
		}
	}()
	if value == nil {
		return zap.String(key, "<nil>")
	}
	switch reflect.ValueOf(value).Kind() {
	case reflect.Func, reflect.Chan, reflect.UnsafePointer:
		return zap.String(key, fmt.Sprintf("<%T>", value))
	default:
		return zap.Any(key, value)
	}
}
