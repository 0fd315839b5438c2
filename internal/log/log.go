// Package log provides the process-wide structured logger.
package log

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var log *zap.SugaredLogger
var baseLogger *zap.Logger

// Init initializes the package-level logger. When debug is true the
// development encoder settings and debug level are used, otherwise the
// production settings and info level; output is JSON in both cases.
func Init(debug bool) error {
	var encoderConfig zapcore.EncoderConfig
	var level zapcore.Level
	if debug {
		encoderConfig = zap.NewDevelopmentEncoderConfig()
		level = zapcore.DebugLevel
	} else {
		encoderConfig = zap.NewProductionEncoderConfig()
		level = zapcore.InfoLevel
	}

	encoderConfig.TimeKey = "timestamp"
	encoderConfig.LevelKey = "level"
	encoderConfig.MessageKey = "message"
	encoderConfig.CallerKey = "caller"
	encoderConfig.EncodeTime = zapcore.RFC3339TimeEncoder
	encoderConfig.EncodeLevel = zapcore.LowercaseLevelEncoder

	encoder := zapcore.NewJSONEncoder(encoderConfig)
	core := zapcore.NewCore(encoder, zapcore.AddSync(os.Stdout), level)

	baseLogger = zap.New(core, zap.AddCaller())
	log = baseLogger.Sugar()

	return nil
}

// GetZapLogger returns the base zap logger, initializing a production
// fallback logger if Init was never called.
func GetZapLogger() *zap.Logger {
	if baseLogger == nil {
		baseLogger, _ = zap.NewProduction()
		log = baseLogger.Sugar()
	}
	return baseLogger
}

// GetSugaredLogger returns the sugared logger instance.
func GetSugaredLogger() *zap.SugaredLogger {
	if log == nil {
		baseLogger, _ = zap.NewProduction()
		log = baseLogger.Sugar()
	}
	return log
}

// Sync flushes any buffered log entries.
func Sync() {
	if log != nil {
		log.Sync()
	}
}

func Debug(args ...interface{}) {
	baseLogger.WithOptions(zap.AddCallerSkip(1)).Sugar().Debug(args...)
}

func Debugf(template string, args ...interface{}) {
	baseLogger.WithOptions(zap.AddCallerSkip(1)).Sugar().Debugf(template, args...)
}

func Debugw(msg string, keysAndValues ...interface{}) {
	baseLogger.WithOptions(zap.AddCallerSkip(1)).Sugar().Debugw(msg, keysAndValues...)
}

func Info(args ...interface{}) {
	baseLogger.WithOptions(zap.AddCallerSkip(1)).Sugar().Info(args...)
}

func Infof(template string, args ...interface{}) {
	baseLogger.WithOptions(zap.AddCallerSkip(1)).Sugar().Infof(template, args...)
}

func Infow(msg string, keysAndValues ...interface{}) {
	baseLogger.WithOptions(zap.AddCallerSkip(1)).Sugar().Infow(msg, keysAndValues...)
}

func Warn(args ...interface{}) {
	baseLogger.WithOptions(zap.AddCallerSkip(1)).Sugar().Warn(args...)
}

func Warnf(template string, args ...interface{}) {
	baseLogger.WithOptions(zap.AddCallerSkip(1)).Sugar().Warnf(template, args...)
}

func Warnw(msg string, keysAndValues ...interface{}) {
	baseLogger.WithOptions(zap.AddCallerSkip(1)).Sugar().Warnw(msg, keysAndValues...)
}

func Error(args ...interface{}) {
	baseLogger.WithOptions(zap.AddCallerSkip(1)).Sugar().Error(args...)
}

func Errorf(template string, args ...interface{}) {
	baseLogger.WithOptions(zap.AddCallerSkip(1)).Sugar().Errorf(template, args...)
}

func Errorw(msg string, keysAndValues ...interface{}) {
	baseLogger.WithOptions(zap.AddCallerSkip(1)).Sugar().Errorw(msg, keysAndValues...)
}

func Fatal(args ...interface{}) {
	baseLogger.WithOptions(zap.AddCallerSkip(1)).Sugar().Fatal(args...)
	os.Exit(1)
}

func Fatalf(template string, args ...interface{}) {
	baseLogger.WithOptions(zap.AddCallerSkip(1)).Sugar().Fatalf(template, args...)
	os.Exit(1)
}
