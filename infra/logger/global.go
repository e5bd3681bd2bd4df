package logger

import (
	"sync"

	"github.com/mstgnz/nativepay/infra/config"
)

const (
	serviceName    = "nativepay"
	serviceVersion = "1.0.0"
)

var (
	globalLogger *SystemLogger
	globalMu     sync.RWMutex
	once         sync.Once
)

// InitGlobalLogger initializes the global system logger. sink may be nil.
func InitGlobalLogger(sink Sink) {
	once.Do(func() {
		appConfig := config.GetAppConfig()
		cfg := SystemLoggerConfig{
			EnableConsole: true,
			EnableSink:    sink != nil,
			MinLevel:      ParseLevel(appConfig.LoggingLevel),
			Service:       serviceName,
			Version:       serviceVersion,
			Environment:   appConfig.Environment,
		}

		if cfg.Environment == "development" {
			cfg.MinLevel = LevelDebug
		}

		SetGlobalLogger(NewSystemLogger(sink, cfg))
	})
}

// SetGlobalLogger replaces the global logger.
func SetGlobalLogger(l *SystemLogger) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalLogger = l
}

// GetGlobalLogger returns the global logger instance
func GetGlobalLogger() *SystemLogger {
	globalMu.RLock()
	l := globalLogger
	globalMu.RUnlock()
	if l != nil {
		return l
	}

	globalMu.Lock()
	defer globalMu.Unlock()
	if globalLogger == nil {
		// Console-only fallback when main has not initialised logging.
		globalLogger = NewSystemLogger(nil, SystemLoggerConfig{
			EnableConsole: true,
			MinLevel:      LevelInfo,
			Service:       serviceName,
			Version:       serviceVersion,
			Environment:   "development",
		})
	}
	return globalLogger
}

// Debug logs a debug message using the global logger
func Debug(message string, ctx ...LogContext) {
	GetGlobalLogger().Debug(message, ctx...)
}

// Info logs an info message using the global logger
func Info(message string, ctx ...LogContext) {
	GetGlobalLogger().Info(message, ctx...)
}

// Warn logs a warning message using the global logger
func Warn(message string, ctx ...LogContext) {
	GetGlobalLogger().Warn(message, ctx...)
}

// Error logs an error message using the global logger
func Error(message string, err error, ctx ...LogContext) {
	GetGlobalLogger().Error(message, err, ctx...)
}

// Fatal logs a fatal message using the global logger and exits
func Fatal(message string, err error, ctx ...LogContext) {
	GetGlobalLogger().Fatal(message, err, ctx...)
}

// Flush waits for the global logger's pending sink writes.
func Flush() {
	GetGlobalLogger().Flush()
}

// WithContext creates a context logger from the global logger
func WithContext(ctx LogContext) *ContextLogger {
	return GetGlobalLogger().WithContext(ctx)
}

// WithProvider creates a context logger with provider
func WithProvider(provider string) *ContextLogger {
	return WithContext(LogContext{Provider: provider})
}

// WithRequest creates a context logger with provider and request id
func WithRequest(provider, requestID string) *ContextLogger {
	return WithContext(LogContext{Provider: provider, RequestID: requestID})
}
