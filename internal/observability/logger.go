package observability

import (
	"math/rand"
	"os"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// InitLogger constructs a production zap.Logger for the default service name.
func InitLogger() (*zap.Logger, error) {
	return InitLoggerWithLevel(getLogLevel(), "admatch")
}

// InitLoggerWithService constructs a production zap.Logger named after serviceName.
func InitLoggerWithService(serviceName string) (*zap.Logger, error) {
	return InitLoggerWithLevel(getLogLevel(), serviceName)
}

// InitLoggerWithLevel constructs a zap.Logger at the provided level.
// The returned logger is named with the service name and installed as the global logger.
func InitLoggerWithLevel(level zapcore.Level, serviceName string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(level)

	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.LevelKey = "level"
	cfg.EncoderConfig.NameKey = "logger"
	cfg.EncoderConfig.CallerKey = "caller"
	cfg.EncoderConfig.MessageKey = "msg"
	cfg.EncoderConfig.StacktraceKey = "stacktrace"

	logger, err := cfg.Build()
	if err != nil {
		return nil, err
	}

	logger = logger.Named(serviceName).With(zap.String("service", serviceName))
	zap.ReplaceGlobals(logger)
	return logger, nil
}

// getLogLevel uses LOG_LEVEL when set, otherwise a default derived from ENV.
func getLogLevel() zapcore.Level {
	env := strings.ToLower(os.Getenv("ENV"))
	switch strings.ToUpper(os.Getenv("LOG_LEVEL")) {
	case "DEBUG":
		return zap.DebugLevel
	case "INFO":
		return zap.InfoLevel
	case "WARN":
		return zap.WarnLevel
	case "ERROR":
		return zap.ErrorLevel
	case "":
		if env == "development" || env == "dev" {
			return zap.DebugLevel
		}
	}
	return zap.InfoLevel
}

var sampledLogs, totalLogs atomic.Int64

// ShouldSample returns true if the log should be emitted for the given rate
// in [0,1]. It is safe for concurrent use.
func ShouldSample(rate float64) bool {
	totalLogs.Add(1)
	if rate >= 1.0 {
		sampledLogs.Add(1)
		return true
	}
	if rate <= 0.0 {
		return false
	}
	if rand.Float64() < rate {
		sampledLogs.Add(1)
		return true
	}
	return false
}

// SamplingCounts reports how many sampling checks ran and how many passed.
func SamplingCounts() (total, sampled int64) {
	return totalLogs.Load(), sampledLogs.Load()
}

// GetSamplingRate returns the hot-path log sampling rate for the current ENV.
func GetSamplingRate() float64 {
	switch strings.ToLower(os.Getenv("ENV")) {
	case "development", "dev":
		return 1.0
	case "staging", "test":
		return 0.5
	default:
		return 0.1
	}
}
