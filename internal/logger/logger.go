package logger

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/llm-d-incubation/accel-pipeline/internal/constants"
)

var zapLogger *zap.Logger
var level = zap.NewAtomicLevelAt(zapcore.InfoLevel)

// Log discards everything until InitLogger is called
var Log = zap.NewNop().Sugar()

func InitLogger() (*zap.SugaredLogger, error) {
	if zapLogger != nil {
		Log = zapLogger.Sugar()
		return Log, nil
	}

	// Unified config
	level.SetLevel(GetZapLevelFromEnv())
	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "ts"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderCfg.LevelKey = "level"
	encoderCfg.EncodeLevel = zapcore.CapitalLevelEncoder

	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderCfg),
		zapcore.AddSync(os.Stderr),
		level,
	)

	zapLogger = zap.New(core)
	Log = zapLogger.Sugar()
	return Log, nil
}

// SetLevel changes the level of the initialized logger
func SetLevel(l zapcore.Level) {
	level.SetLevel(l)
}

func GetZapLevelFromEnv() zapcore.Level {
	levelStr := strings.ToLower(os.Getenv(constants.EnvLogLevel))
	switch levelStr {
	case "debug":
		return zapcore.DebugLevel
	case "info":
		return zapcore.InfoLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel // fallback
	}
}

// SyncLogger ensures the logger is properly synced
func SyncLogger() {
	if Log != nil {
		_ = Log.Sync()
	}
}
