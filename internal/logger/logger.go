package logger

import (
	"os"
	"sync"

	"github.com/natefinch/lumberjack"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	log  *zap.Logger
	once sync.Once
)

// Init initializes the global logger. With an empty logFile only the console
// core is installed; otherwise a rotating JSON file core is added as well.
func Init(verbose bool, logFile string) {
	once.Do(func() {
		level := zapcore.InfoLevel
		encoderConfig := zap.NewProductionEncoderConfig()
		if verbose {
			level = zapcore.DebugLevel
			encoderConfig = zap.NewDevelopmentEncoderConfig()
		}

		cores := []zapcore.Core{
			zapcore.NewCore(
				zapcore.NewConsoleEncoder(encoderConfig),
				zapcore.AddSync(os.Stderr),
				level,
			),
		}

		if logFile != "" {
			cores = append(cores, zapcore.NewCore(
				zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()),
				zapcore.AddSync(&lumberjack.Logger{
					Filename:   logFile,
					MaxSize:    50, // MB
					MaxBackups: 5,
					MaxAge:     30, // days
				}),
				level,
			))
		}

		log = zap.New(zapcore.NewTee(cores...), zap.AddStacktrace(zapcore.ErrorLevel))
	})
}

// Get returns the global logger, initializing a default one if needed.
func Get() *zap.Logger {
	if log == nil {
		Init(false, "")
	}
	return log
}

// Sync flushes any buffered log entries.
func Sync() {
	if log != nil {
		log.Sync()
	}
}
