// Package log wraps zap behind package-level helpers so call sites log
// without threading a logger through every function signature.
package log

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var L = zap.NewNop().Sugar()

// Init builds the package-level logger from LOG_LEVEL and, if set, tees
// output to LOG_FILE alongside stderr.
func Init(level, file string) error {
	zapLevel := parseLevel(level)

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "ts"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	stderrSync := zapcore.Lock(os.Stderr)
	core := zapcore.NewCore(zapcore.NewJSONEncoder(encoderCfg), stderrSync, zapLevel)

	if file != "" {
		f, err := os.OpenFile(file, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return err
		}
		fileSync := zapcore.AddSync(f)
		core = zapcore.NewTee(core, zapcore.NewCore(zapcore.NewJSONEncoder(encoderCfg), fileSync, zapLevel))
	}

	logger := zap.New(core, zap.AddCaller())
	L = logger.Sugar()
	return nil
}

func parseLevel(level string) zapcore.Level {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return zapcore.InfoLevel
	}
	return lvl
}

// NewPriceLogger builds an independent logger dedicated to mirroring every
// bar when DEBUG_PRICES is enabled, so the high-volume bar stream never
// competes with operational log lines for LOG_FILE's rotation/volume.
func NewPriceLogger(file string) (*zap.SugaredLogger, error) {
	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "ts"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var sync zapcore.WriteSyncer
	if file != "" {
		f, err := os.OpenFile(file, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, err
		}
		sync = zapcore.AddSync(f)
	} else {
		sync = zapcore.Lock(os.Stdout)
	}

	core := zapcore.NewCore(zapcore.NewJSONEncoder(encoderCfg), sync, zapcore.DebugLevel)
	return zap.New(core).Sugar(), nil
}
