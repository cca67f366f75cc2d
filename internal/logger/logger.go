package logger

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const DevelopmentMode = "development"

// NewLogger builds a JSON logger with ISO8601 timestamps, or a colored console
// logger at debug level when mode is "development".
func NewLogger(mode ...string) (*zap.SugaredLogger, error) {
	if len(mode) > 0 && mode[0] == DevelopmentMode {
		cfg := zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		l, err := cfg.Build()
		if err != nil {
			return nil, err
		}
		return l.Sugar(), nil
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	cfg := zap.Config{
		Level:            zap.NewAtomicLevelAt(zapcore.InfoLevel),
		Encoding:         "json",
		EncoderConfig:    encCfg,
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}
	l, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return l.Sugar(), nil
}
