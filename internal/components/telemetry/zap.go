package telemetry

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ZapAPI implements API on top of a zap logger, for deployments that already ship
// zap's json output to their log pipeline.
type ZapAPI struct {
	logger *zap.Logger
}

func NewZapAPI(level string, pretty bool) (ZapAPI, error) {
	var cfg zap.Config
	if pretty {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		cfg = zap.NewProductionConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(parseZapLevel(level))

	logger, err := cfg.Build(zap.AddStacktrace(zapcore.FatalLevel))
	if err != nil {
		return ZapAPI{}, err
	}
	return ZapAPI{logger: logger}, nil
}

// NewZapAPIFromLogger wraps an existing logger.
func NewZapAPIFromLogger(logger *zap.Logger) ZapAPI {
	return ZapAPI{logger: logger}
}

func parseZapLevel(level string) zapcore.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

func (ZapAPI) fields(params []any) []zap.Field {
	fields := make([]zap.Field, len(params))
	for i, p := range params {
		fields[i] = zap.Any(fmt.Sprintf("params.%d", i), p)
	}
	return fields
}

func (z ZapAPI) ReportBroken(id string, params ...any) {
	z.logger.Error("broken component", append([]zap.Field{zap.String("id", id)}, z.fields(params)...)...)
}

func (z ZapAPI) ReportWarning(id string, params ...any) {
	z.logger.Warn("warning", append([]zap.Field{zap.String("id", id)}, z.fields(params)...)...)
}

func (z ZapAPI) ReportInfo(msg string, params ...any) {
	z.logger.Info(msg, z.fields(params)...)
}

func (z ZapAPI) ReportDebug(msg string, params ...any) {
	z.logger.Debug(msg, z.fields(params)...)
}

func (z ZapAPI) ReportCount(id string, count int64) {
	z.logger.Info("count", zap.String("id", id), zap.Int64("n", count))
}

// Sync flushes buffered log entries.
func (z ZapAPI) Sync() error {
	return z.logger.Sync()
}
