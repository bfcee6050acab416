// Package logs builds the fabric's zap logging cores: a console/file
// operational logger, and a separate rotating communication-audit logger
// keyed by request-correlation ids.
package logs

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"mcpfabric/internal/config"
)

// Log level names accepted in config.LogConfig.Level. LogLevelTrace maps
// onto zap's Debug level; zap has no separate trace level.
const (
	LogLevelTrace = "trace"
	LogLevelDebug = "debug"
	LogLevelInfo  = "info"
	LogLevelWarn  = "warn"
	LogLevelError = "error"
)

func parseLevel(name string) zapcore.Level {
	switch name {
	case LogLevelTrace, LogLevelDebug:
		return zap.DebugLevel
	case LogLevelWarn:
		return zap.WarnLevel
	case LogLevelError:
		return zap.ErrorLevel
	default:
		return zap.InfoLevel
	}
}

// NewLogger builds the operational logger from cfg: console and/or
// rotating file output, tee'd together when both are enabled.
func NewLogger(cfg *config.LogConfig) (*zap.Logger, error) {
	if cfg == nil {
		cfg = config.DefaultLogConfig()
	}
	level := parseLevel(cfg.Level)

	var cores []zapcore.Core
	if cfg.EnableConsole {
		cores = append(cores, consoleCore(level, cfg.JSONFormat))
	}
	if cfg.EnableFile {
		fileCore, err := createFileCore(cfg, level)
		if err != nil {
			return nil, fmt.Errorf("build file log core: %w", err)
		}
		cores = append(cores, fileCore)
	}
	if len(cores) == 0 {
		cores = append(cores, consoleCore(level, cfg.JSONFormat))
	}

	return zap.New(zapcore.NewTee(cores...), zap.AddCaller()), nil
}

func consoleCore(level zapcore.Level, jsonFormat bool) zapcore.Core {
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder

	var encoder zapcore.Encoder
	if jsonFormat {
		encoder = zapcore.NewJSONEncoder(encCfg)
	} else {
		encoder = zapcore.NewConsoleEncoder(encCfg)
	}
	return zapcore.NewCore(encoder, zapcore.AddSync(os.Stdout), level)
}

// createFileCore builds a JSON-encoded core writing through a lumberjack
// rotator, used both by the operational file log and the communication
// audit log.
func createFileCore(cfg *config.LogConfig, level zapcore.Level) (zapcore.Core, error) {
	filename := cfg.Filename
	if filename == "" {
		filename = "mcpfabric.log"
	}
	if cfg.LogDir != "" {
		if err := os.MkdirAll(cfg.LogDir, 0o755); err != nil {
			return nil, fmt.Errorf("create log dir: %w", err)
		}
		filename = filepath.Join(cfg.LogDir, filename)
	}

	rotator := &lumberjack.Logger{
		Filename:   filename,
		MaxSize:    cfg.MaxSize,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAge,
		Compress:   cfg.Compress,
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encoder := zapcore.NewJSONEncoder(encCfg)

	return zapcore.NewCore(encoder, zapcore.AddSync(rotator), level), nil
}
