package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/any-hub/snapproxy/internal/config"
)

// InitLogger 按全局配置构建进程级 logger，并同步到 logrus 标准 logger。
// stdout 只输出监听端口，日志默认写 stderr；配置了 LogFilePath 时写入滚动文件。
// 日志文件不可写不会阻止启动，而是退回 stderr 并记录一条 logger_fallback。
func InitLogger(cfg config.GlobalConfig) (*logrus.Logger, error) {
	level := logrus.InfoLevel
	if cfg.LogLevel != "" {
		parsed, err := logrus.ParseLevel(cfg.LogLevel)
		if err != nil {
			return nil, fmt.Errorf("无法解析日志级别: %w", err)
		}
		level = parsed
	}

	formatter, err := newFormatter(cfg.LogFormat)
	if err != nil {
		return nil, err
	}

	out, fallbackErr := openOutput(cfg)

	logger := &logrus.Logger{
		Out:       out,
		Formatter: formatter,
		Hooks:     make(logrus.LevelHooks),
		Level:     level,
		ExitFunc:  os.Exit,
	}
	std := logrus.StandardLogger()
	std.SetOutput(out)
	std.SetFormatter(formatter)
	std.SetLevel(level)

	if fallbackErr != nil {
		logger.WithFields(logrus.Fields{
			"action": "logger_fallback",
			"path":   cfg.LogFilePath,
		}).WithError(fallbackErr).Warn("日志文件不可用，改为输出到 stderr")
	}
	return logger, nil
}

// Discard 返回丢弃所有输出的 logger。
func Discard() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func newFormatter(format string) (logrus.Formatter, error) {
	switch format {
	case "", config.LogFormatJSON:
		return &logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano}, nil
	case config.LogFormatText:
		return &logrus.TextFormatter{FullTimestamp: true, TimestampFormat: time.RFC3339, DisableColors: true}, nil
	default:
		return nil, fmt.Errorf("未知日志格式: %s", format)
	}
}

// openOutput 返回日志 Writer；目录无法创建时返回 stderr 与原因。
func openOutput(cfg config.GlobalConfig) (io.Writer, error) {
	if cfg.LogFilePath == "" {
		return os.Stderr, nil
	}
	if err := os.MkdirAll(filepath.Dir(cfg.LogFilePath), 0o755); err != nil {
		return os.Stderr, err
	}
	return &lumberjack.Logger{
		Filename:   cfg.LogFilePath,
		MaxSize:    cfg.LogMaxSize,
		MaxBackups: cfg.LogMaxBackups,
		Compress:   cfg.LogCompress,
		LocalTime:  true,
	}, nil
}
