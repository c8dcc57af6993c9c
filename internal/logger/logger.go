// Package logger builds the process logger: zap to the console and to a
// daily file in the user config directory.
package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"esp32flasher/internal/config"
	"esp32flasher/internal/logchan"
)

// New returns a logger writing to console (nil disables it) and, when
// cfg.Dir is set, to <dir>/esp32flasher_YYYY-MM-DD.log. The returned closer
// syncs and closes the file.
func New(cfg config.LoggerConfig, console io.Writer) (*zap.SugaredLogger, func() error, error) {
	level := ParseLevel(cfg.Level)

	var cores []zapcore.Core
	if console != nil {
		cores = append(cores, zapcore.NewCore(encoder(cfg.Format), zapcore.AddSync(console), level))
	}

	closeFile := func() error { return nil }
	if cfg.Dir != "" {
		f, err := openLogFile(cfg.Dir, time.Now())
		if err != nil {
			return nil, nil, err
		}
		cores = append(cores, zapcore.NewCore(encoder("json"), zapcore.AddSync(f), level))
		closeFile = f.Close
	}

	l := zap.New(zapcore.NewTee(cores...)).Named(config.AppName).Sugar()
	closer := func() error {
		_ = l.Sync()
		return closeFile()
	}
	return l, closer, nil
}

// ParseLevel maps a config level name to a zap level. Unknown names mean info.
func ParseLevel(s string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
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

func encoder(format string) zapcore.Encoder {
	ec := zap.NewProductionEncoderConfig()
	ec.EncodeTime = zapcore.TimeEncoderOfLayout("2006-01-02 15:04:05.000")
	if format == "json" {
		return zapcore.NewJSONEncoder(ec)
	}
	ec.EncodeLevel = zapcore.CapitalLevelEncoder
	return zapcore.NewConsoleEncoder(ec)
}

// FileName is the log file for day.
func FileName(day time.Time) string {
	return fmt.Sprintf("%s_%s.log", config.AppName, day.Format("2006-01-02"))
}

func openLogFile(dir string, day time.Time) (*os.File, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(dir, FileName(day)), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	return f, nil
}

// Mirror copies every log channel entry into l at debug level.
func Mirror(l *zap.SugaredLogger) logchan.Observer {
	l = l.Named("ui")
	return func(e logchan.Entry) {
		switch e.Kind {
		case logchan.KindTrigger:
			l.Debugw("trigger", "enabled", e.Enabled)
		default:
			l.Debugw(e.Text, "kind", e.Kind.String())
		}
	}
}
