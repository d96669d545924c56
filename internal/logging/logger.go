package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"wipeengine/internal/config"
)

// EnterpriseLogger логгер с аудитом поверх zap
type EnterpriseLogger struct {
	level   zapcore.Level
	zl      *zap.Logger
	file    *os.File
	verbose bool
}

func NewEnterpriseLogger(cfg *config.Config, verbose bool) (*EnterpriseLogger, error) {
	level, err := ParseLevel(cfg.Logging.Level)
	if err != nil {
		return nil, err
	}

	l := &EnterpriseLogger{
		level:   level,
		verbose: verbose,
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "time"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var fileEncoder zapcore.Encoder
	if cfg.Logging.Structured {
		fileEncoder = zapcore.NewJSONEncoder(encCfg)
	} else {
		fileEncoder = zapcore.NewConsoleEncoder(encCfg)
	}

	var cores []zapcore.Core

	// Автоматическое создание директории для логов
	if cfg.Logging.File != "" {
		logDir := filepath.Dir(cfg.Logging.File)
		if err := os.MkdirAll(logDir, 0755); err != nil {
			fmt.Printf("[WARN] Не удалось создать директорию логов %s: %v\n", logDir, err)
		} else {
			f, err := os.OpenFile(cfg.Logging.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
			if err != nil {
				fmt.Printf("[WARN] Не удалось открыть файл логов %s: %v\n", cfg.Logging.File, err)
			} else {
				l.file = f
				cores = append(cores, zapcore.NewCore(fileEncoder, zapcore.AddSync(f), level))
			}
		}
	}

	// В консоль пишем всё в verbose режиме, иначе только ошибки
	consoleLevel := zapcore.ErrorLevel
	if verbose || l.file == nil {
		consoleLevel = level
		if !verbose && consoleLevel < zapcore.WarnLevel {
			consoleLevel = zapcore.WarnLevel
		}
	}
	cores = append(cores, zapcore.NewCore(
		zapcore.NewConsoleEncoder(encCfg),
		zapcore.Lock(os.Stderr),
		consoleLevel,
	))

	l.zl = zap.New(zapcore.NewTee(cores...)).Named("wipeengine")
	return l, nil
}

// NewNop возвращает логгер, который ничего не пишет
func NewNop() *EnterpriseLogger {
	return &EnterpriseLogger{level: zapcore.DebugLevel, zl: zap.NewNop()}
}

// FromZap оборачивает готовый zap логгер
func FromZap(zl *zap.Logger) *EnterpriseLogger {
	if zl == nil {
		return NewNop()
	}
	return &EnterpriseLogger{level: zapcore.DebugLevel, zl: zl}
}

// Log пишет сообщение с парами ключ-значение
func (l *EnterpriseLogger) Log(level, message string, fields ...interface{}) {
	if l == nil || l.zl == nil {
		return
	}

	lvl, err := ParseLevel(level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}
	if lvl < l.level {
		return
	}

	zf := toZapFields(fields)
	switch lvl {
	case zapcore.DebugLevel:
		l.zl.Debug(message, zf...)
	case zapcore.InfoLevel:
		l.zl.Info(message, zf...)
	case zapcore.WarnLevel:
		l.zl.Warn(message, zf...)
	default:
		// FATAL не завершает процесс: решение о выходе принимает вызывающий код
		l.zl.Error(message, zf...)
	}
}

// Zap возвращает нижележащий zap логгер
func (l *EnterpriseLogger) Zap() *zap.Logger {
	if l == nil || l.zl == nil {
		return zap.NewNop()
	}
	return l.zl
}

// With возвращает дочерний логгер с постоянными полями
func (l *EnterpriseLogger) With(fields ...interface{}) *EnterpriseLogger {
	if l == nil || l.zl == nil {
		return NewNop()
	}
	return &EnterpriseLogger{
		level:   l.level,
		zl:      l.zl.With(toZapFields(fields)...),
		verbose: l.verbose,
	}
}

func (l *EnterpriseLogger) Close() error {
	if l == nil {
		return nil
	}
	if l.zl != nil {
		_ = l.zl.Sync()
	}
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}

// ParseLevel переводит уровень из конфигурации в zapcore.Level
func ParseLevel(level string) (zapcore.Level, error) {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return zapcore.DebugLevel, nil
	case "INFO", "":
		return zapcore.InfoLevel, nil
	case "WARN", "WARNING":
		return zapcore.WarnLevel, nil
	case "ERROR":
		return zapcore.ErrorLevel, nil
	case "FATAL":
		return zapcore.FatalLevel, nil
	default:
		return zapcore.InfoLevel, fmt.Errorf("invalid log level: %s", level)
	}
}

func toZapFields(fields []interface{}) []zap.Field {
	if len(fields) == 0 {
		return nil
	}
	out := make([]zap.Field, 0, len(fields)/2+1)
	for i := 0; i < len(fields); i += 2 {
		key, ok := fields[i].(string)
		if !ok {
			key = fmt.Sprintf("field_%d", i)
		}
		if i+1 >= len(fields) {
			out = append(out, zap.String(key, "(missing)"))
			break
		}
		switch v := fields[i+1].(type) {
		case error:
			out = append(out, zap.NamedError(key, v))
		default:
			out = append(out, zap.Any(key, v))
		}
	}
	return out
}
