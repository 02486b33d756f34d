// Package log wires the kratos logging interface onto a zerolog backend with
// optional console output and rotating file output. Components take the
// kratos log.Logger; this package only decides where log lines go.
package log

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config controls logger output.
type Config struct {
	// Level is one of debug, info, warn, error
	Level string `yaml:"level" json:"level"`
	// ConsoleOutput enables human-readable output on stdout
	ConsoleOutput bool `yaml:"console_output" json:"console_output"`
	// FilePath enables JSON output to a rotating file when non-empty
	FilePath string `yaml:"file_path" json:"file_path"`
	// MaxSizeMB caps a log file before rotation
	MaxSizeMB int `yaml:"max_size_mb" json:"max_size_mb"`
	// MaxBackups caps retained rotated files
	MaxBackups int `yaml:"max_backups" json:"max_backups"`
	// MaxAgeDays caps retained file age
	MaxAgeDays int `yaml:"max_age_days" json:"max_age_days"`
	// FlushInterval batches file writes; zero writes through per line
	FlushInterval time.Duration `yaml:"flush_interval" json:"flush_interval"`
}

// DefaultConfig returns console-only info logging.
func DefaultConfig() Config {
	return Config{
		Level:         "info",
		ConsoleOutput: true,
		MaxSizeMB:     100,
		MaxBackups:    5,
		MaxAgeDays:    7,
	}
}

// zerologAdapter implements the kratos log.Logger on a zerolog.Logger.
type zerologAdapter struct {
	logger zerolog.Logger
}

// Log implements log.Logger. Key/value pairs become zerolog fields.
func (a *zerologAdapter) Log(level log.Level, keyvals ...any) error {
	var ev *zerolog.Event
	switch level {
	case log.LevelDebug:
		ev = a.logger.Debug()
	case log.LevelInfo:
		ev = a.logger.Info()
	case log.LevelWarn:
		ev = a.logger.Warn()
	case log.LevelError:
		ev = a.logger.Error()
	case log.LevelFatal:
		ev = a.logger.Fatal()
	default:
		ev = a.logger.Info()
	}
	var msg string
	for i := 0; i+1 < len(keyvals); i += 2 {
		key := fmt.Sprint(keyvals[i])
		if key == log.DefaultMessageKey {
			msg = fmt.Sprint(keyvals[i+1])
			continue
		}
		ev = ev.Interface(key, keyvals[i+1])
	}
	ev.Msg(msg)
	return nil
}

// New builds a kratos logger from the config. With no outputs enabled, logs
// are discarded. The returned close function flushes and stops the file
// writer; it is always non-nil.
func New(cfg Config) (log.Logger, func() error, error) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}

	closeFn := func() error { return nil }
	var writers []io.Writer
	if cfg.ConsoleOutput {
		writers = append(writers, zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: "15:04:05.000"})
	}
	if cfg.FilePath != "" {
		var fileOut io.Writer = &lumberjack.Logger{
			Filename:   cfg.FilePath,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   true,
		}
		if cfg.FlushInterval > 0 {
			bw := newBufferedWriter(fileOut, 0, cfg.FlushInterval)
			closeFn = bw.Close
			fileOut = bw
		}
		writers = append(writers, fileOut)
	}
	var out io.Writer = io.Discard
	if len(writers) == 1 {
		out = writers[0]
	} else if len(writers) > 1 {
		out = zerolog.MultiLevelWriter(writers...)
	}

	zl := zerolog.New(out).Level(level).With().Timestamp().Logger()
	return &zerologAdapter{logger: zl}, closeFn, nil
}

// NewNop returns a logger that discards everything. Used in tests.
func NewNop() log.Logger {
	zl := zerolog.New(io.Discard)
	return &zerologAdapter{logger: zl}
}
