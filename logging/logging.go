// Package logging builds the process logger from config.Log.
package logging

import (
	"fmt"
	"io"
	"mini-overlay/config"
	"os"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// New returns a logger writing to every configured writer, plus a closer for
// the rotated file when one is open. stderr stands in for "console" when out
// is nil.
func New(cfg config.Log, out io.Writer) (zerolog.Logger, io.Closer, error) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		return zerolog.Nop(), nil, fmt.Errorf("logging: %w", err)
	}
	if out == nil {
		out = os.Stderr
	}

	var (
		writers []io.Writer
		closer  io.Closer = nopCloser{}
	)
	for _, w := range cfg.Writer {
		switch w {
		case "console":
			if cfg.Format == "json" {
				writers = append(writers, out)
			} else {
				writers = append(writers, zerolog.ConsoleWriter{Out: out, TimeFormat: time.DateTime})
			}
		case "file":
			if cfg.File.Path == "" {
				return zerolog.Nop(), nil, fmt.Errorf("logging: file writer without a path")
			}
			lj := &lumberjack.Logger{
				Filename:   cfg.File.Path,
				MaxSize:    cfg.File.MaxSize,
				MaxBackups: cfg.File.MaxBackups,
				MaxAge:     cfg.File.MaxAge,
				Compress:   cfg.File.Compress,
			}
			// Files always get JSON lines.
			writers = append(writers, lj)
			closer = lj
		default:
			return zerolog.Nop(), nil, fmt.Errorf("logging: unknown writer %q", w)
		}
	}
	if len(writers) == 0 {
		return zerolog.Nop(), closer, nil
	}

	var w io.Writer = writers[0]
	if len(writers) > 1 {
		w = zerolog.MultiLevelWriter(writers...)
	}
	return zerolog.New(w).Level(level).With().Timestamp().Logger(), closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
