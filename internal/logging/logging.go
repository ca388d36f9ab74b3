// Package logging builds the prefixed loggers every component takes.
package logging

import (
	"io"
	"log"
	"os"
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/mschirtzinger/offlinesync/internal/config"
)

// Factory hands out loggers sharing one output.
type Factory struct {
	out    io.Writer
	closer io.Closer
	flags  int
}

// New creates a Factory for cfg. With cfg.File set the output rotates through
// lumberjack. Relative file names are resolved against dataDir.
func New(cfg config.LogConfig, dataDir string) *Factory {
	if cfg.Quiet {
		return &Factory{out: io.Discard, flags: log.LstdFlags}
	}
	if cfg.File == "" {
		return &Factory{out: os.Stderr, flags: log.LstdFlags}
	}

	path := cfg.File
	if !filepath.IsAbs(path) && dataDir != "" {
		path = filepath.Join(dataDir, path)
	}
	rotator := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   cfg.Compress,
	}
	return &Factory{out: rotator, closer: rotator, flags: log.LstdFlags | log.Lmicroseconds}
}

// Logger returns a logger prefixed with "[component] ".
func (f *Factory) Logger(component string) *log.Logger {
	return log.New(f.out, "["+component+"] ", f.flags)
}

// Writer exposes the shared output.
func (f *Factory) Writer() io.Writer {
	return f.out
}

// Close closes the rotating file, if any.
func (f *Factory) Close() error {
	if f.closer == nil {
		return nil
	}
	return f.closer.Close()
}
