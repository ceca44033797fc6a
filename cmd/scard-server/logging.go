package main

import (
	"io"
	"os"

	"scard/pkg/config"

	log "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// setupLogging configures the standard logger. The returned closer releases
// the log file, if any.
func setupLogging(cfg config.LogConfig, debug bool) (io.Closer, error) {
	level, err := log.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	if debug {
		level = log.DebugLevel
	}
	log.SetLevel(level)
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})

	if cfg.File == "" {
		log.SetOutput(os.Stderr)
		return io.NopCloser(nil), nil
	}

	file := &lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		Compress:   true,
	}
	log.SetOutput(io.MultiWriter(os.Stderr, file))
	return file, nil
}
