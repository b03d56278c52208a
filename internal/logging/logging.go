// Package logging wires the process logger: a rotated file under the
// storage log directory, optionally echoed to stderr for local invocations.
package logging

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/borggate/borggate/internal/config"
	"github.com/borggate/borggate/internal/fsutil"
)

// Setup builds the process logger. The returned lumberjack writer is handed
// to the maintenance sweep so it can force a rotation.
func Setup(cfg *config.Config, echo bool) (*logrus.Logger, *lumberjack.Logger, error) {
	if err := fsutil.EnsureDir(cfg.LogDir, 0700); err != nil {
		return nil, nil, err
	}
	rotated := &lumberjack.Logger{
		Filename:   cfg.LogFile(),
		MaxSize:    20, // megabytes
		MaxBackups: 5,
		MaxAge:     cfg.LogRetentionDays,
		Compress:   true,
	}

	log := logrus.New()
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	log.SetLevel(level)
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if echo {
		log.SetOutput(io.MultiWriter(rotated, os.Stderr))
	} else {
		log.SetOutput(rotated)
	}
	return log, rotated, nil
}
