// Package logging configures the process-wide zerolog logger.
package logging

import (
	"io"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/rs/zerolog/pkgerrors"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

// Init configures the global logger. When interactive is true a
// human-readable console writer is added alongside the rotated log file;
// daemonized runs get the rotated file only.
func Init(logDir string, verbose, interactive bool) error {
	if err := os.MkdirAll(logDir, 0o750); err != nil {
		return err
	}

	writers := []io.Writer{&lumberjack.Logger{
		Filename:   filepath.Join(logDir, "bksd.log"),
		MaxSize:    10,
		MaxBackups: 3,
	}}

	if interactive {
		writers = append(writers, zerolog.ConsoleWriter{Out: os.Stderr})
	}

	zerolog.ErrorStackMarshaler = pkgerrors.MarshalStack

	log.Logger = log.Output(io.MultiWriter(writers...)).
		With().Timestamp().Caller().Logger()

	if verbose {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	return nil
}
