// Package logging configures the process-wide logrus logger: level, format,
// optional rotating file output, and access-key masking.
package logging

import (
	"io"
	"os"

	log "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/claudecode-proxy/gateway/internal/config"
	"github.com/claudecode-proxy/gateway/internal/security"
)

// maskingFormatter wraps another formatter and scrubs raw access keys from
// the rendered output. Keys reach log statements only by accident, but an
// accident must not land plaintext credentials in a log file.
type maskingFormatter struct {
	inner log.Formatter
}

func (f *maskingFormatter) Format(entry *log.Entry) ([]byte, error) {
	rendered, errFormat := f.inner.Format(entry)
	if errFormat != nil {
		return nil, errFormat
	}
	return []byte(security.MaskKeys(string(rendered))), nil
}

// Setup applies cfg to the global logrus logger. An empty file path logs to
// stdout only; otherwise output goes to stdout and a size-rotated file.
func Setup(cfg config.LoggingConfig) error {
	level, errParse := log.ParseLevel(cfg.Level)
	if errParse != nil {
		return errParse
	}
	log.SetLevel(level)
	log.SetFormatter(&maskingFormatter{inner: &log.TextFormatter{FullTimestamp: true}})

	if cfg.File == "" {
		log.SetOutput(os.Stdout)
		return nil
	}

	rotating := &lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   cfg.Compress,
	}
	log.SetOutput(io.MultiWriter(os.Stdout, rotating))
	return nil
}
