package logx

import (
	"context"
	"io"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"
)

type ctxKey string

const (
	CtxKeyJobID     ctxKey = "job"
	CtxKeyRequestID ctxKey = "req"
)

// Config via env or code
type Config struct {
	Service        string `ignored:"true"`                               // "server" or "localtest"
	Level          string `envconfig:"LOG_LEVEL" default:"info"`         // debug|info|warn|error
	Format         string `envconfig:"LOG_FORMAT" default:"json"`        // json|console
	FilePath       string `envconfig:"LOG_FILE" default:""`              // "" = disabled
	FileMaxSizeMB  int    `envconfig:"LOG_FILE_MAX_SIZE" default:"50"`   // rotate at ~MB
	FileMaxBackups int    `envconfig:"LOG_FILE_MAX_BACKUPS" default:"3"` // keep N old logs
	FileMaxAgeDays int    `envconfig:"LOG_FILE_MAX_AGE" default:"7"`     // keep #days
	FileCompress   bool   `envconfig:"LOG_FILE_COMPRESS" default:"true"` // gzip old logs
	SampleEveryN   int    `envconfig:"LOG_SAMPLE_EVERY" default:"0"`     // >0 enables BasicSampler
}

// FromEnv builds the config from environment with sane defaults.
func FromEnv(service string) Config {
	var c Config
	if err := envconfig.Process("", &c); err != nil {
		c = Config{Level: "info", Format: "json", FileMaxSizeMB: 50, FileMaxBackups: 3, FileMaxAgeDays: 7, FileCompress: true}
	}
	c.Service = service
	c.Level = strings.ToLower(c.Level)
	c.Format = strings.ToLower(c.Format)
	return c
}

// Setup configures zerolog global `log` and returns the logger instance.
func Setup(c Config) zerolog.Logger {
	return SetupWriter(c, os.Stdout)
}

// SetupWriter is Setup with an explicit primary sink.
func SetupWriter(c Config, out io.Writer) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339
	lvl, err := zerolog.ParseLevel(c.Level)
	if err != nil || c.Level == "" {
		lvl = zerolog.InfoLevel
	}

	// Writers: stdout (+ optional console formatting) and optional rotating file
	var writers []io.Writer
	if c.Format == "console" {
		writers = append(writers, zerolog.ConsoleWriter{
			Out:        out,
			TimeFormat: time.RFC3339,
		})
	} else {
		writers = append(writers, out)
	}
	if c.FilePath != "" {
		writers = append(writers, &lumberjack.Logger{
			Filename:   c.FilePath,
			MaxSize:    c.FileMaxSizeMB,
			MaxBackups: c.FileMaxBackups,
			MaxAge:     c.FileMaxAgeDays,
			Compress:   c.FileCompress,
		})
	}
	multi := io.MultiWriter(writers...)

	logger := zerolog.New(multi).Level(lvl).With().
		Timestamp().
		Str("svc", c.Service).
		Logger()

	if c.SampleEveryN > 0 {
		logger = logger.Sample(&zerolog.BasicSampler{N: uint32(c.SampleEveryN)})
	}

	log.Logger = logger
	return logger
}

// WithJob stores the job id for FromCtx.
func WithJob(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, CtxKeyJobID, id)
}

// WithRequest stores the HTTP request id for FromCtx.
func WithRequest(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, CtxKeyRequestID, id)
}

// FromCtx attaches standard fields (if present) to the global logger.
func FromCtx(ctx context.Context) zerolog.Logger {
	l := log.Logger
	if ctx == nil {
		return l
	}
	if v, ok := ctx.Value(CtxKeyJobID).(string); ok && v != "" {
		l = l.With().Str("job", v).Logger()
	}
	if v, ok := ctx.Value(CtxKeyRequestID).(string); ok && v != "" {
		l = l.With().Str("req", v).Logger()
	}
	return l
}
