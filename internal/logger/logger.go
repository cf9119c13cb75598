package logger

import (
	"time"

	"github.com/TheZeroSlave/zapsentry"
	"github.com/getsentry/sentry-go"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const sentryFlushTimeout = 2 * time.Second

// Config holds logger configuration.
type Config struct {
	Level     string
	SentryDSN string
	Tags      map[string]string
}

// New builds a production zap logger. When SentryDSN is set, error-level
// entries are also sent to Sentry. The returned func flushes both sinks.
func New(cfg Config) (*zap.Logger, func(), error) {
	zapCfg := zap.NewProductionConfig()
	zapCfg.Level = zap.NewAtomicLevel()
	level := cfg.Level
	if level == "" {
		level = "info"
	}
	if err := zapCfg.Level.UnmarshalText([]byte(level)); err != nil {
		return nil, nil, err
	}

	zapCfg.EncoderConfig.TimeKey = "ts"
	zapCfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	base, err := zapCfg.Build()
	if err != nil {
		return nil, nil, err
	}

	if cfg.SentryDSN == "" {
		return base, func() { _ = base.Sync() }, nil
	}

	client, err := sentry.NewClient(sentry.ClientOptions{Dsn: cfg.SentryDSN})
	if err != nil {
		return nil, nil, err
	}

	core, err := zapsentry.NewCore(zapsentry.Configuration{
		Level:             zapcore.ErrorLevel,
		EnableBreadcrumbs: true,
		BreadcrumbLevel:   zapcore.InfoLevel,
		Tags:              cfg.Tags,
	}, zapsentry.NewSentryClientFromClient(client))
	if err != nil {
		return nil, nil, err
	}

	log := zapsentry.AttachCoreToLogger(core, base)
	flush := func() {
		_ = log.Sync()
		client.Flush(sentryFlushTimeout)
	}
	return log, flush, nil
}
