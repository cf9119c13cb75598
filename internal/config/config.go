package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// ErrConfiguration marks missing or malformed startup configuration.
var ErrConfiguration = errors.New("configuration error")

// Watch modes.
const (
	ModePoll      = "poll"
	ModeSubscribe = "subscribe"
)

// Config holds configuration values loaded from flags, env, .env or config file.
type Config struct {
	RPCURL          string
	PrivateKey      string
	VaultAddress    string
	OracleAddress   string
	Mode            string
	FromBlock       uint64
	ToBlock         uint64
	Confirmations   uint64
	BatchSize       uint64
	PollInterval    time.Duration
	ConfirmTimeout  time.Duration
	ReceiptInterval time.Duration
	QueueSize       int
	Checkpoint      string
	CheckpointOn    bool
	PGDSN           string
	Out             string
	MaxRetries      int
	RetryBackoff    time.Duration
	LogLevel        string
	SentryDSN       string
	MetricsAddr     string
}

// envAliases binds the conventional variable names used by the deploy scripts.
var envAliases = map[string][]string{
	"rpc":            {"ATLAS_RPC", "RPC_URL"},
	"private-key":    {"ATLAS_PRIVATE_KEY", "PRIVATE_KEY"},
	"vault-address":  {"ATLAS_VAULT_ADDRESS", "ADLV_ADDRESS"},
	"oracle-address": {"ATLAS_ORACLE_ADDRESS", "CVS_ORACLE_ADDRESS"},
}

// Load merges config file, environment variables, .env and flags into Config.
func Load(cfgFile string, flags *pflag.FlagSet) (Config, error) {
	if err := loadEnvFile(flags); err != nil {
		return Config{}, err
	}

	v := viper.New()
	v.SetEnvPrefix("ATLAS")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	for key, names := range envAliases {
		if err := v.BindEnv(append([]string{key}, names...)...); err != nil {
			return Config{}, fmt.Errorf("bind env %s: %w", key, err)
		}
	}

	v.SetDefault("mode", ModePoll)
	v.SetDefault("batch-size", uint64(2000))
	v.SetDefault("poll-interval", 12*time.Second)
	v.SetDefault("confirm-timeout", 60*time.Second)
	v.SetDefault("receipt-interval", 2*time.Second)
	v.SetDefault("queue-size", 16)
	v.SetDefault("checkpoint", "./data/checkpoint.json")
	v.SetDefault("checkpoint-enabled", true)
	v.SetDefault("out", "./data/cvs_updates.jsonl")
	v.SetDefault("max-retries", 5)
	v.SetDefault("retry-backoff", 500*time.Millisecond)
	v.SetDefault("log-level", "info")

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return Config{}, fmt.Errorf("bind flags: %w", err)
		}
	}

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		}
	}

	cfg := Config{
		RPCURL:          v.GetString("rpc"),
		PrivateKey:      v.GetString("private-key"),
		VaultAddress:    v.GetString("vault-address"),
		OracleAddress:   v.GetString("oracle-address"),
		Mode:            strings.ToLower(strings.TrimSpace(v.GetString("mode"))),
		FromBlock:       v.GetUint64("from"),
		ToBlock:         v.GetUint64("to"),
		Confirmations:   v.GetUint64("confirmations"),
		BatchSize:       v.GetUint64("batch-size"),
		PollInterval:    v.GetDuration("poll-interval"),
		ConfirmTimeout:  v.GetDuration("confirm-timeout"),
		ReceiptInterval: v.GetDuration("receipt-interval"),
		QueueSize:       v.GetInt("queue-size"),
		Checkpoint:      v.GetString("checkpoint"),
		CheckpointOn:    v.GetBool("checkpoint-enabled"),
		PGDSN:           v.GetString("pg-dsn"),
		Out:             v.GetString("out"),
		MaxRetries:      v.GetInt("max-retries"),
		RetryBackoff:    v.GetDuration("retry-backoff"),
		LogLevel:        v.GetString("log-level"),
		SentryDSN:       v.GetString("sentry-dsn"),
		MetricsAddr:     v.GetString("metrics-addr"),
	}

	return cfg, nil
}

// loadEnvFile loads the --env-file (default .env) into the process environment.
// Variables already set take precedence. A missing default file is ignored.
func loadEnvFile(flags *pflag.FlagSet) error {
	path := ".env"
	explicit := false
	if flags != nil {
		if f := flags.Lookup("env-file"); f != nil {
			path = f.Value.String()
			explicit = f.Changed
		}
	}
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) && !explicit {
			return nil
		}
		return fmt.Errorf("%w: env file %s: %v", ErrConfiguration, path, err)
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("%w: load env file %s: %v", ErrConfiguration, path, err)
	}
	return nil
}

// RequireReader checks the settings needed to read CVS values.
func (c Config) RequireReader() error {
	var missing []string
	if c.RPCURL == "" {
		missing = append(missing, "rpc")
	}
	if c.OracleAddress == "" {
		missing = append(missing, "oracle-address")
	}
	return missingErr(missing)
}

// RequireWriter checks the settings needed to submit CVS updates.
func (c Config) RequireWriter() error {
	if err := c.RequireReader(); err != nil {
		return err
	}
	if c.PrivateKey == "" {
		return missingErr([]string{"private-key"})
	}
	return nil
}

// RequireWatch checks the settings needed to run the pipeline.
func (c Config) RequireWatch() error {
	var missing []string
	if c.PrivateKey == "" {
		missing = append(missing, "private-key")
	}
	if c.RPCURL == "" {
		missing = append(missing, "rpc")
	}
	if c.VaultAddress == "" {
		missing = append(missing, "vault-address")
	}
	if c.OracleAddress == "" {
		missing = append(missing, "oracle-address")
	}
	if err := missingErr(missing); err != nil {
		return err
	}

	if c.BatchSize == 0 {
		return fmt.Errorf("%w: batch-size must be greater than zero", ErrConfiguration)
	}
	switch c.Mode {
	case ModePoll:
		if c.PollInterval <= 0 {
			return fmt.Errorf("%w: poll-interval must be positive", ErrConfiguration)
		}
	case ModeSubscribe:
		if c.ToBlock > 0 {
			return fmt.Errorf("%w: to is only supported in poll mode", ErrConfiguration)
		}
	default:
		return fmt.Errorf("%w: unknown mode %q", ErrConfiguration, c.Mode)
	}
	if c.ToBlock > 0 && c.FromBlock == 0 {
		return fmt.Errorf("%w: to requires from; a replay cannot start at the head", ErrConfiguration)
	}
	if c.ToBlock > 0 && c.ToBlock < c.FromBlock {
		return fmt.Errorf("%w: to block must be >= from block", ErrConfiguration)
	}
	return nil
}

func missingErr(missing []string) error {
	if len(missing) == 0 {
		return nil
	}
	return fmt.Errorf("%w: missing %s", ErrConfiguration, strings.Join(missing, ", "))
}
