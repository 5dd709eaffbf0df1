package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

const (
	SignerNative   = "native"
	SignerKeygen   = "ssh-keygen"
	DefaultKeyID   = "checkpoint_ed25519"
	DefaultCadence = 10
)

type Config struct {
	Port    int    `env:"WITNESS_PORT"     envDefault:"9010"`
	DataDir string `env:"WITNESS_DATA_DIR" envDefault:"./data"`

	// Cadence is the number of events between windowed checkpoints.
	Cadence            int           `env:"WITNESS_CHECKPOINT_CADENCE" envDefault:"10"`
	FreshnessThreshold time.Duration `env:"WITNESS_FRESHNESS_THRESHOLD" envDefault:"24h"`

	Signer             string        `env:"WITNESS_SIGNER"              envDefault:"native"`
	SignerBinary       string        `env:"WITNESS_SSH_KEYGEN"          envDefault:"ssh-keygen"`
	KeyPath            string        `env:"WITNESS_SIGNING_KEY"`
	KeyID              string        `env:"WITNESS_KEY_ID"              envDefault:"checkpoint_ed25519"`
	Namespace          string        `env:"WITNESS_NAMESPACE"           envDefault:"witness-checkpoint"`
	AllowedSigners     string        `env:"WITNESS_ALLOWED_SIGNERS"`
	AllowedPrincipals  []string      `env:"WITNESS_ALLOWED_PRINCIPALS"  envSeparator:","`
	SignTimeout        time.Duration `env:"WITNESS_SIGN_TIMEOUT"        envDefault:"10s"`

	SharedSecret string        `env:"WITNESS_SHARED_SECRET"`
	WriteTimeout time.Duration `env:"WITNESS_WRITE_TIMEOUT" envDefault:"15s"`
	ReadTimeout  time.Duration `env:"WITNESS_READ_TIMEOUT"  envDefault:"5s"`

	HistoryDB    string `env:"WITNESS_HISTORY_DB"`
	PolicyFile   string `env:"WITNESS_POLICY_FILE"`
	OTLPEndpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	ServiceName  string `env:"OTEL_SERVICE_NAME" envDefault:"witness-service"`
}

// ParseEnv loads configuration from environment variables.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Load reads the environment and fills in derived paths.
func Load() (Config, error) {
	var cfg Config
	if err := ParseEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Finalize(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Finalize derives unset paths from DataDir and validates the result. Call
// it again after overriding fields parsed from the environment.
func (c *Config) Finalize() error {
	c.normalize()
	return c.Validate()
}

func (c *Config) normalize() {
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
	if c.Cadence <= 0 {
		c.Cadence = DefaultCadence
	}
	if c.KeyID == "" {
		c.KeyID = DefaultKeyID
	}
	c.Signer = strings.ToLower(strings.TrimSpace(c.Signer))
	if c.KeyPath == "" {
		c.KeyPath = filepath.Join(c.DataDir, "witness", "keys", c.KeyID)
	}
	if c.AllowedSigners == "" {
		c.AllowedSigners = filepath.Join(c.DataDir, "witness", "keys", "allowed_signers")
	}
	if len(c.AllowedPrincipals) == 0 {
		c.AllowedPrincipals = []string{c.KeyID}
	}
	if c.HistoryDB == "" {
		c.HistoryDB = filepath.Join(c.DataDir, "witness", "history.db")
	}
}

func (c Config) Validate() error {
	switch c.Signer {
	case SignerNative, SignerKeygen:
	default:
		return fmt.Errorf("invalid WITNESS_SIGNER=%q", c.Signer)
	}
	if c.FreshnessThreshold <= 0 {
		return fmt.Errorf("invalid WITNESS_FRESHNESS_THRESHOLD=%s", c.FreshnessThreshold)
	}
	if c.Namespace == "" {
		return fmt.Errorf("WITNESS_NAMESPACE must not be empty")
	}
	return nil
}

// Exitf writes a formatted error message to stderr and exits with code 1.
func Exitf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
