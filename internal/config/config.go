package config

import (
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config represents the global ~/.amigo/config.toml.
type Config struct {
	DefaultSession string `toml:"default_session"`
	Chain          Chain  `toml:"chain"`
	Pin            Pin    `toml:"pin"`
	Daemon         Daemon `toml:"daemon"`
}

// Chain holds the RPC endpoints and contract binding for a session.
type Chain struct {
	HTTPURL  string `toml:"http_url"`
	WSURL    string `toml:"ws_url"` // optional; without it live events fall back to backfill polling
	Contract string `toml:"contract"`
	ChainID  int64  `toml:"chain_id"`
	KeyFile  string `toml:"key_file"` // hex-encoded private key, 0600

	// PrivateKey is the hex key itself, only ever set from the
	// environment. It never round-trips through the config file.
	PrivateKey string `toml:"-"`
}

// Pin holds pinning-service (Pinata) endpoints and credentials. Credentials
// normally arrive via the environment, not the config file.
type Pin struct {
	Endpoint  string `toml:"endpoint"`
	Gateway   string `toml:"gateway"`
	JWT       string `toml:"jwt"`
	APIKey    string `toml:"api_key"`
	APISecret string `toml:"api_secret"`
}

// Daemon holds local daemon tunables.
type Daemon struct {
	BackfillIntervalSecs int `toml:"backfill_interval_secs"`
	PageSize             int `toml:"page_size"`
}

// Default returns a config with sane defaults applied.
func Default() *Config {
	return &Config{
		Pin: Pin{
			Endpoint: "https://api.pinata.cloud",
			Gateway:  "https://gateway.pinata.cloud",
		},
		Daemon: Daemon{
			BackfillIntervalSecs: 30,
			PageSize:             100,
		},
	}
}

// Load reads config from the given path and applies defaults for unset
// tunables. Returns an error if the file is missing or malformed.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	if cfg.Daemon.BackfillIntervalSecs <= 0 {
		cfg.Daemon.BackfillIntervalSecs = 30
	}
	if cfg.Daemon.PageSize <= 0 {
		cfg.Daemon.PageSize = 100
	}
	return cfg, nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}

// ApplyEnv overlays secrets and endpoints from the environment. The cmd
// layer loads .env first (godotenv), so both real env vars and .env entries
// land here. Env values win over the file: secrets should not live in toml.
func (c *Config) ApplyEnv() {
	overlay := map[string]*string{
		"AMIGO_RPC_HTTP":      &c.Chain.HTTPURL,
		"AMIGO_RPC_WS":        &c.Chain.WSURL,
		"AMIGO_CONTRACT":      &c.Chain.Contract,
		"AMIGO_KEY_FILE":      &c.Chain.KeyFile,
		"AMIGO_PRIVATE_KEY":   &c.Chain.PrivateKey,
		"AMIGO_PINATA_JWT":    &c.Pin.JWT,
		"AMIGO_PINATA_KEY":    &c.Pin.APIKey,
		"AMIGO_PINATA_SECRET": &c.Pin.APISecret,
	}
	for name, dst := range overlay {
		if v := os.Getenv(name); v != "" {
			*dst = v
		}
	}
}
