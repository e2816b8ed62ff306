// Package config assembles the node's runtime configuration: environment
// variables decoded with envdecode (with an optional local .env file loaded
// by godotenv, the way the teacher's pkg/config.Load does), and the on-disk
// chain registry (chains.yaml) loaded separately since it is structured data,
// not scalar settings.
package config

import (
	"fmt"
	"path/filepath"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
)

// EnvConfig holds every scalar setting the node needs, one field per
// subsystem's knob, decoded from the process environment.
type EnvConfig struct {
	LogLevel  string `env:"WAVS_LOG_LEVEL,default=info"`
	LogFormat string `env:"WAVS_LOG_FORMAT,default=json"`

	// DataDir holds the three bbolt files (blobs, kv, registry); see
	// BlobStorePath/KVStorePath/RegistryPath.
	DataDir string `env:"WAVS_DATA_DIR,default=./data"`

	AdminListenAddr      string `env:"WAVS_ADMIN_ADDR,default=:8000"`
	AggregatorListenAddr string `env:"WAVS_AGGREGATOR_ADDR,default=:8001"`
	MetricsListenAddr    string `env:"WAVS_METRICS_ADDR,default=:9090"`

	ChainsFile string `env:"WAVS_CHAINS_FILE,default=chains.yaml"`

	// SignerMnemonic seeds the HD signer (C7); required, since a node with
	// no signing identity cannot submit anything.
	SignerMnemonic   string `env:"WAVS_SIGNER_MNEMONIC,required"`
	SignerPassphrase string `env:"WAVS_SIGNER_PASSPHRASE"`

	DispatcherWorkers     int   `env:"WAVS_DISPATCHER_WORKERS,default=1"`
	EngineModuleCacheCap  int   `env:"WAVS_ENGINE_MODULE_CACHE_CAP,default=64"`
	AggregatorRetryBudget int   `env:"WAVS_AGGREGATOR_RETRY_BUDGET,default=5"`
	UploadMaxBytes        int64 `env:"WAVS_UPLOAD_MAX_BYTES,default=67108864"`
}

// Load loads an optional .env file (missing is not an error, mirroring
// local-dev convenience across the pack) and decodes the process environment
// into an EnvConfig.
func Load() (*EnvConfig, error) {
	_ = godotenv.Load()

	var cfg EnvConfig
	if err := envdecode.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode env: %w", err)
	}
	return &cfg, nil
}

func (c *EnvConfig) BlobStorePath() string { return filepath.Join(c.DataDir, "blobs.db") }
func (c *EnvConfig) KVStorePath() string   { return filepath.Join(c.DataDir, "kv.db") }
func (c *EnvConfig) RegistryPath() string  { return filepath.Join(c.DataDir, "registry.db") }

// Redacted returns a copy of the settings safe to publish over GET /config:
// the signer mnemonic/passphrase are never echoed back.
func (c *EnvConfig) Redacted() map[string]interface{} {
	return map[string]interface{}{
		"log_level":               c.LogLevel,
		"log_format":              c.LogFormat,
		"data_dir":                c.DataDir,
		"admin_listen_addr":       c.AdminListenAddr,
		"aggregator_listen_addr":  c.AggregatorListenAddr,
		"metrics_listen_addr":     c.MetricsListenAddr,
		"chains_file":             c.ChainsFile,
		"signer_configured":       c.SignerMnemonic != "",
		"dispatcher_workers":      c.DispatcherWorkers,
		"engine_module_cache_cap": c.EngineModuleCacheCap,
		"aggregator_retry_budget": c.AggregatorRetryBudget,
		"upload_max_bytes":        c.UploadMaxBytes,
	}
}
