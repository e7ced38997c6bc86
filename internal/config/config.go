// Package config resolves clipvecd's on-disk configuration: a single
// ~/.clipvec/config.yaml overlaid with VECCLIP_-prefixed environment
// variables, following the teacher's viper+yaml layering.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

const (
	// DefaultDataDirName is the directory name under the user's home
	// directory where clipvecd stores its data.
	DefaultDataDirName = ".clipvec"
	// DefaultHistoryDBFile is the default history database filename.
	DefaultHistoryDBFile = "history.db"
	// DefaultEmbeddingsDBFile is the default embedding store filename.
	DefaultEmbeddingsDBFile = "embeddings.db"
	// DefaultModelDirName is the subdirectory holding the model artifact
	// and its tokenizer.
	DefaultModelDirName = "model"
	// DefaultConfigFile is the default config filename.
	DefaultConfigFile = "config.yaml"
)

// SemanticConfig holds the tunables named in spec.md §6.
type SemanticConfig struct {
	// Enabled gates the whole subsystem; false short-circuits Search.
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
	// Threshold is the minimum cosine score returned by search.
	Threshold float32 `mapstructure:"threshold" yaml:"threshold"`
	// Capacity bounds how many vectors C3 keeps resident.
	Capacity int `mapstructure:"capacity" yaml:"capacity"`
}

// ServerConfig holds command-surface bind settings.
type ServerConfig struct {
	// HTTPHost/HTTPPort bind internal/httpapi's chi router.
	HTTPHost string `mapstructure:"http_host" yaml:"http_host"`
	HTTPPort int    `mapstructure:"http_port" yaml:"http_port"`
	// RPCEnabled starts the line-delimited JSON-RPC server over stdio.
	RPCEnabled bool `mapstructure:"rpc_enabled" yaml:"rpc_enabled"`
}

// Config holds the full application configuration.
type Config struct {
	// DataDir is the directory where clipvecd stores its databases and
	// model artifact.
	DataDir string `mapstructure:"data_dir" yaml:"data_dir,omitempty"`
	// HistoryDBPath is the path to the clipboard history SQLite database.
	HistoryDBPath string `mapstructure:"history_db_path" yaml:"history_db_path,omitempty"`
	// EmbeddingsDBPath is the path to the durable embedding store.
	EmbeddingsDBPath string `mapstructure:"embeddings_db_path" yaml:"embeddings_db_path,omitempty"`
	// ModelDir is the directory holding the model artifact + tokenizer.
	ModelDir string `mapstructure:"model_dir" yaml:"model_dir,omitempty"`

	Semantic SemanticConfig `mapstructure:"semantic" yaml:"semantic,omitempty"`
	Server   ServerConfig   `mapstructure:"server" yaml:"server,omitempty"`
}

// DefaultConfig returns the built-in defaults, matching the constants fixed
// in spec.md §6 and DESIGN.md's Open Questions resolution.
func DefaultConfig() *Config {
	dataDir := defaultDataDir()
	return &Config{
		DataDir:          dataDir,
		HistoryDBPath:    filepath.Join(dataDir, DefaultHistoryDBFile),
		EmbeddingsDBPath: filepath.Join(dataDir, DefaultEmbeddingsDBFile),
		ModelDir:         filepath.Join(dataDir, DefaultModelDirName),
		Semantic: SemanticConfig{
			Enabled:   true,
			Threshold: 0.2,
			Capacity:  50000,
		},
		Server: ServerConfig{
			HTTPHost:   "127.0.0.1",
			HTTPPort:   8991,
			RPCEnabled: true,
		},
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return DefaultDataDirName
	}
	return filepath.Join(home, DefaultDataDirName)
}

// Load reads ~/.clipvec/config.yaml (if present), overlays VECCLIP_-prefixed
// environment variables, and returns the resolved configuration. A missing
// config file is not an error; defaults apply.
func Load() (*Config, error) {
	cfg := DefaultConfig()

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(defaultDataDir())

	v.SetEnvPrefix("VECCLIP")
	v.AutomaticEnv()

	_ = v.BindEnv("data_dir", "VECCLIP_DATA_DIR")
	_ = v.BindEnv("semantic.enabled", "VECCLIP_SEMANTIC_ENABLED")
	_ = v.BindEnv("semantic.threshold", "VECCLIP_SEMANTIC_THRESHOLD")
	_ = v.BindEnv("semantic.capacity", "VECCLIP_SEMANTIC_CAPACITY")
	_ = v.BindEnv("server.http_host", "VECCLIP_HTTP_HOST")
	_ = v.BindEnv("server.http_port", "VECCLIP_HTTP_PORT")
	_ = v.BindEnv("server.rpc_enabled", "VECCLIP_RPC_ENABLED")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("config: read %s: %w", filepath.Join(defaultDataDir(), DefaultConfigFile), err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}

	if !filepath.IsAbs(cfg.DataDir) {
		cfg.DataDir = filepath.Join(defaultDataDir(), cfg.DataDir)
	}
	if !filepath.IsAbs(cfg.HistoryDBPath) {
		cfg.HistoryDBPath = filepath.Join(cfg.DataDir, filepath.Base(cfg.HistoryDBPath))
	}
	if !filepath.IsAbs(cfg.EmbeddingsDBPath) {
		cfg.EmbeddingsDBPath = filepath.Join(cfg.DataDir, filepath.Base(cfg.EmbeddingsDBPath))
	}
	if !filepath.IsAbs(cfg.ModelDir) {
		cfg.ModelDir = filepath.Join(cfg.DataDir, filepath.Base(cfg.ModelDir))
	}

	return cfg, nil
}

// EnsureDataDir creates DataDir and ModelDir if they don't exist.
func (c *Config) EnsureDataDir() error {
	if err := os.MkdirAll(c.DataDir, 0755); err != nil {
		return fmt.Errorf("config: create data dir: %w", err)
	}
	if err := os.MkdirAll(c.ModelDir, 0755); err != nil {
		return fmt.Errorf("config: create model dir: %w", err)
	}
	return nil
}

// WriteDefaultConfig writes the default config file to DataDir, without
// overwriting an existing one.
func (c *Config) WriteDefaultConfig() error {
	configPath := filepath.Join(c.DataDir, DefaultConfigFile)
	if _, err := os.Stat(configPath); err == nil {
		return nil
	}

	v := viper.New()
	v.Set("data_dir", c.DataDir)
	v.Set("history_db_path", c.HistoryDBPath)
	v.Set("embeddings_db_path", c.EmbeddingsDBPath)
	v.Set("model_dir", c.ModelDir)
	v.Set("semantic.enabled", c.Semantic.Enabled)
	v.Set("semantic.threshold", c.Semantic.Threshold)
	v.Set("semantic.capacity", c.Semantic.Capacity)
	v.Set("server.http_host", c.Server.HTTPHost)
	v.Set("server.http_port", c.Server.HTTPPort)
	v.Set("server.rpc_enabled", c.Server.RPCEnabled)

	return v.WriteConfigAs(configPath)
}
