package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/viper"
)

// Backend describes one inference server exposing a fixed number of KV slots.
type Backend struct {
	URL       string `mapstructure:"url"         toml:"url"         json:"url"`
	NSlots    int    `mapstructure:"n_slots"     toml:"n_slots"     json:"n_slots"`
	APIKeyRef string `mapstructure:"api_key_ref" toml:"api_key_ref" json:"api_key_ref,omitempty"`
}

// Config is the top-level configuration for the proxy. It is loaded once at
// startup and treated as immutable afterwards; the slot pool, meta store and
// handler all receive it explicitly.
type Config struct {
	Backends          []Backend `mapstructure:"backends"            toml:"backends"`
	WordsPerBlock     int       `mapstructure:"words_per_block"     toml:"words_per_block"`
	BigThresholdWords int       `mapstructure:"big_threshold_words" toml:"big_threshold_words"`
	LCPThreshold      float64   `mapstructure:"lcp_th"              toml:"lcp_th"`
	MetaDir           string    `mapstructure:"meta_dir"            toml:"meta_dir"`
	RequestTimeout    int       `mapstructure:"request_timeout"     toml:"request_timeout"`
	AcquireTimeout    int       `mapstructure:"acquire_timeout"     toml:"acquire_timeout"`
	SlotOpTimeout     int       `mapstructure:"slot_op_timeout"     toml:"slot_op_timeout"`
	ModelID           string    `mapstructure:"model_id"            toml:"model_id"`
	Port              int       `mapstructure:"port"                toml:"port"`
	LogLevel          string    `mapstructure:"log_level"           toml:"log_level"`
	DataDir           string    `mapstructure:"data_dir"            toml:"data_dir"`
	MaxBodySize       int64     `mapstructure:"max_body_size"       toml:"max_body_size"`
}

// RequestTimeoutDuration returns the backend chat timeout as a time.Duration.
func (c *Config) RequestTimeoutDuration() time.Duration {
	return time.Duration(c.RequestTimeout) * time.Second
}

// AcquireTimeoutDuration returns the slot acquisition bound as a time.Duration.
func (c *Config) AcquireTimeoutDuration() time.Duration {
	return time.Duration(c.AcquireTimeout) * time.Second
}

// SlotOpTimeoutDuration returns the save/restore RPC ceiling as a time.Duration.
func (c *Config) SlotOpTimeoutDuration() time.Duration {
	return time.Duration(c.SlotOpTimeout) * time.Second
}

// TotalSlots returns the size of the global slot pool.
func (c *Config) TotalSlots() int {
	total := 0
	for _, be := range c.Backends {
		total += be.NSlots
	}
	return total
}

// SlotCounts returns the per-backend slot counts in configuration order.
func (c *Config) SlotCounts() []int {
	counts := make([]int, len(c.Backends))
	for i, be := range c.Backends {
		counts[i] = be.NSlots
	}
	return counts
}

// Load reads configuration with the following precedence:
//  1. Environment variables (BACKENDS, LLAMA_URL, N_SLOTS, WORDS_PER_BLOCK,
//     BIG_THRESHOLD_WORDS, LCP_TH, META_DIR, REQUEST_TIMEOUT, ACQUIRE_TIMEOUT,
//     SLOT_OP_TIMEOUT, MODEL_ID, PORT, LOG_LEVEL, DATA_DIR, MAX_BODY_SIZE)
//  2. The file at explicitPath if non-empty
//  3. ./proxycache.toml
//  4. Built-in defaults
//
// BACKENDS is a JSON array of {url, n_slots} objects; when absent the
// LLAMA_URL + N_SLOTS fallback pair describes a single backend.
func Load(explicitPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("toml")

	setViperDefaults(v)

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if explicitPath != "" {
		v.SetConfigFile(explicitPath)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("proxycache")
	}

	if err := v.ReadInConfig(); err != nil {
		// No config file is fine; defaults + env still apply. A file that
		// exists but fails to parse is not.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	cfg := DefaultConfig()
	cfg.Backends = nil
	if err := v.Unmarshal(cfg, viper.DecodeHook(
		mapstructure.ComposeDecodeHookFunc(
			stringToBackendsHookFunc(),
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
	)); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}

	// Fallback pair when no BACKENDS array was given.
	if len(cfg.Backends) == 0 {
		url := v.GetString("llama_url")
		if url == "" {
			url = DefaultLlamaURL
		}
		nSlots := v.GetInt("n_slots")
		if nSlots <= 0 {
			nSlots = DefaultNSlots
		}
		cfg.Backends = []Backend{{URL: url, NSlots: nSlots}}
	}

	cfg.DataDir = expandHome(cfg.DataDir)
	cfg.MetaDir = resolveMetaDir(cfg.MetaDir)

	if err := validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// stringToBackendsHookFunc decodes a JSON-encoded BACKENDS value (as delivered
// through the environment) into the []Backend field.
func stringToBackendsHookFunc() mapstructure.DecodeHookFunc {
	return func(f reflect.Type, t reflect.Type, data interface{}) (interface{}, error) {
		if f.Kind() != reflect.String || t != reflect.TypeOf([]Backend(nil)) {
			return data, nil
		}
		raw := strings.TrimSpace(data.(string))
		if raw == "" {
			return []Backend(nil), nil
		}
		var backends []Backend
		if err := json.Unmarshal([]byte(raw), &backends); err != nil {
			return nil, fmt.Errorf("parsing BACKENDS: %w", err)
		}
		return backends, nil
	}
}

// InitConfig writes the default configuration file to ./proxycache.toml.
// If the file already exists it is not overwritten.
func InitConfig() error {
	path := DefaultConfigFilename
	if _, err := os.Stat(path); err == nil {
		fmt.Printf("Config already exists: %s\n", path)
		return nil
	}

	cfg := DefaultConfig()
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshalling default config: %w", err)
	}

	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}

	fmt.Printf("Config written to %s\n", path)
	return nil
}

// setViperDefaults registers every known key with viper so that env var
// binding works for all fields even when no config file is present.
func setViperDefaults(v *viper.Viper) {
	d := DefaultConfig()

	v.SetDefault("backends", "")
	v.SetDefault("llama_url", "")
	v.SetDefault("n_slots", 0)
	v.SetDefault("words_per_block", d.WordsPerBlock)
	v.SetDefault("big_threshold_words", d.BigThresholdWords)
	v.SetDefault("lcp_th", d.LCPThreshold)
	v.SetDefault("meta_dir", d.MetaDir)
	v.SetDefault("request_timeout", d.RequestTimeout)
	v.SetDefault("acquire_timeout", d.AcquireTimeout)
	v.SetDefault("slot_op_timeout", d.SlotOpTimeout)
	v.SetDefault("model_id", d.ModelID)
	v.SetDefault("port", d.Port)
	v.SetDefault("log_level", d.LogLevel)
	v.SetDefault("data_dir", d.DataDir)
	v.SetDefault("max_body_size", d.MaxBodySize)
}

// resolveMetaDir resolves a relative meta dir against the working directory.
func resolveMetaDir(dir string) string {
	dir = expandHome(dir)
	if filepath.IsAbs(dir) {
		return dir
	}
	cwd, err := os.Getwd()
	if err != nil {
		return dir
	}
	return filepath.Join(cwd, dir)
}

// expandHome replaces a leading ~ with the user's home directory.
func expandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}
