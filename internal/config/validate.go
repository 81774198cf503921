package config

import (
	"fmt"
	"slices"
	"strings"
)

// validate checks a loaded Config for values the proxy cannot run with.
func validate(cfg *Config) error {
	if len(cfg.Backends) == 0 {
		return fmt.Errorf("config: at least one backend is required")
	}
	for i, be := range cfg.Backends {
		if strings.TrimSpace(be.URL) == "" {
			return fmt.Errorf("config: backend %d has no url", i)
		}
		if be.NSlots < 1 {
			return fmt.Errorf("config: backend %d (%s) must expose at least one slot, got %d", i, be.URL, be.NSlots)
		}
	}

	if cfg.WordsPerBlock < 1 {
		return fmt.Errorf("config: words_per_block must be positive, got %d", cfg.WordsPerBlock)
	}
	if cfg.BigThresholdWords < 0 {
		return fmt.Errorf("config: big_threshold_words must not be negative, got %d", cfg.BigThresholdWords)
	}
	if cfg.LCPThreshold <= 0 || cfg.LCPThreshold > 1 {
		return fmt.Errorf("config: lcp_th must be in (0, 1], got %g", cfg.LCPThreshold)
	}

	if cfg.MetaDir == "" {
		return fmt.Errorf("config: meta_dir must not be empty")
	}

	if cfg.RequestTimeout < 1 {
		return fmt.Errorf("config: request_timeout must be positive, got %d", cfg.RequestTimeout)
	}
	if cfg.AcquireTimeout < 1 {
		return fmt.Errorf("config: acquire_timeout must be positive, got %d", cfg.AcquireTimeout)
	}
	if cfg.SlotOpTimeout < 1 {
		return fmt.Errorf("config: slot_op_timeout must be positive, got %d", cfg.SlotOpTimeout)
	}

	if cfg.Port < 1 || cfg.Port > 65535 {
		return fmt.Errorf("config: port must be in 1..65535, got %d", cfg.Port)
	}

	if cfg.LogLevel != "" && !slices.Contains(ValidLogLevels, strings.ToLower(cfg.LogLevel)) {
		return fmt.Errorf("config: invalid log_level %q (valid: %s)", cfg.LogLevel, strings.Join(ValidLogLevels, ", "))
	}

	return nil
}
