package config

import (
	"os"
	"strings"
	"testing"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
}

func validConfig() *Config {
	cfg := DefaultConfig()
	return cfg
}

func TestValidate_AcceptsDefaults(t *testing.T) {
	if err := validate(validConfig()); err != nil {
		t.Errorf("defaults must validate: %v", err)
	}
}

func TestValidate_Rejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"no backends", func(c *Config) { c.Backends = nil }, "at least one backend"},
		{"empty url", func(c *Config) { c.Backends[0].URL = "  " }, "no url"},
		{"zero slots", func(c *Config) { c.Backends[0].NSlots = 0 }, "at least one slot"},
		{"zero wpb", func(c *Config) { c.WordsPerBlock = 0 }, "words_per_block"},
		{"negative threshold", func(c *Config) { c.BigThresholdWords = -1 }, "big_threshold_words"},
		{"lcp zero", func(c *Config) { c.LCPThreshold = 0 }, "lcp_th"},
		{"lcp above one", func(c *Config) { c.LCPThreshold = 1.5 }, "lcp_th"},
		{"empty meta dir", func(c *Config) { c.MetaDir = "" }, "meta_dir"},
		{"zero request timeout", func(c *Config) { c.RequestTimeout = 0 }, "request_timeout"},
		{"zero acquire timeout", func(c *Config) { c.AcquireTimeout = 0 }, "acquire_timeout"},
		{"bad port", func(c *Config) { c.Port = 70000 }, "port"},
		{"bad log level", func(c *Config) { c.LogLevel = "loud" }, "log_level"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(cfg)
			err := validate(cfg)
			if err == nil {
				t.Fatal("expected a validation error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Errorf("error %q does not mention %q", err, tc.want)
			}
		})
	}
}
