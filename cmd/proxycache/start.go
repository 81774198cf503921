package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/neshat73/proxycache/internal/backend"
	"github.com/neshat73/proxycache/internal/config"
	"github.com/neshat73/proxycache/internal/meta"
	"github.com/neshat73/proxycache/internal/metrics"
	"github.com/neshat73/proxycache/internal/proxy"
	"github.com/neshat73/proxycache/internal/slot"
	"github.com/neshat73/proxycache/internal/store"
	"github.com/neshat73/proxycache/internal/tokenizer"
	"github.com/neshat73/proxycache/internal/vault"
	"github.com/neshat73/proxycache/internal/version"
)

func cmdStart(args []string) {
	configPath := ""
	noStore := false
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config":
			if i+1 < len(args) {
				i++
				configPath = args[i]
			}
		case "--no-store":
			noStore = true
		default:
			fmt.Fprintf(os.Stderr, "unknown option: %s\n", args[i])
			os.Exit(1)
		}
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "loading config: %v\n", err)
		os.Exit(1)
	}

	if err := run(cfg, noStore); err != nil {
		log.Error().Err(err).Msg("proxycache exited with error")
		os.Exit(1)
	}
}

// run wires every subsystem, starts the HTTP server, and blocks until a
// shutdown signal arrives.
func run(cfg *config.Config, noStore bool) error {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("creating data directory %s: %w", cfg.DataDir, err)
	}

	zerolog.SetGlobalLevel(parseLogLevel(cfg.LogLevel))

	logPath := filepath.Join(cfg.DataDir, "proxycache.log")
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("opening log file %s: %w", logPath, err)
	}
	defer logFile.Close()

	consoleWriter := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: "15:04:05",
	}
	multi := zerolog.MultiLevelWriter(io.Writer(logFile), consoleWriter)
	log.Logger = zerolog.New(multi).With().Timestamp().Str("service", "proxycache").Logger()

	log.Info().
		Str("version", version.Version).
		Int("n_backends", len(cfg.Backends)).
		Int("total_slots", cfg.TotalSlots()).
		Int("port", cfg.Port).
		Msg("proxycache starting")

	metaStore, err := meta.Open(cfg.MetaDir, log.Logger)
	if err != nil {
		return fmt.Errorf("opening meta store: %w", err)
	}
	defer metaStore.Close()
	log.Info().Str("meta_dir", cfg.MetaDir).Msg("meta store opened")

	var st *store.Store
	if !noStore {
		dbPath := filepath.Join(cfg.DataDir, "proxycache.db")
		st, err = store.Open(dbPath)
		if err != nil {
			return fmt.Errorf("opening request log: %w", err)
		}
		defer st.Close()
		log.Info().Str("db_path", dbPath).Msg("request log opened")
	}

	v := vault.New()
	clients := make([]*backend.Client, len(cfg.Backends))
	slotClients := make([]slot.Client, len(cfg.Backends))
	for i, be := range cfg.Backends {
		apiKey, err := v.ResolveKeyRef(be.APIKeyRef)
		if err != nil {
			return fmt.Errorf("resolving api key for backend %s: %w", be.URL, err)
		}
		c := backend.New(be.URL, cfg.RequestTimeoutDuration(), cfg.SlotOpTimeoutDuration(), apiKey, log.Logger)
		clients[i] = c
		slotClients[i] = c
	}

	slots := slot.NewManager(cfg.SlotCounts(), slotClients, log.Logger)
	collector := metrics.NewCollector()
	tok := tokenizer.New()

	handler := proxy.NewHandler(cfg, clients, slots, metaStore, log.Logger, collector, st, tok)
	srv := proxy.NewServer(handler, collector, fmt.Sprintf(":%d", cfg.Port))

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("proxy server: %w", err)
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	log.Info().Msg("proxycache stopped")
	return nil
}

func parseLogLevel(level string) zerolog.Level {
	switch strings.ToLower(level) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "fatal":
		return zerolog.FatalLevel
	default:
		return zerolog.InfoLevel
	}
}
