// Command smtp2go-relay accepts mail over SMTP and delivers it through the
// SMTP2GO HTTP API, or through SES or stdout when configured.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/shineum/smtp2go-relay/internal/config"
	"github.com/shineum/smtp2go-relay/internal/provider"
	"github.com/shineum/smtp2go-relay/internal/provider/ses"
	"github.com/shineum/smtp2go-relay/internal/provider/smtp2go"
	"github.com/shineum/smtp2go-relay/internal/provider/stdout"
	"github.com/shineum/smtp2go-relay/internal/smtp"
	relaytls "github.com/shineum/smtp2go-relay/internal/tls"
)

func main() {
	configPath := flag.String("config", "", "path to YAML configuration file (optional)")
	maxConns := flag.Int("max-connections", 100, "maximum concurrent SMTP sessions (0 = unlimited)")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if err := run(ctx, *configPath, *maxConns); err != nil {
		slog.Error("smtp2go-relay failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath string, maxConns int) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	setupLogger(cfg.Logging.Level)

	if err := cfg.Validate(); err != nil {
		return err
	}

	registry, err := newRegistry()
	if err != nil {
		return err
	}

	name, auto := cfg.ResolvedProvider()
	prov, err := registry.Open(ctx, name, cfg.ProviderSettings(name))
	if err != nil {
		return err
	}
	slog.Info("using provider", "provider", prov.Name(), "auto_detected", auto)

	tlsConfig, err := relaytls.LoadOrGenerate(cfg.TLS.CertFile, cfg.TLS.KeyFile, cfg.SMTP.Hostname)
	if err != nil {
		return fmt.Errorf("failed to setup TLS: %w", err)
	}

	server := smtp.New(smtp.ServerConfig{
		ListenAddr:     cfg.SMTP.Listen,
		Hostname:       cfg.SMTP.Hostname,
		Provider:       prov,
		TLSConfig:      tlsConfig,
		AuthUsername:   cfg.SMTP.Username,
		AuthPassword:   cfg.SMTP.Password,
		MaxMessageSize: cfg.SMTP.MaxMessageSize,
		MaxConnections: maxConns,
	})

	slog.Info("starting smtp2go-relay",
		"listen", cfg.SMTP.Listen,
		"hostname", cfg.SMTP.Hostname,
		"auth_enabled", cfg.AuthEnabled(),
	)

	if err := server.ListenAndServe(ctx); err != nil {
		return fmt.Errorf("server error: %w", err)
	}

	slog.Info("smtp2go-relay stopped")
	return nil
}

// newRegistry registers every built-in transport.
func newRegistry() (*provider.Registry, error) {
	r := provider.NewRegistry()
	for name, factory := range map[string]provider.Factory{
		smtp2go.Scheme: smtp2go.Factory,
		ses.Scheme:     ses.Factory,
		stdout.Scheme:  stdout.Factory,
	} {
		if err := r.Register(name, factory); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// loadConfig loads configuration from the specified path (YAML + env override)
// or from environment variables only if no path is given.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFromFile(path)
	}
	return config.Load()
}

// setupLogger installs a JSON slog handler at the given level.
func setupLogger(level string) {
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLevel(level),
	})
	slog.SetDefault(slog.New(handler))
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
