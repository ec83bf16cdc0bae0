// Package main is the entry point for the Elastic Email SMTP relay.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/shineum/elasticemail-relay/internal/config"
	"github.com/shineum/elasticemail-relay/internal/elasticemail"
	"github.com/shineum/elasticemail-relay/internal/health"
	"github.com/shineum/elasticemail-relay/internal/logger"
	"github.com/shineum/elasticemail-relay/internal/provider"
	"github.com/shineum/elasticemail-relay/internal/provider/ses"
	"github.com/shineum/elasticemail-relay/internal/provider/stdout"
	"github.com/shineum/elasticemail-relay/internal/smtp"
	relaytls "github.com/shineum/elasticemail-relay/internal/tls"
)

func main() {
	configPath := flag.String("config", "", "path to YAML configuration file (optional)")
	flag.Parse()

	if err := run(*configPath); err != nil {
		slog.Error("elasticemail-relay failed", "error", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	log, flush := logger.New(logger.Config{
		Level:             cfg.Logging.Level,
		SentryDSN:         cfg.Sentry.DSN,
		SentryEnvironment: cfg.Sentry.Environment,
	})
	defer flush()
	slog.SetDefault(log)

	tlsConfig, err := relaytls.LoadOrGenerate(cfg.TLS.CertFile, cfg.TLS.KeyFile, cfg.SMTP.Domain)
	if err != nil {
		return fmt.Errorf("failed to setup TLS: %w", err)
	}
	tlsMode := "self-signed"
	if cfg.TLS.CertFile != "" {
		tlsMode = "file"
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	prov, err := selectProvider(ctx, cfg)
	if err != nil {
		return err
	}

	server := smtp.New(smtp.ServerConfig{
		ListenAddr:        cfg.SMTP.Listen,
		Domain:            cfg.SMTP.Domain,
		Provider:          prov,
		TLSConfig:         tlsConfig,
		AuthUsername:      cfg.SMTP.Username,
		AuthPassword:      cfg.SMTP.Password,
		AllowInsecureAuth: cfg.SMTP.AllowInsecureAuth,
		MaxMessageBytes:   cfg.SMTP.MaxMessageSize,
		MaxRecipients:     cfg.SMTP.MaxRecipients,
	})

	slog.Info("starting elasticemail-relay",
		"listen", cfg.SMTP.Listen,
		"provider", identity(prov),
		"auth_enabled", cfg.AuthEnabled(),
		"tls_mode", tlsMode,
	)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.ListenAndServe(ctx)
	})
	if cfg.Health.Listen != "" {
		probes := health.NewServer(cfg.Health.Listen, identity(prov),
			health.WithCheck("smtp", health.ListenerCheck(server.Addr)),
		)
		g.Go(func() error {
			return probes.ListenAndServe(ctx)
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	slog.Info("elasticemail-relay stopped")
	return nil
}

// loadConfig loads configuration from the specified path (YAML + env override)
// or from environment variables only if no path is given.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFromFile(path)
	}
	return config.Load()
}

// selectProvider builds the delivery backend named by cfg.Provider.
// Validate has already checked the provider's required settings.
func selectProvider(ctx context.Context, cfg *config.Config) (provider.Provider, error) {
	switch cfg.Provider {
	case config.ProviderElasticEmail:
		p, err := elasticemail.NewTransport(cfg.Mailer.DSN)
		if err != nil {
			return nil, fmt.Errorf("failed to create Elastic Email transport: %w", err)
		}
		return p, nil

	case config.ProviderSES:
		slog.Info("using AWS SES provider",
			"region", cfg.SES.Region,
			"sender", cfg.SES.Sender,
		)
		p, err := ses.New(ctx, ses.SESProviderConfig{
			Region:          cfg.SES.Region,
			AccessKeyID:     cfg.SES.AccessKeyID,
			SecretAccessKey: cfg.SES.SecretAccessKey,
			Sender:          cfg.SES.Sender,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create SES provider: %w", err)
		}
		return p, nil

	case config.ProviderStdout:
		slog.Info("using stdout provider")
		return stdout.New(stdout.WithPayload()), nil

	default:
		return nil, fmt.Errorf("unknown provider %q", cfg.Provider)
	}
}

// identity prefers a transport's descriptor over its short name.
func identity(p provider.Provider) string {
	if s, ok := p.(fmt.Stringer); ok {
		return s.String()
	}
	return p.Name()
}
