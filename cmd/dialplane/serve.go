package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/dialplane/dialplane/internal/compliance"
	"github.com/dialplane/dialplane/internal/config"
	"github.com/dialplane/dialplane/internal/deadletter"
	"github.com/dialplane/dialplane/internal/fallback"
	"github.com/dialplane/dialplane/internal/gateway"
	"github.com/dialplane/dialplane/internal/guardrail"
	"github.com/dialplane/dialplane/internal/observability"
	"github.com/dialplane/dialplane/internal/telephony"
	"github.com/dialplane/dialplane/internal/translate"
)

func buildServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the call relay server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath(configPath))
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("validate config: %w", err)
			}
			return runServe(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
	return cmd
}

func runServe(ctx context.Context, cfg *config.Config) error {
	logger := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})

	tracer, shutdownTracing := observability.NewTracer(observability.TraceConfig{
		ServiceName:    "dialplane",
		ServiceVersion: version,
		Endpoint:       cfg.Tracing.Endpoint,
		SamplingRate:   cfg.Tracing.SamplingRate,
		Environment:    cfg.Tracing.Environment,
		EnableInsecure: cfg.Tracing.Insecure,
	})
	defer shutdownTracing(context.Background())

	provider, err := buildProvider(cfg)
	if err != nil {
		return err
	}

	letters, err := deadletter.NewSQLiteStore(cfg.DeadLetters.Path)
	if err != nil {
		return fmt.Errorf("open dead letter store: %w", err)
	}

	engine, err := buildFallbackEngine(cfg)
	if err != nil {
		return err
	}

	var translator translate.Translator = translate.Passthrough{}
	if cfg.Translate.Enabled {
		translator, err = translate.NewLLMTranslator(cfg.Translate.APIKey, cfg.Translate.Model)
		if err != nil {
			return fmt.Errorf("translator: %w", err)
		}
	}

	var gate compliance.Gate = compliance.AllowAll{}
	if len(cfg.Compliance.BlockedNumbers) > 0 || cfg.Compliance.QuietHoursStart != "" {
		gate = compliance.NewRuleGate(
			cfg.Compliance.BlockedNumbers,
			cfg.Compliance.QuietHoursStart,
			cfg.Compliance.QuietHoursEnd,
		)
	}

	promReg := prometheus.NewRegistry()
	server, err := gateway.NewServer(gateway.Options{
		Config:     cfg,
		Logger:     logger,
		Metrics:    observability.NewMetrics(promReg),
		Tracer:     tracer,
		PromReg:    promReg,
		Provider:   provider,
		Letters:    letters,
		Engine:     engine,
		Gate:       gate,
		Translator: translator,
		Filter:     guardrail.New(),
	})
	if err != nil {
		return fmt.Errorf("build server: %w", err)
	}

	if err := server.Start(ctx); err != nil {
		return err
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-stop:
		logger.Info(ctx, "shutting down", "signal", sig.String())
	case <-ctx.Done():
	}

	server.Stop(context.Background())
	return nil
}

func buildProvider(cfg *config.Config) (telephony.Provider, error) {
	switch telephony.ProviderName(cfg.Telephony.Provider) {
	case telephony.ProviderTwilio, "":
		return telephony.NewTwilioProvider(telephony.TwilioConfig{
			AccountSID: cfg.Telephony.AccountSID,
			AuthToken:  cfg.Telephony.AuthToken,
		})
	case telephony.ProviderMock:
		return telephony.NewMockProvider(), nil
	default:
		return nil, fmt.Errorf("unknown telephony provider %q", cfg.Telephony.Provider)
	}
}

func buildFallbackEngine(cfg *config.Config) (*fallback.Engine, error) {
	if !cfg.Fallback.Enabled {
		return nil, nil
	}
	var (
		generator fallback.Generator
		err       error
	)
	switch cfg.Fallback.Provider {
	case "anthropic":
		generator, err = fallback.NewAnthropicGenerator(cfg.Fallback.APIKey, cfg.Fallback.Model)
	case "openai", "":
		generator, err = fallback.NewOpenAIGenerator(cfg.Fallback.APIKey, cfg.Fallback.Model)
	default:
		return nil, fmt.Errorf("unknown fallback provider %q", cfg.Fallback.Provider)
	}
	if err != nil {
		return nil, fmt.Errorf("fallback generator: %w", err)
	}
	return fallback.New(generator, guardrail.New(), cfg.Fallback.Instructions), nil
}
