package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"tokenvault/observability/logging"
	telemetry "tokenvault/observability/otel"
	"tokenvault/services/vaultd/config"
	"tokenvault/services/vaultd/pricer"
	"tokenvault/services/vaultd/server"
	"tokenvault/services/vaultd/storage"
	"tokenvault/vault"
)

// eventLogger mirrors engine events into the structured log.
type eventLogger struct {
	logger *slog.Logger
}

func (l eventLogger) Emit(event vault.Event) {
	attrs := make([]any, 0, len(event.Attributes)*2)
	for key, value := range event.Attributes {
		attrs = append(attrs, key, value)
	}
	l.logger.Info(event.Type, attrs...)
}

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "services/vaultd/config.yaml", "path to vaultd configuration file")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("VAULT_ENV"))

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("vaultd: load config: %v", err)
	}

	logger := logging.Setup("vaultd", env, logging.Options{
		FilePath:   cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
	})

	otlpEndpoint := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"))
	otlpHeaders := telemetry.ParseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS"))
	insecure := true
	if value := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_INSECURE")); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			insecure = parsed
		}
	}
	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.Config{
		ServiceName: "vaultd",
		Environment: env,
		Endpoint:    otlpEndpoint,
		Insecure:    insecure,
		Headers:     otlpHeaders,
		Metrics:     true,
		Traces:      true,
	})
	if err != nil {
		log.Fatalf("vaultd: init telemetry: %v", err)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	store, err := storage.Open(cfg.DatabasePath)
	if err != nil {
		log.Fatalf("vaultd: open storage: %v", err)
	}
	defer store.Close()

	engine, err := vault.NewEngine(store, vault.Params{
		SwapFeeBps:      cfg.Fees.SwapBps,
		FlashLoanFeeBps: cfg.Fees.FlashLoanBps,
	})
	if err != nil {
		log.Fatalf("vaultd: engine: %v", err)
	}
	engine.SetEmitter(eventLogger{logger: logger})

	if err := engine.Restore(store); err != nil {
		log.Fatalf("vaultd: restore snapshot: %v", err)
	}
	if err := store.EachPricer(func(id vault.PoolID, name string) error {
		bound, err := pricer.ByName(name)
		if err != nil {
			return err
		}
		return engine.BindPricer(id, bound)
	}); err != nil {
		log.Fatalf("vaultd: rebind pricers: %v", err)
	}

	tokens := make(map[string]vault.Address, len(cfg.Auth.Tokens))
	for _, binding := range cfg.Auth.Tokens {
		addr, err := vault.ParseAddress(binding.Address)
		if err != nil {
			log.Fatalf("vaultd: auth token: %v", err)
		}
		tokens[strings.TrimSpace(binding.Token)] = addr
	}
	admins := make(map[vault.Address]bool, len(cfg.Admins))
	for _, admin := range cfg.Admins {
		addr, err := vault.ParseAddress(admin)
		if err != nil {
			log.Fatalf("vaultd: admin address: %v", err)
		}
		admins[addr] = true
	}

	srv, err := server.New(server.Config{
		ListenAddress: cfg.ListenAddress,
		Engine:        engine,
		Store:         store,
		Logger:        logger,
		Tokens:        tokens,
		Admins:        admins,
	})
	if err != nil {
		log.Fatalf("vaultd: server: %v", err)
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("vaultd listening", "address", cfg.ListenAddress)
	if err := srv.Run(rootCtx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("http server error", "error", err)
		os.Exit(1)
	}
}
