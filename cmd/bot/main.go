package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"wardenprime/internal/config"
	"wardenprime/internal/dictionary"
	"wardenprime/internal/discord"
	"wardenprime/internal/fetcher"
	"wardenprime/internal/metrics"
	"wardenprime/internal/model"
	"wardenprime/internal/notifier"
	"wardenprime/internal/scheduler"
	"wardenprime/internal/source"
	"wardenprime/internal/storage"
)

const newsInterval = 5 * time.Minute

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}

	log := newLogger(cfg.LogLevel)
	if err := run(cfg, log); err != nil {
		log.Error("bot failed", "error", err)
		os.Exit(1)
	}
	log.Info("bot stopped")
}

func run(cfg *config.Config, log *slog.Logger) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, err := openStore(cfg, log)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	dict := dictionary.New(cfg.DictionaryDir, log)
	if err := dict.Load(ctx); err != nil {
		return err
	}
	go reloadOnHangup(ctx, dict, log)

	reg := discord.NewRegistry(log)
	discord.NewNotify(store, log).Register(reg)

	client, err := discord.NewClient(ctx, cfg.DiscordToken, reg, log)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		client.Close(closeCtx)
	}()

	// Bot users share their ID with the application.
	messenger := discord.NewMessenger(client.Rest, client.ApplicationID)

	ncfg := notifier.DefaultConfig()
	ncfg.PingThreshold = cfg.PingThreshold
	ncfg.StaleMessageTTL = cfg.StaleMessageTTL
	dispatcher := notifier.New(store, messenger, log, ncfg)

	services, err := buildServices(cfg, store, dispatcher, dict, log)
	if err != nil {
		return err
	}

	sup := scheduler.NewSupervisor(services, scheduler.NewTaskRunner(store, messenger, log), cfg.WatchdogInterval, log)
	collector := metrics.New()
	sup.SetMetrics(collector)

	if cfg.MetricsAddr != "" {
		srv := &http.Server{Addr: cfg.MetricsAddr, Handler: metricsMux(collector), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			log.Info("serving metrics", "addr", cfg.MetricsAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("metrics server", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	if err := client.OpenGateway(ctx); err != nil {
		return err
	}
	if err := discord.SyncCommands(client, reg, cfg.GuildID, log); err != nil {
		log.Warn("sync commands", "error", err)
	}

	if err := sup.Start(ctx); err != nil {
		return err
	}
	log.Info("bot started", "services", serviceNames(sup.Services()), "storage", cfg.DatabaseDriver)

	<-ctx.Done()
	sup.Stop()
	return nil
}

func openStore(cfg *config.Config, log *slog.Logger) (storage.Storage, error) {
	dsn := cfg.DatabasePath
	if cfg.DatabaseDriver == storage.DriverPostgres {
		dsn = cfg.DatabaseURL
	} else if dir := filepath.Dir(dsn); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			log.Error("create data directory", "path", dir, "error", err)
			return nil, err
		}
	}
	return storage.Open(cfg.DatabaseDriver, dsn)
}

func buildServices(cfg *config.Config, store storage.Storage, d scheduler.Dispatcher, dict *dictionary.Resolver, log *slog.Logger) ([]*scheduler.Service, error) {
	fetch := fetcher.New(&http.Client{Timeout: 2 * cfg.FetchTimeout})
	fetch.SetTimeout(cfg.FetchTimeout)
	urls := source.URLs{
		WorldState:  cfg.WorldStateURL,
		Arbitration: cfg.ArbitrationURL,
		NewsFeed:    cfg.NewsFeedURL,
	}

	var services []*scheduler.Service
	for _, svc := range model.Services {
		if !cfg.ServiceEnabled(svc) {
			log.Info("service disabled", "service", svc)
			continue
		}
		src, err := source.New(svc, fetch, dict, urls)
		if err != nil {
			return nil, err
		}

		base := cfg.PollInterval
		if svc == model.ServiceNews && base < newsInterval {
			base = newsInterval
		}
		scfg := scheduler.DefaultConfig(base)
		scfg.MaxInterval = cfg.MaxPollInterval
		services = append(services, scheduler.NewService(src, store, d, log, scfg))
	}
	return services, nil
}

func serviceNames(services []*scheduler.Service) []string {
	names := make([]string, 0, len(services))
	for _, svc := range services {
		names = append(names, string(svc.Name()))
	}
	return names
}

func metricsMux(c *metrics.Collector) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	return mux
}

// reloadOnHangup re-reads the translation tables on SIGHUP.
func reloadOnHangup(ctx context.Context, dict *dictionary.Resolver, log *slog.Logger) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			if err := dict.Reload(ctx); err != nil {
				log.Error("reload dictionary", "error", err)
				continue
			}
			log.Info("dictionary reloaded")
		}
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
