package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/mstgnz/nativepay/handler"
	"github.com/mstgnz/nativepay/infra/config"
	"github.com/mstgnz/nativepay/infra/journal"
	"github.com/mstgnz/nativepay/infra/logger"
	"github.com/mstgnz/nativepay/infra/metrics"
	"github.com/mstgnz/nativepay/infra/middle"
	"github.com/mstgnz/nativepay/infra/opensearch"
	"github.com/mstgnz/nativepay/infra/validate"
	"github.com/mstgnz/nativepay/provider"
	"github.com/mstgnz/nativepay/provider/wechatpay"
	"github.com/mstgnz/nativepay/router"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	// .env is optional; real deployments use the environment.
	if err := godotenv.Load(".env"); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "load .env: %v\n", err)
		os.Exit(1)
	}

	cfg := config.GetAppConfig()
	validate.CustomValidate()

	var (
		osClient *opensearch.Client
		osLogger *opensearch.Logger
	)
	if cfg.EnableLogging {
		client, err := opensearch.NewClient(cfg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "opensearch disabled: %v\n", err)
		} else {
			osClient = client
			osLogger = opensearch.NewLogger(client)
		}
	}

	if osLogger != nil {
		logger.InitGlobalLogger(osLogger)
	} else {
		logger.InitGlobalLogger(nil)
	}
	defer logger.Flush()

	merchant, err := config.LoadMerchantConfig()
	if err != nil {
		logger.Fatal("Merchant configuration is invalid", err)
	}
	keys, err := wechatpay.NewKeyStore(merchant.Credentials())
	if err != nil {
		logger.Fatal("Merchant keys could not be loaded", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var (
		callLoggers provider.CallLoggers
		deps        []handler.Dependency
		history     handler.OrderHistory
		eventSink   handler.EventSink
		observer    handler.WebhookObserver
		collector   *metrics.Collector
		stats       = map[string]handler.StatsFunc{}
	)

	if osLogger != nil {
		callLoggers = append(callLoggers, osLogger)
		deps = append(deps, handler.Dependency{Name: "opensearch", Pinger: osClient})
	}

	if cfg.EnableJournal {
		j, err := openJournal(ctx, cfg)
		if err != nil {
			logger.Fatal("Journal could not be opened", err)
		}
		defer j.Close()

		callLoggers = append(callLoggers, j)
		deps = append(deps, handler.Dependency{Name: "journal", Pinger: j, Critical: true})
		history = j
		eventSink = handler.NewJournalSink(j)
		stats["journal"] = func(ctx context.Context) (any, error) { return j.Stats(ctx) }
	} else {
		eventSink = handler.EventSinkFunc(func(context.Context, *wechatpay.Notification) (bool, error) {
			return false, nil
		})
		if osLogger != nil {
			history = handler.NewSearchHistory(osLogger, wechatpay.ProviderName)
		}
	}

	if cfg.EnableMetrics {
		collector = metrics.NewCollector()
		callLoggers = append(callLoggers, collector)
		observer = collector
	}

	clientOpts := []wechatpay.Option{
		wechatpay.WithBaseURL(merchant.BaseURL),
		wechatpay.WithTimeout(merchant.Timeout),
		wechatpay.WithNotifyURL(merchant.NotifyURL),
		wechatpay.WithUserAgent("nativepay/" + version),
		wechatpay.WithCallLogger(callLoggers),
	}
	if cfg.QueryCacheTTL > 0 {
		cache := provider.NewCache[wechatpay.Transaction](cfg.QueryCacheSize, cfg.QueryCacheTTL)
		go sweepCache(ctx, cache, cfg.QueryCacheTTL)
		clientOpts = append(clientOpts, wechatpay.WithQueryCache(cache))
		stats["query_cache"] = func(context.Context) (any, error) { return cache.Stats(), nil }
	}

	client, err := wechatpay.NewClient(keys, clientOpts...)
	if err != nil {
		logger.Fatal("Gateway client could not be created", err)
	}

	notifier, err := wechatpay.NewNotifier(keys, wechatpay.WithMaxClockSkew(merchant.NotifyMaxSkew))
	if err != nil {
		logger.Fatal("Notification verifier could not be created", err)
	}

	health := handler.NewHealthHandler(version, cfg.Environment, wechatpay.ProviderName, keys.KeyIDs(), deps...)
	for name, fn := range stats {
		health.WithStats(name, fn)
	}

	r := router.New(router.Handlers{
		Payment: handler.NewPaymentHandler(client, history, config.App().Validator),
		Webhook: handler.NewWebhookHandler(notifier, eventSink, observer),
		Health:  health,
	}, router.Options{
		APIKey:            cfg.APIKey,
		AllowedOrigins:    cfg.AllowedOrigins,
		WebhookAllowedIPs: cfg.WebhookAllowedIPs,
		RateLimiter:       middle.NewRateLimiter(ctx, cfg.RateLimitPerMinute, cfg.RateLimitBurst),
		Metrics:           collector,
	})

	if cfg.APIKey == "" {
		logger.Warn("API_KEY is not set; the order API will refuse every request")
	}

	server := router.Server(":"+cfg.Port, r)
	serverErr := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	logger.Info("API is running", logger.LogContext{
		Provider: wechatpay.ProviderName,
		Fields: map[string]any{
			"port":        cfg.Port,
			"merchant_id": merchant.MerchantID,
			"key_ids":     keys.KeyIDs(),
			"journal":     cfg.EnableJournal,
			"opensearch":  osLogger != nil,
			"metrics":     collector != nil,
		},
	})

	select {
	case <-ctx.Done():
	case err := <-serverErr:
		if err != nil {
			logger.Error("HTTP server stopped", err)
		}
	}

	logger.Info("Shutting down gracefully")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Graceful shutdown failed", err)
	}
}

// openJournal opens the SQLite journal and drops entries past the retention window.
func openJournal(ctx context.Context, cfg *config.AppConfig) (*journal.Journal, error) {
	if dir := filepath.Dir(cfg.JournalPath); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("journal dir: %w", err)
		}
	}

	j, err := journal.Open(cfg.JournalPath)
	if err != nil {
		return nil, err
	}

	if cfg.LogRetentionDays > 0 {
		cutoff := time.Now().AddDate(0, 0, -cfg.LogRetentionDays)
		removed, err := j.Prune(ctx, cutoff)
		if err != nil {
			logger.Warn("Journal prune failed", logger.LogContext{Fields: map[string]any{"error": err.Error()}})
		} else if removed > 0 {
			logger.Info("Journal pruned", logger.LogContext{Fields: map[string]any{"removed": removed, "before": cutoff}})
		}
	}
	return j, nil
}

func sweepCache(ctx context.Context, cache *provider.Cache[wechatpay.Transaction], every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cache.Cleanup()
		}
	}
}
