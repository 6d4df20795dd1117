// Command parley-tail signs in to a parley backend, restores or selects a
// workspace, opens one channel feed, and prints messages as the local
// feed reconciles snapshot and live events.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/parleyhq/parley/internal/cache"
	"github.com/parleyhq/parley/internal/chat"
	"github.com/parleyhq/parley/internal/feed"
	"github.com/parleyhq/parley/internal/metrics"
	"github.com/parleyhq/parley/internal/remotestore"
	"github.com/parleyhq/parley/internal/session"
	"github.com/parleyhq/parley/internal/workspace"
)

func main() {
	baseURL := flag.String("base-url", envOrDefault("PARLEY_BASE_URL", "http://127.0.0.1:8080"), "remote store base URL")
	apiKey := flag.String("api-key", strings.TrimSpace(os.Getenv("PARLEY_API_KEY")), "remote store API key")
	email := flag.String("email", strings.TrimSpace(os.Getenv("PARLEY_EMAIL")), "account email")
	password := flag.String("password", strings.TrimSpace(os.Getenv("PARLEY_PASSWORD")), "account password")
	channelID := flag.String("channel", strings.TrimSpace(os.Getenv("PARLEY_CHANNEL")), "channel ID to tail")
	workspaceID := flag.String("workspace", strings.TrimSpace(os.Getenv("PARLEY_WORKSPACE")), "workspace ID to select")
	workspaceName := flag.String("workspace-name", strings.TrimSpace(os.Getenv("PARLEY_WORKSPACE_NAME")), "workspace display name")
	cacheDSN := flag.String("cache", envOrDefault("PARLEY_CACHE", "memory:"), "durable cache DSN (file:/path, memory:, postgres://...)")
	timeout := flag.Duration("timeout", durationEnv("PARLEY_TIMEOUT", 15*time.Second), "per-call timeout")
	metricsAddr := flag.String("metrics-addr", strings.TrimSpace(os.Getenv("PARLEY_METRICS_ADDR")), "optional address to serve /metrics on")
	flag.Parse()

	if strings.TrimSpace(*channelID) == "" {
		log.Fatalf("channel is required (--channel or PARLEY_CHANNEL)")
	}

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	backend, err := cache.BuildBackendFromDSN(*cacheDSN)
	if err != nil {
		logger.Fatal("failed to open durable cache", zap.Error(err))
	}
	defer func() { _ = backend.Close() }()
	durable := cache.New(backend, logger)

	registry := prometheus.NewRegistry()
	collector := metrics.NewCollector(registry)
	if *metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		go func() {
			if serveErr := http.ListenAndServe(*metricsAddr, mux); serveErr != nil {
				logger.Warn("metrics endpoint stopped", zap.Error(serveErr))
			}
		}()
	}

	client := remotestore.NewHTTPClient(*baseURL, remotestore.HTTPClientOptions{
		APIKey:     *apiKey,
		HTTPClient: &http.Client{Timeout: *timeout},
		Logger:     logger,
	})
	client.SetStreamObserver(collector)

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sessions := session.New(client, durable, session.Options{
		Logger:      logger,
		Metrics:     collector,
		AuthTimeout: *timeout,
	})
	defer sessions.Close()

	if err := sessions.Bootstrap(rootCtx); err != nil {
		logger.Warn("session bootstrap incomplete", zap.Error(err))
	}

	if sessions.Session() == nil {
		if *email == "" || *password == "" {
			logger.Fatal("not signed in and no credentials given (--email/--password)")
		}
		if err := sessions.Login(rootCtx, *email, *password); err != nil {
			logger.Fatal("login failed", zap.Error(err))
		}
	}

	selector := workspace.New(sessions, durable, logger)
	defer selector.Close()
	if *workspaceID != "" {
		selector.Select(chat.Workspace{ID: *workspaceID, Name: *workspaceName})
	}
	if ws := selector.ActiveWorkspace(); ws != nil {
		logger.Info("workspace active", zap.String("workspace_id", ws.ID), zap.String("name", ws.Name))
	} else {
		logger.Info("no workspace selected, tailing anyway")
	}

	subscriber := feed.NewSubscriber(client, logger)
	reconciler := feed.NewReconciler(client, subscriber, logger, collector)
	defer reconciler.Close()

	printer := newFeedPrinter(os.Stdout)
	printFeed := func() {
		msgs, feedErr := reconciler.Feed(rootCtx, *channelID)
		if feedErr != nil {
			return
		}
		printer.print(msgs)
	}

	unsubscribe, err := reconciler.Subscribe(rootCtx, *channelID, printFeed)
	if err != nil {
		logger.Fatal("failed to open channel feed", zap.Error(err))
	}
	defer unsubscribe()
	printFeed()

	<-rootCtx.Done()
	logger.Info("parley-tail stopping", zap.Error(rootCtx.Err()))
}

// feedPrinter emits each message once, keyed by id. Reconciliation can
// splice messages into the middle of the feed, so a printed count is not
// enough to find what is new.
type feedPrinter struct {
	out  io.Writer
	seen map[string]struct{}
}

func newFeedPrinter(out io.Writer) *feedPrinter {
	return &feedPrinter{out: out, seen: map[string]struct{}{}}
}

func (p *feedPrinter) print(msgs []chat.Message) {
	for _, msg := range msgs {
		if _, ok := p.seen[msg.ID]; ok {
			continue
		}
		p.seen[msg.ID] = struct{}{}
		author := msg.AuthorName
		if author == "" {
			author = msg.AuthorID
		}
		fmt.Fprintf(p.out, "%s  %-20s %s\n", msg.CreatedAt.Local().Format(time.RFC3339), author, msg.Content)
	}
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}
