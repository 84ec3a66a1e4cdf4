package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"tickstream/internal/config"
	"tickstream/internal/decode"
	"tickstream/internal/exchange"
	"tickstream/internal/logger"
	"tickstream/internal/pipeline"
	"tickstream/internal/relay"
	"tickstream/internal/storage"
	"tickstream/internal/supervisor"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the ingestion pipeline",
	Long: `Connects to every configured exchange, streams ticker and trade
events into PostgreSQL, and serves Prometheus metrics. Runs until
interrupted; a clean shutdown drains in-flight batches first.`,
	RunE: runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log := logger.WithComponent("run")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.Open(ctx, cfg.Database.URL)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer store.Close()

	if err := store.Migrate(ctx); err != nil {
		return err
	}

	sink := storage.WithRetry(store, storage.RetryPolicy{
		MaxAttempts: cfg.Commit.MaxAttempts,
		Backoff:     cfg.Commit.Backoff,
	})

	var forwarder *relay.Forwarder
	if cfg.RelayEnabled() {
		forwarder, err = relay.New(cfg.Relay.Brokers, cfg.Relay.Topic)
		if err != nil {
			return fmt.Errorf("init relay: %w", err)
		}
		defer forwarder.Close()
		log.Info().Strs("brokers", cfg.Relay.Brokers).Str("topic", cfg.Relay.Topic).Msg("relay enabled")
	}

	srv := startMetricsServer(cfg.MetricsAddr, store)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	feeds := make([]*supervisor.Feed, 0, len(cfg.Exchanges))
	for _, name := range cfg.Exchanges {
		feed, err := buildFeed(name, cfg, sink, forwarder)
		if err != nil {
			return err
		}
		feeds = append(feeds, feed)
	}

	errs := make(chan error, len(feeds))
	var wg sync.WaitGroup
	for _, feed := range feeds {
		wg.Add(1)
		go func(f *supervisor.Feed) {
			defer wg.Done()
			if err := f.Run(ctx); err != nil {
				errs <- err
				stop() // one fatal feed brings the process down
			}
		}(feed)
	}

	wg.Wait()
	close(errs)

	var fatal []error
	for err := range errs {
		fatal = append(fatal, err)
	}
	if len(fatal) > 0 {
		return errors.Join(fatal...)
	}

	log.Info().Msg("all feeds closed cleanly")
	return nil
}

// buildFeed assembles the supervisor for one exchange.
func buildFeed(name string, cfg *config.Config, sink storage.Committer, forwarder *relay.Forwarder) (*supervisor.Feed, error) {
	opts := exchange.Options{
		DialTimeout:  cfg.Timeouts.Dial,
		IdleTimeout:  cfg.Timeouts.Idle,
		QueueCap:     cfg.Queue.Capacity,
		StallTimeout: cfg.Queue.StallTimeout,
	}

	var (
		symbols *decode.SymbolMap
		connect func(ctx context.Context) (exchange.Client, error)
	)
	switch name {
	case config.ExchangeBinance:
		symbols = decode.BinanceSymbols(cfg.Markets)
		connect = func(ctx context.Context) (exchange.Client, error) {
			c := exchange.NewBinance(cfg.Binance.StreamURL, symbols.WireSymbols(), opts)
			if err := c.Connect(ctx); err != nil {
				return nil, err
			}
			return c, nil
		}
	case config.ExchangeKucoin:
		symbols = decode.KucoinSymbols(cfg.Markets)
		connect = func(ctx context.Context) (exchange.Client, error) {
			c := exchange.NewKucoin(cfg.Kucoin.TokenURL, symbols.WireSymbols(), opts)
			if err := c.Connect(ctx); err != nil {
				return nil, err
			}
			return c, nil
		}
	default:
		return nil, fmt.Errorf("%w: %q", config.ErrInvalidExchange, name)
	}

	return supervisor.New(supervisor.Config{
		Exchange: name,
		Connect:  connect,
		NewDecoder: func(epoch uint64) (*decode.Decoder, error) {
			return decode.New(name, symbols, epoch)
		},
		Filters:      []pipeline.FilterFunc{pipeline.MarketAllowlist(cfg.Markets)},
		Sink:         sink,
		Forwarder:    forwarder,
		BatchSize:    cfg.Batch.Size,
		BatchWindow:  cfg.Batch.Window,
		QueueCap:     cfg.Queue.Capacity,
		Backoff:      supervisor.Backoff{Initial: cfg.Backoff.Initial, Cap: cfg.Backoff.Cap, Multiplier: cfg.Backoff.Multiplier},
		MaxRetries:   cfg.Backoff.MaxRetries,
		DrainTimeout: cfg.Timeouts.Drain,
	}), nil
}

// startMetricsServer serves /metrics and /healthz in the background.
func startMetricsServer(addr string, store *storage.Postgres) *http.Server {
	log := logger.WithComponent("metrics")

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := store.Ping(ctx); err != nil {
			http.Error(w, fmt.Sprintf("unhealthy: %v", err), http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"healthy","timestamp":"%s"}`, time.Now().Format(time.RFC3339))
	})

	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().Str("addr", addr).Msg("serving metrics")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("metrics server error")
		}
	}()

	return srv
}
