package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/spooky-finn/go-marketstream/config"
	"github.com/spooky-finn/go-marketstream/domain"
	"github.com/spooky-finn/go-marketstream/infrastructure/logger"
	promclient "github.com/spooky-finn/go-marketstream/infrastructure/prometheus"
	"github.com/spooky-finn/go-marketstream/multiplexor"
	"github.com/spooky-finn/go-marketstream/provider/kraken"
	"github.com/spooky-finn/go-marketstream/rpc"
	"github.com/spooky-finn/go-marketstream/usecase"
	"golang.org/x/sync/errgroup"
)

const signalThreshold = 0.3

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_PATH"), "path to the YAML config file")
	flag.Parse()

	log := logger.GetLogger()
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.WithError(err).Fatal("invalid configuration")
	}
	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Fatal("failed to configure logger")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil && !errors.Is(err, context.Canceled) {
		log.WithError(err).Fatal("marketstream exited with error")
	}
	log.Info("marketstream stopped")
}

func run(ctx context.Context, cfg *config.Config, log *logger.Log) error {
	streamConf, err := cfg.StreamConfig()
	if err != nil {
		return err
	}

	opts := []kraken.Option{kraken.WithLogger(log)}
	reg := promclient.NewRegistry()
	if cfg.Metrics.Enabled {
		opts = append(opts, kraken.WithMetrics(promclient.NewMetrics(reg)))
	}

	client, err := kraken.NewKrakenStreamClient(streamConf, opts...)
	if err != nil {
		return err
	}
	defer client.Close()
	streamAPI := kraken.NewKrakenStreamAPI(client)

	g, ctx := errgroup.WithContext(ctx)

	events := client.ConnectionEvents()
	g.Go(func() error {
		logConnectionEvents(ctx, log, events)
		return nil
	})
	integrity := client.IntegrityEvents()
	g.Go(func() error {
		logIntegrityEvents(ctx, log, integrity)
		return nil
	})

	if err := client.Connect(ctx); err != nil {
		if !kraken.IsRetryable(err) || !streamConf.Reconnect.Enabled {
			return err
		}
		log.WithError(err).Warn("initial connect failed, retrying in background")
		if err := client.Reconnect(); err != nil {
			return err
		}
	}

	for _, symbol := range cfg.Symbols {
		sub, err := streamAPI.SubscribeOrderbook(ctx, symbol, cfg.Depth)
		if err != nil {
			return err
		}
		g.Go(func() error {
			watchImbalance(ctx, log, sub)
			return nil
		})
	}

	uc := usecase.NewOrderBookSnapshotUseCase(ctx, streamAPI, usecase.Config{
		AutoSubscribe: cfg.Orderbook.AutoSubscribe,
		DefaultDepth:  cfg.Depth,
	})

	if cfg.RPC.Enabled {
		srv := rpc.NewServer(uc, client, &rpc.ValidationServiceConfig{})
		g.Go(func() error {
			return rpc.Serve(ctx, cfg.RPC.Addr, srv)
		})
	}
	if cfg.Metrics.Enabled {
		g.Go(func() error {
			return promclient.StartPromClientServer(ctx, cfg.Metrics.Addr, reg)
		})
	}

	g.Go(func() error {
		<-ctx.Done()
		client.Close()
		uc.Wait()
		return ctx.Err()
	})

	return g.Wait()
}

func logConnectionEvents(ctx context.Context, log *logger.Log, events *multiplexor.Subscription[domain.ConnectionEvent]) {
	for {
		ev, err := events.Next(ctx)
		if err != nil {
			return
		}
		log.WithComponent("lifecycle").WithField("event", ev.String()).Info("connection event")
	}
}

func logIntegrityEvents(ctx context.Context, log *logger.Log, events *multiplexor.Subscription[domain.IntegrityEvent]) {
	for {
		ev, err := events.Next(ctx)
		if err != nil {
			return
		}
		entry := log.WithComponent("integrity").WithFields(logger.Fields{
			"symbol": ev.Symbol,
			"reason": string(ev.Reason),
			"resync": ev.Resync,
		})
		if ev.Validation != nil {
			entry = entry.WithFields(logger.Fields{
				"expected":   ev.Validation.Expected,
				"calculated": ev.Validation.Calculated,
			})
		}
		entry.Warn("order book integrity failure")
	}
}

// watchImbalance logs each change of the book's imbalance signal.
func watchImbalance(ctx context.Context, log *logger.Log, sub *kraken.BookSubscription) {
	defer sub.Unsubscribe()

	entry := log.WithComponent("imbalance").WithField("symbol", sub.Request.Symbol)
	last := domain.Signal("")
	for {
		ev, err := sub.Next(ctx)
		if err != nil {
			return
		}
		if !ev.Valid || ev.Book == nil {
			continue
		}
		signal, err := ev.Book.Signal(signalThreshold)
		if err != nil || signal == last {
			continue
		}
		last = signal
		entry.WithFields(logger.Fields{
			"signal":    string(signal),
			"imbalance": ev.Book.Imbalance(),
		}).Info("imbalance signal changed")
	}
}
