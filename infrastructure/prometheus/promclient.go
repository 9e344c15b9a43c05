package promclient

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spooky-finn/go-marketstream/domain"
	"github.com/spooky-finn/go-marketstream/infrastructure/logger"
)

const namespace = "marketstream"

// Metrics is the Prometheus side of the stream client.
type Metrics struct {
	messages         *prometheus.CounterVec
	protocolErrors   prometheus.Counter
	delivered        *prometheus.CounterVec
	dropped          *prometheus.CounterVec
	checksumFailures *prometheus.CounterVec
	crossedBooks     *prometheus.CounterVec
	resyncs          *prometheus.CounterVec
	reconnects       prometheus.Counter
	connectionState  prometheus.Gauge
	openOrderBooks   prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_total",
			Help:      "Decoded inbound frames by channel.",
		}, []string{"channel"}),
		protocolErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "protocol_errors_total",
			Help:      "Inbound frames that could not be decoded or applied.",
		}),
		delivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "subscription_delivered_total",
			Help:      "Events enqueued to subscribers.",
		}, []string{"feed"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "subscription_dropped_total",
			Help:      "Events dropped on full subscriber queues.",
		}, []string{"feed"}),
		checksumFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checksum_failures_total",
			Help:      "Order book checksum mismatches.",
		}, []string{"symbol"}),
		crossedBooks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "crossed_books_total",
			Help:      "Order books found crossed.",
		}, []string{"symbol"}),
		resyncs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resyncs_total",
			Help:      "Snapshot re-requests after integrity failures.",
		}, []string{"symbol"}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnect_attempts_total",
			Help:      "Reconnect attempts.",
		}),
		connectionState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connection_state",
			Help:      "0 disconnected, 1 connecting, 2 connected, 3 reconnecting.",
		}),
		openOrderBooks: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "open_order_books",
			Help:      "Order books that received a snapshot.",
		}),
	}

	reg.MustRegister(
		m.messages,
		m.protocolErrors,
		m.delivered,
		m.dropped,
		m.checksumFailures,
		m.crossedBooks,
		m.resyncs,
		m.reconnects,
		m.connectionState,
		m.openOrderBooks,
	)
	return m
}

func (m *Metrics) ObserveFanout(feed domain.FeedKind, delivered, dropped int) {
	if delivered > 0 {
		m.delivered.WithLabelValues(string(feed)).Add(float64(delivered))
	}
	if dropped > 0 {
		m.dropped.WithLabelValues(string(feed)).Add(float64(dropped))
	}
}

func (m *Metrics) MessageReceived(channel string) {
	m.messages.WithLabelValues(channel).Inc()
}

func (m *Metrics) ProtocolError() {
	m.protocolErrors.Inc()
}

func (m *Metrics) IntegrityFailure(symbol string, reason domain.IntegrityReason) {
	switch reason {
	case domain.IntegrityReason_CrossedBook:
		m.crossedBooks.WithLabelValues(symbol).Inc()
	default:
		m.checksumFailures.WithLabelValues(symbol).Inc()
	}
}

func (m *Metrics) Resync(symbol string) {
	m.resyncs.WithLabelValues(symbol).Inc()
}

func (m *Metrics) ReconnectAttempt() {
	m.reconnects.Inc()
}

func (m *Metrics) ConnectionState(state domain.ConnectionState) {
	m.connectionState.Set(float64(state))
}

func (m *Metrics) OpenOrderBooks(n int) {
	m.openOrderBooks.Set(float64(n))
}

// NewRegistry returns a registry with the Go runtime and process collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return reg
}

// StartPromClientServer serves /metrics on addr until ctx is done.
func StartPromClientServer(ctx context.Context, addr string, reg *prometheus.Registry) error {
	log := logger.GetLogger().WithComponent("promclient")

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		log.WithField("addr", addr).Info("prometheus server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}
