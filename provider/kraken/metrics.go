package kraken

import "github.com/spooky-finn/go-marketstream/domain"

// Metrics receives stream counters. The Prometheus client implements it.
type Metrics interface {
	ObserveFanout(feed domain.FeedKind, delivered, dropped int)
	MessageReceived(channel string)
	ProtocolError()
	IntegrityFailure(symbol string, reason domain.IntegrityReason)
	Resync(symbol string)
	ReconnectAttempt()
	ConnectionState(state domain.ConnectionState)
	OpenOrderBooks(n int)
}

type nopMetrics struct{}

func (nopMetrics) ObserveFanout(domain.FeedKind, int, int)         {}
func (nopMetrics) MessageReceived(string)                          {}
func (nopMetrics) ProtocolError()                                  {}
func (nopMetrics) IntegrityFailure(string, domain.IntegrityReason) {}
func (nopMetrics) Resync(string)                                   {}
func (nopMetrics) ReconnectAttempt()                               {}
func (nopMetrics) ConnectionState(domain.ConnectionState)          {}
func (nopMetrics) OpenOrderBooks(int)                              {}
