package domain

import "errors"

var (
	ErrOrderBookNotFound = errors.New("order book not found")
	ErrOrderBookStale    = errors.New("order book is stale")
	ErrOrderBookInvalid  = errors.New("order book failed integrity check")
	ErrInvalidPriceLevel = errors.New("invalid price level")

	ErrChecksumMismatch = errors.New("order book checksum mismatch")
	ErrCrossedBook      = errors.New("order book is crossed")

	ErrInvalidSymbol    = errors.New("invalid symbol")
	ErrInvalidDepth     = errors.New("invalid depth")
	ErrInvalidInterval  = errors.New("invalid interval")
	ErrInvalidThreshold = errors.New("threshold must be in (0, 1]")

	ErrSubscriptionConflict = errors.New("subscription conflicts with an active one")
	ErrSubscriptionRejected = errors.New("subscription rejected")
	ErrNotConnected         = errors.New("not connected")
	ErrClientClosed         = errors.New("client closed")
	ErrReconnectExhausted   = errors.New("reconnect attempts exhausted")
)
