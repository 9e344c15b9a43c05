package domain

import (
	"fmt"
	"strings"
)

// MarketSymbol is a trading pair as the exchange names it, e.g. BTC/USD.
type MarketSymbol struct {
	BaseAsset  string
	QuoteAsset string
}

const symbolSeparator = "/"

func NewMarketSymbol(base string, quote string) (*MarketSymbol, error) {
	if base == "" || quote == "" {
		return nil, fmt.Errorf("%w: base and quote must not be empty", ErrInvalidSymbol)
	}
	base = strings.ToUpper(base)
	quote = strings.ToUpper(quote)
	if base == quote {
		return nil, fmt.Errorf("%w: base and quote must be different", ErrInvalidSymbol)
	}
	if strings.ContainsAny(base+quote, " /") {
		return nil, fmt.Errorf("%w: unexpected character in %s%s%s", ErrInvalidSymbol, base, symbolSeparator, quote)
	}
	return &MarketSymbol{
		BaseAsset:  base,
		QuoteAsset: quote,
	}, nil
}

func NewMarketSymbolFromString(s string) (*MarketSymbol, error) {
	split := strings.Split(s, symbolSeparator)

	if len(split) != 2 {
		return nil, fmt.Errorf("%w: %q", ErrInvalidSymbol, s)
	}

	return NewMarketSymbol(split[0], split[1])
}

func (ms *MarketSymbol) Join(separator string) string {
	return fmt.Sprintf("%s%s%s", ms.BaseAsset, separator, ms.QuoteAsset)
}

func (ms *MarketSymbol) String() string {
	return ms.Join(symbolSeparator)
}
