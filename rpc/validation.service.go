package rpc

import (
	"fmt"

	"github.com/spooky-finn/go-marketstream/domain"
	"github.com/spooky-finn/go-marketstream/helpers"
)

const defaultMaxDepth = 1000

type ValidationServiceConfig struct {
	// AvailableSymbols limits the queryable markets; empty allows any.
	AvailableSymbols []string
	MaxDepth         int
}

type ValidationService struct {
	config *ValidationServiceConfig
}

func NewValidationService(config *ValidationServiceConfig) *ValidationService {
	if config.MaxDepth <= 0 {
		config.MaxDepth = defaultMaxDepth
	}
	return &ValidationService{
		config: config,
	}
}

func (s *ValidationService) IsSupportedSymbol(symbol string) bool {
	if len(s.config.AvailableSymbols) == 0 {
		return true
	}
	return helpers.Contains(s.config.AvailableSymbols, symbol)
}

func (s *ValidationService) ParseSymbol(raw string) (*domain.MarketSymbol, error) {
	symbol, err := domain.NewMarketSymbolFromString(raw)
	if err != nil {
		return nil, fmt.Errorf("%w. Correct market symbol should use / as a separator", err)
	}
	if !s.IsSupportedSymbol(symbol.String()) {
		return nil, fmt.Errorf("%w: %s is not supported", domain.ErrInvalidSymbol, symbol)
	}
	return symbol, nil
}

func (s *ValidationService) ValidateDepth(depth int) error {
	if depth < 0 || depth > s.config.MaxDepth {
		return fmt.Errorf("%w: %d must be within [0, %d]", domain.ErrInvalidDepth, depth, s.config.MaxDepth)
	}
	return nil
}
