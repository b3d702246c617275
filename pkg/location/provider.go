package location

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// ErrNoFix is returned when a provider answered but had no usable position
// before its timeout.
var ErrNoFix = errors.New("location: no fix")

// Reading is a precise position reported by a GPS provider.
type Reading struct {
	Lat      float64
	Lon      float64
	Accuracy *float64
	Source   string
}

// Provider obtains a single position reading.
type Provider interface {
	Name() string
	Locate(ctx context.Context) (Reading, error)
}

// ProviderError records which provider failed.
type ProviderError struct {
	Provider string
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("location [%s]: %v", e.Provider, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// ChainError is returned when every provider in a chain fails.
type ChainError struct {
	Errors []error
}

func (e *ChainError) Error() string {
	if len(e.Errors) == 0 {
		return "location: no providers"
	}
	msgs := make([]string, len(e.Errors))
	for i, err := range e.Errors {
		msgs[i] = err.Error()
	}
	return "location: all providers failed: " + strings.Join(msgs, "; ")
}

// Unwrap returns the individual failures for errors.Is and errors.As.
func (e *ChainError) Unwrap() []error { return e.Errors }

// Chain tries providers in order until one returns a reading.
type Chain struct {
	providers []Provider
	logger    *slog.Logger
}

// NewChain creates a provider chain. A nil logger uses slog.Default.
func NewChain(logger *slog.Logger, providers ...Provider) *Chain {
	if logger == nil {
		logger = slog.Default()
	}
	return &Chain{
		providers: providers,
		logger:    logger.With("component", "location.chain"),
	}
}

// Locate returns the first successful reading.
func (c *Chain) Locate(ctx context.Context) (Reading, error) {
	var errs []error
	for _, p := range c.providers {
		r, err := p.Locate(ctx)
		if err == nil {
			if r.Source == "" {
				r.Source = p.Name()
			}
			return r, nil
		}

		errs = append(errs, &ProviderError{Provider: p.Name(), Err: err})
		c.logger.Debug("provider failed, trying next",
			"provider", p.Name(),
			"error", err,
		)

		if ctx.Err() != nil {
			return Reading{}, ctx.Err()
		}
	}
	return Reading{}, &ChainError{Errors: errs}
}
