package reasoner

import (
	"context"
	"errors"
	"log/slog"

	"github.com/teslashibe/go-picar/internal/log"
)

// Chain tries multiple backends in order until one succeeds.
type Chain struct {
	backends []Backend
	logger   *slog.Logger
}

// NewChain creates a backend chain. At least one backend is required.
func NewChain(logger *slog.Logger, backends ...Backend) (*Chain, error) {
	if len(backends) == 0 {
		return nil, ErrNoBackend
	}
	return &Chain{
		backends: backends,
		logger:   log.Or(logger).With("component", "reasoner.chain"),
	}, nil
}

// Name implements Backend.
func (c *Chain) Name() string { return "chain" }

// Chat tries each backend until one succeeds.
func (c *Chain) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	var errs []error

	for i, b := range c.backends {
		resp, err := b.Chat(ctx, req)
		if err == nil {
			if i > 0 {
				c.logger.Info("fallback backend succeeded", "backend", b.Name(), "index", i)
			}
			return resp, nil
		}

		errs = append(errs, err)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		c.logger.Warn("backend failed, trying next", "backend", b.Name(), "index", i, "error", err)
	}

	return nil, &ChainError{Errors: errs}
}

// Close closes every backend.
func (c *Chain) Close() error {
	var errs []error
	for _, b := range c.backends {
		errs = append(errs, b.Close())
	}
	return errors.Join(errs...)
}

// Backends returns the backends in order.
func (c *Chain) Backends() []Backend {
	return c.backends
}

var _ Backend = (*Chain)(nil)
