// Package retry wraps fallible operations in exponential backoff with
// optional jitter. Only errors matching a configurable substring allowlist
// are retried; everything else fails immediately.
package retry

import (
	"context"
	"strings"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// Operation is a fallible unit of work.
type Operation func(ctx context.Context) (any, error)

// OnRetryFunc is invoked before each wait with the attempt number just
// failed, its error, and the upcoming delay.
type OnRetryFunc func(attempt int, err error, delay time.Duration)

// Config tunes the retry behavior.
type Config struct {
	MaxRetries      int           // additional attempts after the first (default 3)
	BaseDelay       time.Duration // first delay (default 500ms)
	MaxDelay        time.Duration // delay cap (default 30s)
	ExponentialBase float64       // delay growth factor (default 2)
	Jitter          bool          // randomize delays
	RetryableErrors []string      // substring allowlist (default: timeout, connection)
	OnRetry         OnRetryFunc
}

// DefaultConfig returns the stock retry configuration.
func DefaultConfig() Config {
	return Config{
		MaxRetries:      3,
		BaseDelay:       500 * time.Millisecond,
		MaxDelay:        30 * time.Second,
		ExponentialBase: 2,
		Jitter:          true,
		RetryableErrors: []string{"timeout", "connection"},
	}
}

// Result reports the outcome of a retried operation.
type Result struct {
	Success    bool          `json:"success"`
	Result     any           `json:"result,omitempty"`
	Attempts   int           `json:"attempts"`
	TotalDelay time.Duration `json:"total_delay"`
	Errors     []string      `json:"errors,omitempty"`
}

// Handler retries operations with exponential backoff.
type Handler struct {
	config Config
	logger *zap.Logger
}

// NewHandler creates a retry handler, filling config zero-values with
// defaults.
func NewHandler(cfg Config, logger *zap.Logger) *Handler {
	def := DefaultConfig()
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = def.BaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = def.MaxDelay
	}
	if cfg.ExponentialBase <= 1 {
		cfg.ExponentialBase = def.ExponentialBase
	}
	if len(cfg.RetryableErrors) == 0 {
		cfg.RetryableErrors = def.RetryableErrors
	}
	return &Handler{config: cfg, logger: logger}
}

// Execute runs the operation, retrying retryable failures until success or
// MaxRetries is exhausted.
func (h *Handler) Execute(ctx context.Context, op Operation) *Result {
	res := &Result{}
	var value any

	wrapped := func() error {
		res.Attempts++
		v, err := op(ctx)
		if err != nil {
			res.Errors = append(res.Errors, err.Error())
			if !h.isRetryable(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		value = v
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = h.config.BaseDelay
	b.MaxInterval = h.config.MaxDelay
	b.Multiplier = h.config.ExponentialBase
	b.MaxElapsedTime = 0
	if !h.config.Jitter {
		b.RandomizationFactor = 0
	}

	notify := func(err error, delay time.Duration) {
		res.TotalDelay += delay
		h.logger.Debug("retrying operation",
			zap.Int("attempt", res.Attempts),
			zap.Duration("delay", delay),
			zap.Error(err))
		if h.config.OnRetry != nil {
			h.config.OnRetry(res.Attempts, err, delay)
		}
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(b, uint64(h.config.MaxRetries)), ctx)
	err := backoff.RetryNotify(wrapped, policy, notify)

	res.Success = err == nil
	if res.Success {
		res.Result = value
	}
	return res
}

func (h *Handler) isRetryable(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, sub := range h.config.RetryableErrors {
		if strings.Contains(msg, strings.ToLower(sub)) {
			return true
		}
	}
	return false
}
