package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/layer-3/rewardgate/core"
	"github.com/layer-3/rewardgate/ports"
)

// WatchConfig tunes confirmation tracking
type WatchConfig struct {
	PollInterval          time.Duration
	RequiredConfirmations uint64
	Timeout               time.Duration
	// RetryBudget bounds the retries of one poll against a failing RPC
	RetryBudget          int
	RetryInitialInterval time.Duration
}

// Outcome is the result of watching one transaction
type Outcome struct {
	Status        core.OutcomeStatus
	Confirmations uint64
	ReceiptID     string
	Err           error
}

// Event converts the outcome into a reconciler event
func (o Outcome) Event(txID string, observedAt time.Time) core.ChainEvent {
	evt := core.ChainEvent{
		TransactionID: txID,
		Outcome:       o.Status,
		Confirmations: o.Confirmations,
		ReceiptID:     o.ReceiptID,
		ObservedAt:    observedAt,
	}
	switch {
	case o.Status == core.OutcomeFailed:
		evt.Reason = "transaction reverted"
	case o.Err != nil:
		evt.Reason = o.Err.Error()
	}
	return evt
}

// ConfirmationWatcher polls the escrow until a transaction is final or the watch times out
type ConfirmationWatcher struct {
	escrow ports.Escrow
	cfg    WatchConfig
	now    func() time.Time
	logger *slog.Logger
}

// NewConfirmationWatcher creates a new watcher
func NewConfirmationWatcher(escrow ports.Escrow, cfg WatchConfig, logger *slog.Logger) *ConfirmationWatcher {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 4 * time.Second
	}
	if cfg.RequiredConfirmations == 0 {
		cfg.RequiredConfirmations = 2
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Minute
	}
	if cfg.RetryBudget < 0 {
		cfg.RetryBudget = 0
	}
	if cfg.RetryInitialInterval <= 0 {
		cfg.RetryInitialInterval = 250 * time.Millisecond
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ConfirmationWatcher{
		escrow: escrow,
		cfg:    cfg,
		now:    time.Now,
		logger: logger.With("component", "watcher"),
	}
}

// Watch polls txID until it reaches the required depth, reverts, or the timeout elapses.
// Every non-final observation is passed to progress, which may be nil.
func (w *ConfirmationWatcher) Watch(ctx context.Context, txID string, progress func(core.ChainEvent)) Outcome {
	ctx, cancel := context.WithTimeout(ctx, w.cfg.Timeout)
	defer cancel()

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	var seen uint64
	for {
		status, err := w.poll(ctx, txID)
		if err != nil {
			w.logger.Warn("transaction status unavailable", "tx", txID, "error", err)
			return Outcome{Status: core.OutcomeTimedOut, Confirmations: seen, Err: err}
		}

		if status.State == core.TxMined {
			seen = status.Confirmations
			if status.Confirmations >= w.cfg.RequiredConfirmations {
				outcome := Outcome{
					Status:        core.OutcomeConfirmed,
					Confirmations: status.Confirmations,
					ReceiptID:     status.BlockHash,
				}
				if !status.Success {
					outcome.Status = core.OutcomeFailed
				}
				return outcome
			}
		}

		if progress != nil {
			progress(core.ChainEvent{
				TransactionID: txID,
				Outcome:       core.OutcomeProgress,
				Confirmations: seen,
				ObservedAt:    w.now(),
			})
		}

		select {
		case <-ctx.Done():
			return Outcome{Status: core.OutcomeTimedOut, Confirmations: seen, Err: ctx.Err()}
		case <-ticker.C:
		}
	}
}

// poll fetches the status once, retrying transient failures within the retry budget
func (w *ConfirmationWatcher) poll(ctx context.Context, txID string) (core.ChainStatus, error) {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = w.cfg.RetryInitialInterval
	exp.MaxInterval = w.cfg.PollInterval
	exp.MaxElapsedTime = 0

	policy := backoff.WithContext(backoff.WithMaxRetries(exp, uint64(w.cfg.RetryBudget)), ctx)

	var status core.ChainStatus
	err := backoff.Retry(func() error {
		var err error
		status, err = w.escrow.Status(ctx, txID)
		return err
	}, policy)
	if err != nil {
		return core.ChainStatus{}, fmt.Errorf("retry budget exhausted: %w", err)
	}
	return status, nil
}
