package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/layer-3/rewardgate/core"
	"github.com/layer-3/rewardgate/ports"
)

// DroppedReason is stored on settlements whose transaction vanished from the node
const DroppedReason = "transaction dropped"

// SweeperConfig tunes the background reconciliation sweep
type SweeperConfig struct {
	Interval              time.Duration
	RecheckAfter          time.Duration
	DropAfter             time.Duration
	RequiredConfirmations uint64
	BatchSize             int
	Now                   func() time.Time
}

// SweepReport summarises one sweep
type SweepReport struct {
	Checked     int `json:"checked"`
	Resolved    int `json:"resolved"`
	Dropped     int `json:"dropped"`
	Rebroadcast int `json:"rebroadcast"`
	Errors      int `json:"errors"`
}

// Sweeper re-checks Submitted settlements nobody is watching, such as those whose
// watcher timed out or died with a previous process.
type Sweeper struct {
	store      ports.SettlementStore
	escrow     ports.Escrow
	reconciler *Reconciler
	cfg        SweeperConfig
	logger     *slog.Logger
}

// NewSweeper creates a new sweeper with sane defaults
func NewSweeper(store ports.SettlementStore, escrow ports.Escrow, reconciler *Reconciler, cfg SweeperConfig, logger *slog.Logger) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.RecheckAfter <= 0 {
		cfg.RecheckAfter = 2 * time.Minute
	}
	if cfg.DropAfter <= 0 {
		cfg.DropAfter = 30 * time.Minute
	}
	if cfg.RequiredConfirmations == 0 {
		cfg.RequiredConfirmations = 2
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		store:      store,
		escrow:     escrow,
		reconciler: reconciler,
		cfg:        cfg,
		logger:     logger.With("component", "sweeper"),
	}
}

// Start runs SweepOnce every interval until ctx is cancelled
func (s *Sweeper) Start(ctx context.Context) {
	if s == nil || s.escrow == nil {
		return
	}
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			report, err := s.SweepOnce(ctx)
			if err != nil {
				s.logger.Error("settlement sweep failed", "error", err)
				continue
			}
			if report.Checked > 0 {
				s.logger.Info("settlement sweep finished",
					"checked", report.Checked,
					"resolved", report.Resolved,
					"dropped", report.Dropped,
					"rebroadcast", report.Rebroadcast,
					"errors", report.Errors,
				)
			}
		}
	}
}

// SweepOnce queries the chain once for every stale Submitted settlement and feeds the
// result to the reconciler
func (s *Sweeper) SweepOnce(ctx context.Context) (SweepReport, error) {
	var report SweepReport
	if s.escrow == nil {
		return report, core.ErrSettlementDisabled
	}

	now := s.cfg.Now()
	stale, err := s.store.ListStale(ctx, now.Add(-s.cfg.RecheckAfter), s.cfg.BatchSize)
	if err != nil {
		return report, fmt.Errorf("failed to list stale settlements: %w", err)
	}

	for _, record := range stale {
		report.Checked++

		evt, state, err := s.observe(ctx, record, now)
		if err != nil {
			report.Errors++
			s.logger.Warn("sweep could not observe transaction", "settlement_id", record.ID, "tx", record.TxID(), "error", err)
			continue
		}

		if state == core.TxUnknown && evt.Outcome == core.OutcomeProgress && s.rebroadcast(ctx, record) {
			report.Rebroadcast++
		}

		updated, err := s.reconciler.Apply(ctx, evt)
		if err != nil {
			report.Errors++
			s.logger.Error("sweep could not reconcile settlement", "settlement_id", record.ID, "error", err)
			continue
		}
		if updated.Status.Terminal() {
			report.Resolved++
			if evt.Reason == DroppedReason && updated.Status == core.SettlementFailed {
				report.Dropped++
			}
		}
	}

	return report, nil
}

func (s *Sweeper) observe(ctx context.Context, record core.SettlementRecord, now time.Time) (core.ChainEvent, core.TxState, error) {
	txID := record.TxID()
	status, err := s.escrow.Status(ctx, txID)
	if err != nil {
		return core.ChainEvent{}, core.TxUnknown, err
	}

	evt := core.ChainEvent{
		TransactionID: txID,
		Outcome:       core.OutcomeProgress,
		ObservedAt:    now,
	}

	switch status.State {
	case core.TxMined:
		evt.Confirmations = status.Confirmations
		if status.Confirmations >= s.cfg.RequiredConfirmations {
			evt.ReceiptID = status.BlockHash
			if status.Success {
				evt.Outcome = core.OutcomeConfirmed
			} else {
				evt.Outcome = core.OutcomeFailed
				evt.Reason = "transaction reverted"
			}
		}
	case core.TxUnknown:
		if record.SubmittedAt != nil && now.Sub(*record.SubmittedAt) > s.cfg.DropAfter {
			evt.Outcome = core.OutcomeFailed
			evt.Reason = DroppedReason
		}
	}

	return evt, status.State, nil
}

// rebroadcast resends the signed release of a record the node does not know. The
// transaction id is unchanged, so a copy that did reach the chain is not paid twice.
func (s *Sweeper) rebroadcast(ctx context.Context, record core.SettlementRecord) bool {
	if len(record.SignedTransaction) == 0 {
		return false
	}
	release := core.SignedRelease{TxID: record.TxID(), Raw: record.SignedTransaction}
	if err := s.escrow.Broadcast(ctx, release); err != nil {
		s.logger.Warn("sweep could not rebroadcast transaction", "settlement_id", record.ID, "tx", release.TxID, "error", err)
		return false
	}
	s.logger.Info("rebroadcast settlement transaction", "settlement_id", record.ID, "tx", release.TxID)
	return true
}
