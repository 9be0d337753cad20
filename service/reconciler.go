package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/layer-3/rewardgate/core"
	"github.com/layer-3/rewardgate/internal/metrics"
	"github.com/layer-3/rewardgate/ports"
)

// Reconciler applies chain events to settlement records exactly once.
// Events may arrive more than once, out of order, and from several sources.
type Reconciler struct {
	store    ports.SettlementStore
	eventPub ports.EventPublisher
	metrics  *metrics.Metrics
	logger   *slog.Logger
	locks    *keyedMutex
}

// NewReconciler creates a new reconciler
func NewReconciler(store ports.SettlementStore, eventPub ports.EventPublisher, m *metrics.Metrics, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		store:    store,
		eventPub: eventPub,
		metrics:  m,
		logger:   logger.With("component", "reconciler"),
		locks:    newKeyedMutex(),
	}
}

// Apply records evt against the settlement that submitted its transaction
func (r *Reconciler) Apply(ctx context.Context, evt core.ChainEvent) (core.SettlementRecord, error) {
	unlock := r.locks.Lock(evt.TransactionID)
	defer unlock()

	record, transition, err := r.store.ApplyEvent(ctx, evt)
	if err != nil {
		if errors.Is(err, core.ErrSettlementNotFound) {
			r.logger.Warn("chain event for unknown transaction", "tx", evt.TransactionID, "outcome", evt.Outcome)
		}
		return core.SettlementRecord{}, fmt.Errorf("failed to reconcile %s: %w", evt.TransactionID, err)
	}

	if transition.Violation {
		r.metrics.InvariantViolation()
		r.logger.Error("second confirmation for an already settled submission",
			"error", core.ErrInvariantViolation,
			"settlement_id", record.ID,
			"task_id", record.TaskID,
			"submission_id", record.SubmissionID,
			"tx", evt.TransactionID,
		)
	}
	if transition.Conflict {
		r.logger.Error("chain event conflicts with terminal settlement",
			"settlement_id", record.ID,
			"status", record.Status,
			"outcome", evt.Outcome,
			"tx", evt.TransactionID,
		)
	}

	if !transition.Changed {
		return record, nil
	}

	r.metrics.SettlementTransition(string(transition.From), string(transition.To))
	r.logger.Info("settlement transitioned",
		"settlement_id", record.ID,
		"from", transition.From,
		"to", transition.To,
		"tx", evt.TransactionID,
	)

	if record.Status.Terminal() {
		// Published after commit; consumers deduplicate by settlement id
		if err := r.eventPub.PublishSettlementResolved(ctx, record); err != nil {
			r.logger.Warn("failed to publish settlement resolved event", "settlement_id", record.ID, "error", err)
		}
	}

	return record, nil
}
