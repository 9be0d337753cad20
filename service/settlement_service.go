package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/layer-3/rewardgate/core"
	"github.com/layer-3/rewardgate/internal/metrics"
	"github.com/layer-3/rewardgate/ports"
)

// SettlementDeps are the collaborators of SettlementService
type SettlementDeps struct {
	Store      ports.SettlementStore
	Escrow     ports.Escrow // nil disables settlement
	Watcher    *ConfirmationWatcher
	Reconciler *Reconciler
	Metrics    *metrics.Metrics
	Logger     *slog.Logger
	Now        func() time.Time
}

// SettlementService turns approval decisions into escrow releases and tracks them to a
// final status
type SettlementService struct {
	store      ports.SettlementStore
	escrow     ports.Escrow
	watcher    *ConfirmationWatcher
	reconciler *Reconciler
	metrics    *metrics.Metrics
	logger     *slog.Logger
	now        func() time.Time
	maxReward  decimal.Decimal

	pairLocks   *keyedMutex
	recordLocks *keyedMutex
	releaseMu   sync.Mutex

	// Watchers run detached from requests and stop with the service
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSettlementService creates a new settlement service. A zero maxReward disables the cap.
func NewSettlementService(deps SettlementDeps, maxReward decimal.Decimal) *SettlementService {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())

	return &SettlementService{
		store:       deps.Store,
		escrow:      deps.Escrow,
		watcher:     deps.Watcher,
		reconciler:  deps.Reconciler,
		metrics:     deps.Metrics,
		logger:      deps.Logger.With("component", "settlement"),
		now:         deps.Now,
		maxReward:   maxReward,
		pairLocks:   newKeyedMutex(),
		recordLocks: newKeyedMutex(),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Enabled reports whether an escrow is configured
func (s *SettlementService) Enabled() bool {
	return s.escrow != nil
}

// RequestSettlement records the approval of a submission and submits the payout.
// Repeating the request returns the live attempt, and a submission that was already
// paid yields an AlreadySettled record instead of a second release.
func (s *SettlementService) RequestSettlement(ctx context.Context, req core.SettlementRequest) (core.SettlementRecord, bool, error) {
	if !s.Enabled() {
		return core.SettlementRecord{}, false, core.ErrSettlementDisabled
	}

	payout, err := req.Validate(s.maxReward)
	if err != nil {
		return core.SettlementRecord{}, false, err
	}

	unlock := s.pairLocks.Lock(req.TaskID + "/" + req.SubmissionID)
	defer unlock()

	record, created, err := s.store.CreateAttempt(ctx, req, payout, s.now())
	if err != nil {
		return core.SettlementRecord{}, false, err
	}
	if created {
		s.logger.Info("settlement attempt opened",
			"settlement_id", record.ID,
			"task_id", record.TaskID,
			"submission_id", record.SubmissionID,
			"attempt", record.Attempt,
			"status", record.Status,
		)
		if record.Status == core.SettlementAlreadySettled {
			s.metrics.SettlementTransition("new", string(core.SettlementAlreadySettled))
		}
	}

	if record.Status != core.SettlementPending {
		return record, created, nil
	}

	if _, err := s.Submit(ctx, record.ID); err != nil {
		if latest, getErr := s.store.Get(ctx, record.ID); getErr == nil {
			record = latest
		}
		return record, created, err
	}

	record, err = s.store.Get(ctx, record.ID)
	if err != nil {
		return core.SettlementRecord{}, created, err
	}
	return record, created, nil
}

// Submit signs the release for a Pending settlement, records it as Submitted, then broadcasts
// it and starts watching the transaction. Settlements past Pending return their existing
// transaction id.
func (s *SettlementService) Submit(ctx context.Context, settlementID string) (string, error) {
	if !s.Enabled() {
		return "", core.ErrSettlementDisabled
	}

	unlock := s.recordLocks.Lock(settlementID)
	defer unlock()

	record, err := s.store.Get(ctx, settlementID)
	if err != nil {
		return "", err
	}
	if record.Status != core.SettlementPending {
		return record.TxID(), nil
	}

	// One release at a time between signing and broadcast, so the signer nonce is not reused
	s.releaseMu.Lock()
	defer s.releaseMu.Unlock()

	release, err := s.escrow.Prepare(ctx, record.TaskID, record.PayoutAddress)
	if err != nil {
		if recErr := s.store.RecordSubmitError(context.WithoutCancel(ctx), record.ID, err.Error(), s.now()); recErr != nil {
			s.logger.Error("failed to record submit error", "settlement_id", record.ID, "error", recErr)
		}
		s.logger.Warn("escrow release failed", "settlement_id", record.ID, "error", err)
		return "", fmt.Errorf("failed to release escrow: %w", err)
	}

	// The transaction id is recorded before the chain can see it
	record, err = s.store.MarkSubmitted(context.WithoutCancel(ctx), record.ID, release, s.now())
	if err != nil {
		s.logger.Error("failed to record release, nothing broadcast", "settlement_id", settlementID, "tx", release.TxID, "error", err)
		return "", err
	}
	if record.TxID() != release.TxID {
		return record.TxID(), nil
	}
	s.metrics.SettlementTransition(string(core.SettlementPending), string(core.SettlementSubmitted))

	if err := s.escrow.Broadcast(context.WithoutCancel(ctx), release); err != nil {
		// The node may hold the transaction anyway. The record stays Submitted and is
		// observed, then rebroadcast or dropped by the sweeper, never signed again.
		if recErr := s.store.RecordSubmitError(context.WithoutCancel(ctx), record.ID, err.Error(), s.now()); recErr != nil {
			s.logger.Error("failed to record broadcast error", "settlement_id", record.ID, "error", recErr)
		}
		s.logger.Warn("settlement broadcast failed", "settlement_id", record.ID, "tx", release.TxID, "error", err)
		s.startWatch(record)
		return release.TxID, fmt.Errorf("failed to broadcast release: %w", err)
	}
	s.logger.Info("settlement submitted", "settlement_id", record.ID, "tx", release.TxID)

	s.startWatch(record)
	return release.TxID, nil
}

// GetSettlementStatus returns the settlement with id
func (s *SettlementService) GetSettlementStatus(ctx context.Context, settlementID string) (core.SettlementRecord, error) {
	return s.store.Get(ctx, settlementID)
}

// Paid reports whether the submission has been paid
func (s *SettlementService) Paid(ctx context.Context, taskID, submissionID string) (bool, error) {
	return s.store.Paid(ctx, taskID, submissionID)
}

func (s *SettlementService) startWatch(record core.SettlementRecord) {
	if s.watcher == nil || s.reconciler == nil {
		return
	}
	txID := record.TxID()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		started := s.now()

		outcome := s.watcher.Watch(s.ctx, txID, func(evt core.ChainEvent) {
			if _, err := s.reconciler.Apply(s.ctx, evt); err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Warn("failed to record watch progress", "tx", txID, "error", err)
			}
		})
		s.metrics.ObserveWatch(string(outcome.Status), s.now().Sub(started))

		if s.ctx.Err() != nil {
			// Shutting down; the sweeper picks the settlement up after restart
			return
		}

		if _, err := s.reconciler.Apply(s.ctx, outcome.Event(txID, s.now())); err != nil {
			s.logger.Error("failed to reconcile watch outcome", "tx", txID, "outcome", outcome.Status, "error", err)
		}
		if outcome.Status == core.OutcomeTimedOut {
			s.logger.Warn("settlement watch timed out", "settlement_id", record.ID, "tx", txID, "error", outcome.Err)
		}
	}()
}

// Shutdown stops all watchers and waits for them until ctx expires
func (s *SettlementService) Shutdown(ctx context.Context) error {
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Wait blocks until all running watchers have finished
func (s *SettlementService) Wait() {
	s.wg.Wait()
}
