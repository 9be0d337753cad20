package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/layer-3/rewardgate/adapters/store"
	"github.com/layer-3/rewardgate/core"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := store.AutoMigrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(testWriter{}, &slog.HandlerOptions{Level: slog.LevelError}))
}

type testWriter struct{}

func (testWriter) Write(p []byte) (int, error) { return len(p), nil }

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Now().UTC().Truncate(time.Second)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// recordingPublisher captures published events
type recordingPublisher struct {
	mu       sync.Mutex
	verified []core.Subject
	logouts  []string
	resolved []core.SettlementRecord
}

func (p *recordingPublisher) PublishWalletVerified(ctx context.Context, subject core.Subject, sessionID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.verified = append(p.verified, subject)
	return nil
}

func (p *recordingPublisher) PublishLogout(ctx context.Context, address string, sessionID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.logouts = append(p.logouts, sessionID)
	return nil
}

func (p *recordingPublisher) PublishSettlementResolved(ctx context.Context, record core.SettlementRecord) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resolved = append(p.resolved, record)
	return nil
}

func (p *recordingPublisher) verifiedCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.verified)
}

func (p *recordingPublisher) resolvedCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.resolved)
}

// fakeEscrow is a scriptable in-memory chain
type fakeEscrow struct {
	mu          sync.Mutex
	prepares    int
	broadcasts  int
	releaseErr  error // Fails Prepare
	sendErr     error // Fails Broadcast
	sendAccepts bool  // Broadcast fails after the node accepted the transaction
	statuses    map[string]core.ChainStatus
	statusErrs  int // Number of upcoming Status calls that fail
	autoConfirm bool
}

func newFakeEscrow() *fakeEscrow {
	return &fakeEscrow{statuses: make(map[string]core.ChainStatus)}
}

func (e *fakeEscrow) Prepare(ctx context.Context, taskID, payoutAddress string) (core.SignedRelease, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.releaseErr != nil {
		return core.SignedRelease{}, e.releaseErr
	}
	e.prepares++
	raw := []byte(fmt.Sprintf("%s/%s/%d", taskID, payoutAddress, e.prepares))
	return core.SignedRelease{TxID: strings.ToLower(crypto.Keccak256Hash(raw).Hex()), Raw: raw}, nil
}

func (e *fakeEscrow) Broadcast(ctx context.Context, release core.SignedRelease) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.broadcasts++
	if e.sendErr != nil && !e.sendAccepts {
		return e.sendErr
	}
	if _, ok := e.statuses[release.TxID]; !ok {
		if e.autoConfirm {
			e.statuses[release.TxID] = core.ChainStatus{State: core.TxMined, Success: true, Confirmations: 2, BlockHash: "0xblock"}
		} else {
			e.statuses[release.TxID] = core.ChainStatus{State: core.TxPending}
		}
	}
	return e.sendErr
}

// Release prepares and broadcasts in one step
func (e *fakeEscrow) Release(ctx context.Context, taskID, payoutAddress string) (string, error) {
	release, err := e.Prepare(ctx, taskID, payoutAddress)
	if err != nil {
		return "", err
	}
	return release.TxID, e.Broadcast(ctx, release)
}

func (e *fakeEscrow) failBroadcast(err error, accepted bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sendErr = err
	e.sendAccepts = accepted
}

func (e *fakeEscrow) Status(ctx context.Context, txID string) (core.ChainStatus, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.statusErrs > 0 {
		e.statusErrs--
		return core.ChainStatus{}, fmt.Errorf("rpc timeout: %w", core.ErrChainUnavailable)
	}
	status, ok := e.statuses[txID]
	if !ok {
		return core.ChainStatus{State: core.TxUnknown}, nil
	}
	return status, nil
}

func (e *fakeEscrow) set(txID string, status core.ChainStatus) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.statuses[txID] = status
}

func (e *fakeEscrow) forget(txID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.statuses, txID)
}

// releaseCount is the number of broadcasts
func (e *fakeEscrow) releaseCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.broadcasts
}

func (e *fakeEscrow) prepareCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.prepares
}
