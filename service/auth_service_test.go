package service

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/layer-3/rewardgate/adapters/guard"
	"github.com/layer-3/rewardgate/adapters/signature"
	"github.com/layer-3/rewardgate/adapters/store"
	"github.com/layer-3/rewardgate/adapters/tokenizer"
	"github.com/layer-3/rewardgate/core"
	"github.com/layer-3/rewardgate/internal/metrics"
	"github.com/layer-3/rewardgate/ports"
)

type wallet struct {
	key     *ecdsa.PrivateKey
	address string
}

func newWallet(t *testing.T) wallet {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	return wallet{key: key, address: crypto.PubkeyToAddress(key.PublicKey).Hex()}
}

func (w wallet) sign(t *testing.T, message string) string {
	t.Helper()
	sig, err := crypto.Sign(accounts.TextHash([]byte(message)), w.key)
	require.NoError(t, err)
	sig[crypto.RecoveryIDOffset] += 27
	return hexutil.Encode(sig)
}

// blockingVerifier parks every verification until released
type blockingVerifier struct {
	inner   ports.SignatureVerifier
	entered chan struct{}
	release chan struct{}
}

func (v *blockingVerifier) Verify(address, message, sig string) error {
	v.entered <- struct{}{}
	<-v.release
	return v.inner.Verify(address, message, sig)
}

type authFixture struct {
	svc      *AuthService
	clock    *fakeClock
	guard    *guard.MemoryGuard
	sessions *store.MemorySessionStore
	events   *recordingPublisher
}

func newAuthFixture(t *testing.T, verifier ports.SignatureVerifier) *authFixture {
	t.Helper()
	clock := newFakeClock()
	signKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	if verifier == nil {
		verifier = signature.NewPersonalSignVerifier()
	}

	f := &authFixture{
		clock:    clock,
		guard:    guard.NewMemoryGuard(clock.Now),
		sessions: store.NewMemorySessionStore(clock.Now),
		events:   &recordingPublisher{},
	}
	f.svc = NewAuthService(AuthDeps{
		Nonces:    store.NewMemoryNonceStore(5*time.Minute, clock.Now),
		Sessions:  f.sessions,
		Accounts:  store.NewGormAccountStore(setupTestDB(t)),
		Tokenizer: tokenizer.NewJWTTokenizer(signKey, "rewardgate-test"),
		Verifier:  verifier,
		Guard:     f.guard,
		Events:    f.events,
		Metrics:   metrics.New(prometheus.NewRegistry()),
		Logger:    testLogger(),
		Now:       clock.Now,
	}, AuthConfig{
		AppName:       "Rewardgate",
		ChainID:       84532,
		SessionTTL:    time.Hour,
		MessageMaxAge: 10 * time.Minute,
		ClockSkew:     time.Minute,
		VerifyTimeout: 5 * time.Second,
	})
	return f
}

func TestVerifyHappyPath(t *testing.T) {
	ctx := context.Background()
	f := newAuthFixture(t, nil)
	w := newWallet(t)

	challenge, err := f.svc.RequestNonce(ctx, w.address)
	require.NoError(t, err)
	assert.Contains(t, challenge.Message, "Nonce: "+challenge.Nonce)
	assert.Contains(t, challenge.Message, "Address: "+strings.ToLower(w.address))

	verified, err := f.svc.Verify(ctx, w.address, w.sign(t, challenge.Message), challenge.Message)
	require.NoError(t, err)
	assert.Equal(t, strings.ToLower(w.address), verified.Subject.Address)
	assert.Equal(t, verified.Subject.ID, verified.Session.SubjectID)
	assert.NotEmpty(t, verified.Session.Token)
	assert.Equal(t, 1, f.events.verifiedCount())

	session, err := f.svc.ValidateToken(ctx, verified.Session.Token)
	require.NoError(t, err)
	assert.Equal(t, verified.Session.ID, session.ID)

	me, err := f.svc.Me(ctx, session)
	require.NoError(t, err)
	assert.Equal(t, verified.Subject.ID, me.ID)

	require.NoError(t, f.svc.Logout(ctx, session))
	_, err = f.svc.ValidateToken(ctx, verified.Session.Token)
	assert.ErrorIs(t, err, core.ErrSessionInvalid)
}

func TestVerifyReplayRejected(t *testing.T) {
	ctx := context.Background()
	f := newAuthFixture(t, nil)
	w := newWallet(t)

	challenge, err := f.svc.RequestNonce(ctx, w.address)
	require.NoError(t, err)
	sig := w.sign(t, challenge.Message)

	_, err = f.svc.Verify(ctx, w.address, sig, challenge.Message)
	require.NoError(t, err)

	_, err = f.svc.Verify(ctx, w.address, sig, challenge.Message)
	assert.ErrorIs(t, err, core.ErrNonceConsumed)
	assert.Equal(t, 1, f.events.verifiedCount())
}

func TestVerifySupersededNonceRejected(t *testing.T) {
	ctx := context.Background()
	f := newAuthFixture(t, nil)
	w := newWallet(t)

	first, err := f.svc.RequestNonce(ctx, w.address)
	require.NoError(t, err)
	second, err := f.svc.RequestNonce(ctx, w.address)
	require.NoError(t, err)

	_, err = f.svc.Verify(ctx, w.address, w.sign(t, first.Message), first.Message)
	assert.ErrorIs(t, err, core.ErrNonceMismatch)
	assert.True(t, core.IsNonceRejection(err))

	_, err = f.svc.Verify(ctx, w.address, w.sign(t, second.Message), second.Message)
	assert.NoError(t, err)
}

func TestVerifyExpiredNonce(t *testing.T) {
	ctx := context.Background()
	f := newAuthFixture(t, nil)
	w := newWallet(t)

	challenge, err := f.svc.RequestNonce(ctx, w.address)
	require.NoError(t, err)

	f.clock.Advance(6 * time.Minute)
	_, err = f.svc.Verify(ctx, w.address, w.sign(t, challenge.Message), challenge.Message)
	assert.ErrorIs(t, err, core.ErrNonceExpired)
}

func TestVerifyStaleMessage(t *testing.T) {
	ctx := context.Background()
	f := newAuthFixture(t, nil)
	w := newWallet(t)

	challenge, err := f.svc.RequestNonce(ctx, w.address)
	require.NoError(t, err)

	f.clock.Advance(11 * time.Minute)
	_, err = f.svc.Verify(ctx, w.address, w.sign(t, challenge.Message), challenge.Message)
	assert.ErrorIs(t, err, core.ErrMessageStale)
}

func TestVerifyRejectsForeignContext(t *testing.T) {
	ctx := context.Background()
	f := newAuthFixture(t, nil)
	w := newWallet(t)

	challenge, err := f.svc.RequestNonce(ctx, w.address)
	require.NoError(t, err)

	otherChain := strings.Replace(challenge.Message, "Chain ID: 84532", "Chain ID: 1", 1)
	_, err = f.svc.Verify(ctx, w.address, w.sign(t, otherChain), otherChain)
	assert.ErrorIs(t, err, core.ErrMessageMismatch)

	otherApp := strings.Replace(challenge.Message, "Rewardgate wants", "Phisher wants", 1)
	_, err = f.svc.Verify(ctx, w.address, w.sign(t, otherApp), otherApp)
	assert.ErrorIs(t, err, core.ErrMessageMismatch)

	_, err = f.svc.Verify(ctx, w.address, "0x00", "hello")
	assert.ErrorIs(t, err, core.ErrMessageMalformed)

	// The nonce survives rejected attempts
	_, err = f.svc.Verify(ctx, w.address, w.sign(t, challenge.Message), challenge.Message)
	assert.NoError(t, err)
}

func TestVerifyWrongSigner(t *testing.T) {
	ctx := context.Background()
	f := newAuthFixture(t, nil)
	w := newWallet(t)
	attacker := newWallet(t)

	challenge, err := f.svc.RequestNonce(ctx, w.address)
	require.NoError(t, err)

	_, err = f.svc.Verify(ctx, w.address, attacker.sign(t, challenge.Message), challenge.Message)
	assert.ErrorIs(t, err, core.ErrAddressMismatch)

	_, err = f.svc.Verify(ctx, attacker.address, attacker.sign(t, challenge.Message), challenge.Message)
	assert.ErrorIs(t, err, core.ErrAddressMismatch, "message is bound to the requesting address")

	_, err = f.svc.Verify(ctx, w.address, "0x1234", challenge.Message)
	assert.ErrorIs(t, err, core.ErrInvalidSignature)
}

func TestVerifySingleFlight(t *testing.T) {
	ctx := context.Background()
	inner := signature.NewPersonalSignVerifier()
	blocking := &blockingVerifier{inner: inner, entered: make(chan struct{}, 1), release: make(chan struct{})}
	f := newAuthFixture(t, blocking)
	w := newWallet(t)

	challenge, err := f.svc.RequestNonce(ctx, w.address)
	require.NoError(t, err)
	sig := w.sign(t, challenge.Message)

	done := make(chan error, 1)
	go func() {
		_, err := f.svc.Verify(ctx, w.address, sig, challenge.Message)
		done <- err
	}()
	<-blocking.entered

	_, err = f.svc.Verify(ctx, w.address, sig, challenge.Message)
	assert.ErrorIs(t, err, core.ErrAlreadyInFlight)

	close(blocking.release)
	require.NoError(t, <-done)
	assert.Equal(t, 0, f.guard.InFlight())
	assert.Equal(t, 1, f.events.verifiedCount())
}

func TestNewNonceCancelsInFlightVerification(t *testing.T) {
	ctx := context.Background()
	inner := signature.NewPersonalSignVerifier()
	blocking := &blockingVerifier{inner: inner, entered: make(chan struct{}, 1), release: make(chan struct{})}
	f := newAuthFixture(t, blocking)
	w := newWallet(t)

	challenge, err := f.svc.RequestNonce(ctx, w.address)
	require.NoError(t, err)
	sig := w.sign(t, challenge.Message)

	done := make(chan error, 1)
	go func() {
		_, err := f.svc.Verify(ctx, w.address, sig, challenge.Message)
		done <- err
	}()
	<-blocking.entered

	_, err = f.svc.RequestNonce(ctx, w.address)
	require.NoError(t, err)
	close(blocking.release)

	err = <-done
	assert.ErrorIs(t, err, core.ErrAttemptCancelled)
	assert.Equal(t, 0, f.events.verifiedCount())

	_, err = f.sessions.Active(ctx, strings.ToLower(w.address))
	assert.ErrorIs(t, err, core.ErrSessionInvalid, "no session is issued for a cancelled attempt")
}

func TestVerifyConcurrentSameMessage(t *testing.T) {
	ctx := context.Background()
	f := newAuthFixture(t, nil)
	w := newWallet(t)

	challenge, err := f.svc.RequestNonce(ctx, w.address)
	require.NoError(t, err)
	sig := w.sign(t, challenge.Message)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.Verify(ctx, w.address, sig, challenge.Message)
			if err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
				return
			}
			assert.True(t, core.IsNonceRejection(err) || err == core.ErrAlreadyInFlight, "unexpected error %v", err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, successes)
	assert.Equal(t, 1, f.events.verifiedCount())
}

func TestSecondLoginRevokesFirstSession(t *testing.T) {
	ctx := context.Background()
	f := newAuthFixture(t, nil)
	w := newWallet(t)

	login := func() string {
		challenge, err := f.svc.RequestNonce(ctx, w.address)
		require.NoError(t, err)
		verified, err := f.svc.Verify(ctx, w.address, w.sign(t, challenge.Message), challenge.Message)
		require.NoError(t, err)
		return verified.Session.Token
	}

	first := login()
	second := login()

	_, err := f.svc.ValidateToken(ctx, first)
	assert.ErrorIs(t, err, core.ErrSessionInvalid)
	_, err = f.svc.ValidateToken(ctx, second)
	assert.NoError(t, err)
}

func TestRequestNonceRejectsInvalidAddress(t *testing.T) {
	f := newAuthFixture(t, nil)

	for _, address := range []string{"", "Not connected", "0x123", "5aaeb6053f3e94c9b9a09f33669435e7ef1beaed"} {
		_, err := f.svc.RequestNonce(context.Background(), address)
		assert.ErrorIs(t, err, core.ErrInvalidAddress, address)
	}
}
