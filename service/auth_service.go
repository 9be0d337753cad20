package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/layer-3/rewardgate/core"
	"github.com/layer-3/rewardgate/internal/metrics"
	"github.com/layer-3/rewardgate/ports"
)

// AuthConfig tunes wallet sign-in
type AuthConfig struct {
	AppName       string
	ChainID       uint64
	SessionTTL    time.Duration
	MessageMaxAge time.Duration
	ClockSkew     time.Duration
	VerifyTimeout time.Duration
}

// AuthDeps are the collaborators of AuthService
type AuthDeps struct {
	Nonces    ports.NonceStore
	Sessions  ports.SessionStore
	Accounts  ports.AccountStore
	Tokenizer ports.Tokenizer
	Verifier  ports.SignatureVerifier
	Guard     ports.AttemptGuard
	Events    ports.EventPublisher
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
	Now       func() time.Time
}

// Challenge is what a wallet needs to sign in
type Challenge struct {
	Nonce     string
	ExpiresAt time.Time
	Message   string
}

// Verified is the result of a successful wallet verification
type Verified struct {
	Session core.Session
	Subject core.Subject
}

// AuthService handles authentication business logic
type AuthService struct {
	nonces    ports.NonceStore
	sessions  ports.SessionStore
	accounts  ports.AccountStore
	tokenizer ports.Tokenizer
	verifier  ports.SignatureVerifier
	guard     ports.AttemptGuard
	eventPub  ports.EventPublisher
	metrics   *metrics.Metrics
	logger    *slog.Logger
	now       func() time.Time

	cfg AuthConfig
}

// NewAuthService creates a new authentication service
func NewAuthService(deps AuthDeps, cfg AuthConfig) *AuthService {
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = 24 * time.Hour
	}
	if cfg.MessageMaxAge <= 0 {
		cfg.MessageMaxAge = 10 * time.Minute
	}
	if cfg.ClockSkew < 0 {
		cfg.ClockSkew = 0
	}
	if cfg.VerifyTimeout <= 0 {
		cfg.VerifyTimeout = 30 * time.Second
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}

	return &AuthService{
		nonces:    deps.Nonces,
		sessions:  deps.Sessions,
		accounts:  deps.Accounts,
		tokenizer: deps.Tokenizer,
		verifier:  deps.Verifier,
		guard:     deps.Guard,
		eventPub:  deps.Events,
		metrics:   deps.Metrics,
		logger:    deps.Logger.With("component", "auth"),
		now:       deps.Now,
		cfg:       cfg,
	}
}

// RequestNonce issues a fresh challenge for address. A new challenge supersedes the
// previous one, so any verification still running for the address is cancelled.
func (s *AuthService) RequestNonce(ctx context.Context, address string) (Challenge, error) {
	addr, err := core.NormalizeAddress(address)
	if err != nil {
		return Challenge{}, err
	}

	if s.guard.Cancel(addr) {
		s.logger.Info("cancelled in-flight verification for new nonce", "address", addr)
	}

	nonce, err := s.nonces.Issue(ctx, addr)
	if err != nil {
		return Challenge{}, fmt.Errorf("failed to issue nonce: %w", err)
	}
	s.metrics.NonceIssued()

	msg := core.BuildSignInMessage(s.cfg.AppName, s.cfg.ChainID, nonce)
	return Challenge{
		Nonce:     nonce.Value,
		ExpiresAt: nonce.ExpiresAt,
		Message:   msg.String(),
	}, nil
}

// Verify authenticates address using its signature over a previously issued challenge.
// At most one verification per address runs at a time. Once the nonce is consumed the
// session is issued to completion even if the caller goes away.
func (s *AuthService) Verify(ctx context.Context, address, signature, message string) (*Verified, error) {
	verified, err := s.verify(ctx, address, signature, message)
	s.metrics.AuthAttempt(authOutcome(err))
	if err != nil {
		s.logger.Info("wallet verification rejected", "address", strings.ToLower(address), "outcome", authOutcome(err))
		return nil, err
	}
	s.logger.Info("wallet verified", "address", verified.Subject.Address, "subject_id", verified.Subject.ID)
	return verified, nil
}

func (s *AuthService) verify(ctx context.Context, address, signature, message string) (*Verified, error) {
	addr, err := core.NormalizeAddress(address)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(signature) == "" || strings.TrimSpace(message) == "" {
		return nil, core.ErrInvalidRequest
	}

	ticket, ok := s.guard.TryBegin(ctx, addr)
	if !ok {
		return nil, core.ErrAlreadyInFlight
	}
	defer s.guard.End(ticket)

	attemptCtx, cancel := context.WithTimeout(ticket.Context(), s.cfg.VerifyTimeout)
	defer cancel()

	parsed, err := s.checkMessage(addr, message)
	if err != nil {
		return nil, err
	}

	nonce, err := s.nonces.Current(attemptCtx, addr)
	if err != nil {
		return nil, err
	}
	switch {
	case nonce.Value != parsed.Nonce:
		return nil, core.ErrNonceMismatch
	case nonce.Consumed:
		return nil, core.ErrNonceConsumed
	case nonce.Expired(s.now()):
		return nil, core.ErrNonceExpired
	}

	if err := attemptCtx.Err(); err != nil {
		return nil, fmt.Errorf("before signature check: %w", core.ErrAttemptCancelled)
	}

	if err := s.verifier.Verify(addr, message, signature); err != nil {
		return nil, err
	}

	if err := attemptCtx.Err(); err != nil {
		return nil, fmt.Errorf("before nonce consumption: %w", core.ErrAttemptCancelled)
	}

	// Past this point the nonce is spent and the session must be fully issued.
	issueCtx := context.WithoutCancel(attemptCtx)

	if err := s.nonces.Consume(issueCtx, addr, parsed.Nonce); err != nil {
		return nil, err
	}

	now := s.now()
	subject, err := s.accounts.FindOrCreate(issueCtx, addr, now)
	if err != nil {
		s.logger.Error("nonce consumed but subject lookup failed", "address", addr, "error", err)
		return nil, fmt.Errorf("failed to resolve subject: %w", err)
	}

	session, err := s.issueSession(issueCtx, subject, now)
	if err != nil {
		s.logger.Error("nonce consumed but session issuance failed", "address", addr, "error", err)
		return nil, err
	}

	if err := s.eventPub.PublishWalletVerified(issueCtx, subject, session.ID); err != nil {
		// Downstream notification must never fail a login
		s.logger.Warn("failed to publish wallet verified event", "address", addr, "error", err)
	}

	return &Verified{Session: *session, Subject: subject}, nil
}

func (s *AuthService) checkMessage(addr, message string) (core.SignInMessage, error) {
	parsed, err := core.ParseSignInMessage(message)
	if err != nil {
		return core.SignInMessage{}, err
	}
	if parsed.AppName != s.cfg.AppName || parsed.ChainID != s.cfg.ChainID {
		return core.SignInMessage{}, core.ErrMessageMismatch
	}
	if strings.ToLower(parsed.Address) != addr {
		return core.SignInMessage{}, core.ErrAddressMismatch
	}

	now := s.now()
	if parsed.IssuedAt.Before(now.Add(-s.cfg.MessageMaxAge)) || parsed.IssuedAt.After(now.Add(s.cfg.ClockSkew)) {
		return core.SignInMessage{}, core.ErrMessageStale
	}
	return parsed, nil
}

func (s *AuthService) issueSession(ctx context.Context, subject core.Subject, now time.Time) (*core.Session, error) {
	session := &core.Session{
		ID:        uuid.New().String(),
		SubjectID: subject.ID,
		Address:   subject.Address,
		IssuedAt:  now,
		ExpiresAt: now.Add(s.cfg.SessionTTL),
	}

	token, err := s.tokenizer.SessionToToken(session)
	if err != nil {
		return nil, fmt.Errorf("failed to create session token: %w", err)
	}
	session.Token = token

	// Replacing the active entry revokes any earlier session of the address
	if err := s.sessions.SetActive(ctx, session.Address, session.ID, s.cfg.SessionTTL); err != nil {
		return nil, fmt.Errorf("failed to activate session: %w", err)
	}

	return session, nil
}

// ValidateToken returns the session behind token if it is still the active one
func (s *AuthService) ValidateToken(ctx context.Context, token string) (*core.Session, error) {
	session, err := s.tokenizer.TokenToSession(token)
	if err != nil {
		return nil, err
	}

	if !s.now().Before(session.ExpiresAt) {
		return nil, core.ErrTokenExpired
	}

	active, err := s.sessions.Active(ctx, session.Address)
	if err != nil {
		if errors.Is(err, core.ErrSessionInvalid) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to check active session: %w", err)
	}
	if active != session.ID {
		return nil, core.ErrSessionInvalid
	}

	return session, nil
}

// Logout revokes the session behind token
func (s *AuthService) Logout(ctx context.Context, session *core.Session) error {
	if err := s.sessions.Revoke(ctx, session.Address, session.ID); err != nil {
		return fmt.Errorf("failed to revoke session: %w", err)
	}

	// The session is already revoked in the store, which is the critical part
	if err := s.eventPub.PublishLogout(ctx, session.Address, session.ID); err != nil {
		s.logger.Warn("failed to publish logout event", "address", session.Address, "error", err)
	}

	return nil
}

// Me returns the subject owning session
func (s *AuthService) Me(ctx context.Context, session *core.Session) (core.Subject, error) {
	return s.accounts.Get(ctx, session.SubjectID)
}

func authOutcome(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, core.ErrAlreadyInFlight):
		return "in_flight"
	case errors.Is(err, core.ErrAttemptCancelled):
		return "cancelled"
	case errors.Is(err, core.ErrInvalidSignature):
		return "invalid_signature"
	case errors.Is(err, core.ErrAddressMismatch):
		return "address_mismatch"
	case core.IsNonceRejection(err):
		return "nonce_rejected"
	case errors.Is(err, core.ErrInvalidAddress),
		errors.Is(err, core.ErrInvalidRequest),
		errors.Is(err, core.ErrMessageMalformed),
		errors.Is(err, core.ErrMessageMismatch):
		return "invalid_request"
	default:
		return "error"
	}
}
