package events

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
)

const kickoffTaskType = "connect_wallet"

// KickoffConfig configures the downstream verify-task endpoint
type KickoffConfig struct {
	URL             string
	APIKey          string
	MaxRetries      int
	InitialInterval time.Duration
	Timeout         time.Duration
}

type kickoffRequest struct {
	WalletAddress string `json:"walletAddress"`
	TaskType      string `json:"taskType"`
}

// KickoffForwarder notifies the task backend that a wallet was connected.
// Delivery is best effort: after the retry budget the message is acknowledged and dropped.
type KickoffForwarder struct {
	cfg    KickoffConfig
	client *http.Client
	logger *slog.Logger
}

// NewKickoffForwarder creates a new kickoff forwarder
func NewKickoffForwarder(cfg KickoffConfig, logger *slog.Logger) *KickoffForwarder {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = 500 * time.Millisecond
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &KickoffForwarder{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger,
	}
}

// Register attaches the forwarder to router, consuming wallet verified events from subscriber
func (f *KickoffForwarder) Register(router *message.Router, subscriber message.Subscriber) {
	retry := middleware.Retry{
		MaxRetries:      f.cfg.MaxRetries,
		InitialInterval: f.cfg.InitialInterval,
		Multiplier:      2,
		Logger:          watermill.NewSlogLogger(f.logger),
	}

	handler := router.AddNoPublisherHandler("kickoff_forwarder", TopicWalletVerified, subscriber, f.Handle)
	handler.AddMiddleware(f.dropAfterRetries, retry.Middleware)
}

// Handle forwards one wallet verified event
func (f *KickoffForwarder) Handle(msg *message.Message) error {
	var event WalletVerifiedEvent
	if err := json.Unmarshal(msg.Payload, &event); err != nil {
		// Malformed payloads are never retried
		f.logger.Error("dropping malformed wallet verified event", "message_id", msg.UUID, "error", err)
		return nil
	}

	body, err := json.Marshal(kickoffRequest{WalletAddress: event.Address, TaskType: kickoffTaskType})
	if err != nil {
		return fmt.Errorf("failed to marshal kickoff request: %w", err)
	}

	req, err := http.NewRequestWithContext(msg.Context(), http.MethodPost, f.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build kickoff request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if f.cfg.APIKey != "" {
		req.Header.Set("X-API-Key", f.cfg.APIKey)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return fmt.Errorf("kickoff request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 300 {
		return fmt.Errorf("kickoff request failed with status %d", resp.StatusCode)
	}

	f.logger.Info("wallet kickoff delivered", "address", event.Address, "subject_id", event.SubjectID)
	return nil
}

func (f *KickoffForwarder) dropAfterRetries(h message.HandlerFunc) message.HandlerFunc {
	return func(msg *message.Message) ([]*message.Message, error) {
		produced, err := h(msg)
		if err != nil {
			f.logger.Error("giving up on wallet kickoff", "message_id", msg.UUID, "error", err)
			return nil, nil
		}
		return produced, nil
	}
}

// NewRouter creates a watermill router logging through logger
func NewRouter(logger *slog.Logger) (*message.Router, error) {
	router, err := message.NewRouter(message.RouterConfig{CloseTimeout: 10 * time.Second}, watermill.NewSlogLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("failed to create event router: %w", err)
	}
	return router, nil
}

// RunRouter runs router until ctx is cancelled
func RunRouter(ctx context.Context, router *message.Router) error {
	if err := router.Run(ctx); err != nil {
		return fmt.Errorf("event router stopped: %w", err)
	}
	return nil
}
