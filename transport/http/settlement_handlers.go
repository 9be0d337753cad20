package http

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/layer-3/rewardgate/core"
	"github.com/layer-3/rewardgate/service"
)

// Error codes returned by settlement endpoints
const (
	CodeSettlementDisabled = "SettlementDisabled"
	CodeNotFound           = "NotFound"
	CodeChainUnavailable   = "ChainUnavailable"
)

// SettlementHandlers contains HTTP handlers for the internal settlement endpoints
type SettlementHandlers struct {
	settlements *service.SettlementService
	sweeper     *service.Sweeper
}

// NewSettlementHandlers creates new settlement handlers
func NewSettlementHandlers(settlements *service.SettlementService, sweeper *service.Sweeper) *SettlementHandlers {
	return &SettlementHandlers{
		settlements: settlements,
		sweeper:     sweeper,
	}
}

// Request records an approval and releases the reward
func (h *SettlementHandlers) Request(c *gin.Context) {
	var req struct {
		TaskID        string          `json:"taskId" binding:"required"`
		SubmissionID  string          `json:"submissionId" binding:"required"`
		PayoutAddress string          `json:"payoutAddress" binding:"required"`
		Amount        decimal.Decimal `json:"amount"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, CodeInvalidRequest, "Invalid request")
		return
	}

	record, created, err := h.settlements.RequestSettlement(c.Request.Context(), core.SettlementRequest{
		TaskID:        req.TaskID,
		SubmissionID:  req.SubmissionID,
		PayoutAddress: req.PayoutAddress,
		Amount:        req.Amount,
	})
	if err != nil {
		writeSettlementError(c, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	c.JSON(status, record)
}

// Get returns one settlement
func (h *SettlementHandlers) Get(c *gin.Context) {
	record, err := h.settlements.GetSettlementStatus(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeSettlementError(c, err)
		return
	}
	c.JSON(http.StatusOK, record)
}

// Sweep runs one reconciliation sweep
func (h *SettlementHandlers) Sweep(c *gin.Context) {
	if h.sweeper == nil {
		writeSettlementError(c, core.ErrSettlementDisabled)
		return
	}

	report, err := h.sweeper.SweepOnce(c.Request.Context())
	if err != nil {
		writeSettlementError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func writeSettlementError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, core.ErrSettlementDisabled):
		writeError(c, http.StatusServiceUnavailable, CodeSettlementDisabled, "Settlement is not configured")
	case errors.Is(err, core.ErrInvalidAddress):
		writeError(c, http.StatusBadRequest, CodeInvalidRequest, "Invalid payout address")
	case errors.Is(err, core.ErrInvalidAmount):
		writeError(c, http.StatusBadRequest, CodeInvalidRequest, "Invalid amount")
	case errors.Is(err, core.ErrInvalidTaskID):
		writeError(c, http.StatusBadRequest, CodeInvalidRequest, "Invalid task id")
	case errors.Is(err, core.ErrInvalidRequest):
		writeError(c, http.StatusBadRequest, CodeInvalidRequest, "Invalid request")
	case errors.Is(err, core.ErrSettlementNotFound):
		writeError(c, http.StatusNotFound, CodeNotFound, "Settlement not found")
	case errors.Is(err, core.ErrChainUnavailable):
		writeError(c, http.StatusBadGateway, CodeChainUnavailable, "Chain is unavailable, retry later")
	default:
		writeError(c, http.StatusInternalServerError, CodeInternal, "Settlement failed")
	}
}
