package http

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/crewdesk/backend/internal/domain/account"
	"github.com/crewdesk/backend/internal/domain/agent"
	"github.com/crewdesk/backend/internal/domain/history"
	"github.com/crewdesk/backend/internal/infrastructure/logging"
)

// Handlers contains all HTTP handlers
type Handlers struct {
	orchestrator *agent.Orchestrator
	account      *account.Store
	history      *history.Store
	logger       *logging.Logger
}

// NewHandlers creates a new handler set
func NewHandlers(
	orchestrator *agent.Orchestrator,
	acct *account.Store,
	hist *history.Store,
	logger *logging.Logger,
) *Handlers {
	return &Handlers{
		orchestrator: orchestrator,
		account:      acct,
		history:      hist,
		logger:       logger,
	}
}

// CommandRequest is the submit payload.
type CommandRequest struct {
	Message string `json:"message" binding:"required"`
}

// SelectClientRequest sets the active client profile.
type SelectClientRequest struct {
	ClientID string `json:"clientId" binding:"required"`
}

// BalanceRequest replaces the account balance.
type BalanceRequest struct {
	Balance float64 `json:"balance"`
}

// Root handles the service banner
func (h *Handlers) Root(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "online",
		"service": "Crewdesk Backend",
		"version": "0.3.0",
	})
}

// Health handles detailed health check
func (h *Handlers) Health(c *gin.Context) {
	snap := h.orchestrator.Snapshot()
	clientID, hasClient := h.account.ActiveClient()
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"agent": gin.H{
			"status":       snap.Status,
			"busy":         snap.Busy,
			"session_live": snap.Session.Live(),
		},
		"account": gin.H{
			"client_selected": hasClient,
			"client_id":       clientID,
			"balance":         h.account.Balance(),
		},
		"history": gin.H{
			"enabled":  h.history != nil,
			"archived": h.archivedCount(),
		},
	})
}

// SubmitCommand submits an instruction to the orchestrator. Only admission
// is reported here; execution results arrive via the event stream and state.
func (h *Handlers) SubmitCommand(c *gin.Context) {
	var req CommandRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	err := h.orchestrator.Submit(req.Message)
	switch {
	case err == nil:
		c.JSON(http.StatusAccepted, gin.H{"accepted": true})
	case errors.Is(err, agent.ErrEmptyInstruction):
		c.JSON(http.StatusBadRequest, gin.H{"accepted": false, "reason": err.Error()})
	case errors.Is(err, agent.ErrBusy):
		c.JSON(http.StatusConflict, gin.H{"accepted": false, "reason": err.Error()})
	case errors.Is(err, agent.ErrNoContext), errors.Is(err, agent.ErrInsufficientBalance):
		c.JSON(http.StatusPreconditionFailed, gin.H{"accepted": false, "reason": err.Error()})
	default:
		c.JSON(http.StatusServiceUnavailable, gin.H{"accepted": false, "reason": err.Error()})
	}
}

// NewSession discards the current session and resets state
func (h *Handlers) NewSession(c *gin.Context) {
	h.orchestrator.StartNewSession()
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"state":   h.orchestrator.Snapshot(),
	})
}

// GetState returns the orchestrator snapshot
func (h *Handlers) GetState(c *gin.Context) {
	c.JSON(http.StatusOK, h.orchestrator.Snapshot())
}

// GetAccount returns the account state
func (h *Handlers) GetAccount(c *gin.Context) {
	clientID, hasClient := h.account.ActiveClient()
	c.JSON(http.StatusOK, gin.H{
		"clientId": clientID,
		"selected": hasClient,
		"balance":  h.account.Balance(),
	})
}

// SelectClient sets the active client profile
func (h *Handlers) SelectClient(c *gin.Context) {
	var req SelectClientRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	h.account.SelectClient(req.ClientID)
	c.JSON(http.StatusOK, gin.H{"success": true, "clientId": req.ClientID})
}

// SetBalance replaces the account balance
func (h *Handlers) SetBalance(c *gin.Context) {
	var req BalanceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Balance < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "balance must not be negative"})
		return
	}
	h.account.SetBalance(req.Balance)
	c.JSON(http.StatusOK, gin.H{"success": true, "balance": req.Balance})
}

func (h *Handlers) archivedCount() int {
	if h.history == nil {
		return 0
	}
	return len(h.history.List())
}

// ListHistory lists archived session transcripts
func (h *Handlers) ListHistory(c *gin.Context) {
	if h.history == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "history disabled"})
		return
	}
	records := h.history.List()
	c.JSON(http.StatusOK, gin.H{
		"records": records,
		"total":   len(records),
	})
}

// GetHistory returns one archived transcript
func (h *Handlers) GetHistory(c *gin.Context) {
	if h.history == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "history disabled"})
		return
	}
	rec, err := h.history.Load(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, rec)
}

// DeleteHistory removes an archived transcript
func (h *Handlers) DeleteHistory(c *gin.Context) {
	if h.history == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "history disabled"})
		return
	}
	if err := h.history.Delete(c.Param("id")); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}
