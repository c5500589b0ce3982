package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/poemonsense/antigravity-broker/internal/account"
	"github.com/poemonsense/antigravity-broker/internal/signature"
	"github.com/poemonsense/antigravity-broker/internal/token"
)

// AccountsHandler exposes the pool management surface.
type AccountsHandler struct {
	manager    *account.Manager
	queue      *token.Queue
	signatures *signature.Cache
}

// NewAccountsHandler creates an AccountsHandler.
func NewAccountsHandler(manager *account.Manager, queue *token.Queue, signatures *signature.Cache) *AccountsHandler {
	return &AccountsHandler{manager: manager, queue: queue, signatures: signatures}
}

// List handles GET /admin/accounts.
func (h *AccountsHandler) List(c *gin.Context) {
	c.JSON(http.StatusOK, h.manager.Status())
}

// SetEnabled handles POST /admin/accounts/:index/enable and /disable.
func (h *AccountsHandler) SetEnabled(enabled bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		index, ok := indexParam(c)
		if !ok {
			return
		}
		if err := h.manager.SetAccountEnabled(index, enabled); err != nil {
			c.JSON(http.StatusNotFound, errorBody("not_found_error", err.Error()))
			return
		}
		c.JSON(http.StatusOK, gin.H{"index": index, "enabled": enabled})
	}
}

// Remove handles DELETE /admin/accounts/:index.
func (h *AccountsHandler) Remove(c *gin.Context) {
	index, ok := indexParam(c)
	if !ok {
		return
	}

	accounts := h.manager.Accounts()
	if index < 0 || index >= len(accounts) {
		c.JSON(http.StatusNotFound, errorBody("not_found_error", "no account at index "+strconv.Itoa(index)))
		return
	}
	if err := h.manager.RemoveAccount(accounts[index]); err != nil {
		log.Errorf("[API] Failed to remove account %d: %v", index, err)
		c.JSON(http.StatusInternalServerError, errorBody("api_error", err.Error()))
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": index, "remaining": h.manager.Count()})
}

// RegenerateFingerprint handles POST /admin/accounts/:index/fingerprint/regenerate.
func (h *AccountsHandler) RegenerateFingerprint(c *gin.Context) {
	index, ok := indexParam(c)
	if !ok {
		return
	}
	if err := h.manager.RegenerateFingerprint(index); err != nil {
		c.JSON(http.StatusNotFound, errorBody("not_found_error", err.Error()))
		return
	}
	c.JSON(http.StatusOK, gin.H{"index": index})
}

// RestoreFingerprint handles POST /admin/accounts/:index/fingerprint/restore.
func (h *AccountsHandler) RestoreFingerprint(c *gin.Context) {
	index, ok := indexParam(c)
	if !ok {
		return
	}

	var body struct {
		HistoryIndex int `json:"historyIndex"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, errorBody("invalid_request_error", "historyIndex required"))
		return
	}
	if err := h.manager.RestoreFingerprint(index, body.HistoryIndex); err != nil {
		c.JSON(http.StatusNotFound, errorBody("not_found_error", err.Error()))
		return
	}
	c.JSON(http.StatusOK, gin.H{"index": index, "historyIndex": body.HistoryIndex})
}

// ClearRateLimits handles POST /admin/limits/clear.
func (h *AccountsHandler) ClearRateLimits(c *gin.Context) {
	family := account.Family(c.DefaultQuery("family", string(account.FamilyGemini)))
	if family != account.FamilyGemini && family != account.FamilyClaude {
		c.JSON(http.StatusBadRequest, errorBody("invalid_request_error", "family must be claude or gemini"))
		return
	}
	h.manager.ClearAllRateLimitsForFamily(family, c.Query("model"))
	c.JSON(http.StatusOK, gin.H{"family": family, "model": c.Query("model")})
}

// ClearSignatures handles POST /admin/signatures/clear.
func (h *AccountsHandler) ClearSignatures(c *gin.Context) {
	if session := c.Query("session"); session != "" {
		h.signatures.ClearSession(session)
		c.JSON(http.StatusOK, gin.H{"cleared": session})
		return
	}
	h.signatures.ClearAll()
	c.JSON(http.StatusOK, gin.H{"cleared": "all"})
}

// RefreshToken handles POST /refresh-token: one immediate proactive
// refresh pass.
func (h *AccountsHandler) RefreshToken(c *gin.Context) {
	h.queue.Tick(nil)
	c.JSON(http.StatusOK, h.queue.Stats())
}

func indexParam(c *gin.Context) (int, bool) {
	index, err := strconv.Atoi(c.Param("index"))
	if err != nil {
		c.JSON(http.StatusBadRequest, errorBody("invalid_request_error", "index must be an integer"))
		return 0, false
	}
	return index, true
}
