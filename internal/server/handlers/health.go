package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/poemonsense/antigravity-broker/internal/account"
	"github.com/poemonsense/antigravity-broker/internal/token"
)

// HealthHandler reports broker liveness and pool state.
type HealthHandler struct {
	manager *account.Manager
	queue   *token.Queue
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(manager *account.Manager, queue *token.Queue) *HealthHandler {
	return &HealthHandler{manager: manager, queue: queue}
}

// Health handles GET /health.
func (h *HealthHandler) Health(c *gin.Context) {
	status := h.manager.Status()
	now := time.Now().UnixMilli()

	available := 0
	rateLimited := 0
	cooling := 0
	for _, acc := range status.Accounts {
		if !acc.Enabled {
			continue
		}
		switch {
		case acc.CoolingDownUntil > now:
			cooling++
		case soonestReset(acc.RateLimitResetTimes, now) > 0:
			rateLimited++
		default:
			available++
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"timestamp": time.Now().Format(time.RFC3339),
		"counts": gin.H{
			"total":       status.AccountCount,
			"enabled":     status.EnabledCount,
			"available":   available,
			"rateLimited": rateLimited,
			"coolingDown": cooling,
		},
		"refreshQueue": h.queue.Stats(),
		"accounts":     status.Accounts,
	})
}

// soonestReset returns the earliest pending reset, 0 when every pool is
// open.
func soonestReset(resets map[string]int64, now int64) int64 {
	var soonest int64
	for _, reset := range resets {
		if reset > now && (soonest == 0 || reset < soonest) {
			soonest = reset
		}
	}
	return soonest
}
