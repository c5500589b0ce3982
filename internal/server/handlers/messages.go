// Package handlers provides the HTTP request handlers for the server.
package handlers

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/poemonsense/antigravity-broker/internal/agerrors"
	"github.com/poemonsense/antigravity-broker/internal/broker"
	"github.com/poemonsense/antigravity-broker/internal/config"
)

// MessagesHandler brokers inference requests.
type MessagesHandler struct {
	broker *broker.Broker
}

// NewMessagesHandler creates a MessagesHandler.
func NewMessagesHandler(b *broker.Broker) *MessagesHandler {
	return &MessagesHandler{broker: b}
}

// Messages handles POST /v1/messages.
func (h *MessagesHandler) Messages(c *gin.Context) {
	payload, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, errorBody("invalid_request_error", "failed to read request body"))
		return
	}
	if !gjson.ValidBytes(payload) {
		c.JSON(http.StatusBadRequest, errorBody("invalid_request_error", "request body is not valid JSON"))
		return
	}

	resp, err := h.broker.Execute(c.Request.Context(), sessionID(c, payload), upstreamURL(), payload)
	if err != nil {
		var noEligible *agerrors.NoEligibleAccount
		if errors.As(err, &noEligible) {
			if noEligible.MinWait > 0 {
				retrySecs := int64(noEligible.MinWait/time.Second) + 1
				c.Header("Retry-After", strconv.FormatInt(retrySecs, 10))
			}
			c.JSON(http.StatusTooManyRequests, errorBody("overloaded_error", noEligible.Error()))
			return
		}
		log.Errorf("[API] Broker error: %v", err)
		c.JSON(http.StatusBadGateway, errorBody("api_error", err.Error()))
		return
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/json"
	}
	c.Data(resp.Status, contentType, resp.Body)
}

// sessionID ties thinking-signature state to a conversation: the
// client's explicit header wins, then the Anthropic metadata user id,
// then a fresh id.
func sessionID(c *gin.Context, payload []byte) string {
	if id := c.GetHeader("X-Session-Id"); id != "" {
		return id
	}
	if id := gjson.GetBytes(payload, "metadata.user_id").Str; id != "" {
		return id
	}
	return uuid.NewString()
}

func upstreamURL() string {
	return config.AntigravityEndpointDaily + "/v1internal:generateContent"
}

func errorBody(errType, message string) gin.H {
	return gin.H{
		"type": "error",
		"error": gin.H{
			"type":    errType,
			"message": message,
		},
	}
}
