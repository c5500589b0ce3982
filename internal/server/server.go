package server

import (
	"github.com/gin-gonic/gin"

	"github.com/poemonsense/antigravity-broker/internal/account"
	"github.com/poemonsense/antigravity-broker/internal/broker"
	"github.com/poemonsense/antigravity-broker/internal/config"
	"github.com/poemonsense/antigravity-broker/internal/server/handlers"
	"github.com/poemonsense/antigravity-broker/internal/signature"
	"github.com/poemonsense/antigravity-broker/internal/token"
)

// Server owns the gin engine and route wiring.
type Server struct {
	cfg    *config.Config
	engine *gin.Engine
}

// New builds the engine with all middleware and routes attached.
func New(cfg *config.Config, manager *account.Manager, b *broker.Broker, queue *token.Queue, signatures *signature.Cache) *Server {
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(gin.Recovery(), CORSMiddleware(), RequestLoggingMiddleware(), SilentHandlerMiddleware())

	messages := handlers.NewMessagesHandler(b)
	accounts := handlers.NewAccountsHandler(manager, queue, signatures)
	health := handlers.NewHealthHandler(manager, queue)

	engine.GET("/health", health.Health)

	v1 := engine.Group("/v1", APIKeyAuthMiddleware(cfg))
	v1.POST("/messages", messages.Messages)

	admin := engine.Group("/admin", APIKeyAuthMiddleware(cfg))
	admin.GET("/accounts", accounts.List)
	admin.POST("/accounts/:index/enable", accounts.SetEnabled(true))
	admin.POST("/accounts/:index/disable", accounts.SetEnabled(false))
	admin.DELETE("/accounts/:index", accounts.Remove)
	admin.POST("/accounts/:index/fingerprint/regenerate", accounts.RegenerateFingerprint)
	admin.POST("/accounts/:index/fingerprint/restore", accounts.RestoreFingerprint)
	admin.POST("/limits/clear", accounts.ClearRateLimits)
	admin.POST("/signatures/clear", accounts.ClearSignatures)
	admin.POST("/refresh-token", accounts.RefreshToken)

	return &Server{cfg: cfg, engine: engine}
}

// Engine exposes the router for the HTTP server and tests.
func (s *Server) Engine() *gin.Engine {
	return s.engine
}
