// Package api exposes the two dialect surfaces of the proxy: the Anthropic
// messages endpoint and the OpenAI chat-completions endpoint, plus model
// listing and a root info endpoint.
package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/codelayer/agproxy/internal/auth"
	"github.com/codelayer/agproxy/internal/balancer"
	"github.com/codelayer/agproxy/internal/config"
	"github.com/codelayer/agproxy/internal/contextmgr"
	"github.com/codelayer/agproxy/internal/executor"
	"github.com/codelayer/agproxy/internal/monitor"
	"github.com/codelayer/agproxy/internal/router"
)

// upstream is the executor surface the handlers drive; narrowed to an
// interface so handler tests can stub the transport.
type upstream interface {
	Execute(ctx context.Context, account *auth.Account, from string, modelName string, original []byte) ([]byte, error)
	ExecuteStream(ctx context.Context, account *auth.Account, from string, modelName string, original []byte) (<-chan executor.StreamChunk, error)
	CountTokens(ctx context.Context, account *auth.Account, envelope []byte) ([]byte, error)
	FetchAvailableModels(ctx context.Context, account *auth.Account) ([]byte, error)
}

// accountSource yields the accounts the balancer may pick from.
type accountSource interface {
	List() []*auth.Account
}

// Server hosts the HTTP surfaces.
type Server struct {
	cfg      *config.Config
	engine   *gin.Engine
	server   *http.Server
	routes   *router.Router
	bal      *balancer.Balancer
	exec     upstream
	accounts accountSource
	ctxmgr   *contextmgr.Manager
	recorder monitor.Recorder
	version  string
}

// Options carries the server's collaborators.
type Options struct {
	Config   *config.Config
	Routes   *router.Router
	Balancer *balancer.Balancer
	Executor upstream
	Accounts accountSource
	Context  *contextmgr.Manager
	Recorder monitor.Recorder
	Version  string
}

// NewServer builds the gin engine and wires the routes.
func NewServer(opts Options) *Server {
	if !opts.Config.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Logger())
	engine.Use(gin.Recovery())
	engine.Use(corsMiddleware())

	recorder := opts.Recorder
	if recorder == nil {
		recorder = monitor.Discard{}
	}
	version := opts.Version
	if version == "" {
		version = "1.0.0"
	}

	s := &Server{
		cfg:      opts.Config,
		engine:   engine,
		routes:   opts.Routes,
		bal:      opts.Balancer,
		exec:     opts.Executor,
		accounts: opts.Accounts,
		ctxmgr:   opts.Context,
		recorder: recorder,
		version:  version,
	}
	s.setupRoutes()
	s.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", opts.Config.Port),
		Handler: engine,
	}
	return s
}

func (s *Server) setupRoutes() {
	v1 := s.engine.Group("/v1")
	v1.Use(authMiddleware(s.cfg))
	{
		v1.GET("/models", s.handleModels)
		v1.POST("/messages", s.handleClaudeMessages)
		v1.POST("/messages/count_tokens", s.handleCountTokens)
		v1.POST("/chat/completions", s.handleChatCompletions)
	}

	s.engine.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"message": "Antigravity Proxy",
			"version": s.version,
			"endpoints": []string{
				"POST /v1/messages",
				"POST /v1/chat/completions",
				"GET /v1/models",
			},
		})
	})
}

// Handler exposes the engine for tests.
func (s *Server) Handler() http.Handler { return s.engine }

// Start runs the listener until Shutdown.
func (s *Server) Start() error {
	err := s.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// UpdateConfig applies a hot-reloaded configuration: routing table swaps
// are handled by the router itself; here we refresh the retained pointer.
func (s *Server) UpdateConfig(cfg *config.Config) {
	s.cfg = cfg
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Content-Length, Accept-Encoding, Authorization, X-Api-Key, Anthropic-Version")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

func authMiddleware(cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		if len(cfg.APIKeys) == 0 {
			c.Next()
			return
		}

		authHeader := c.GetHeader("Authorization")
		anthropicKey := c.GetHeader("X-Api-Key")

		apiKey := authHeader
		if parts := strings.SplitN(authHeader, " ", 2); len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
			apiKey = parts[1]
		}

		for _, key := range cfg.APIKeys {
			if key == apiKey || key == anthropicKey {
				c.Next()
				return
			}
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid API key"})
	}
}
