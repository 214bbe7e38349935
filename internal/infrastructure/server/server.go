package server

import (
	"fmt"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	apihttp "github.com/crewdesk/backend/internal/api/http"
	"github.com/crewdesk/backend/internal/api/middleware"
	"github.com/crewdesk/backend/internal/api/ws"
	"github.com/crewdesk/backend/internal/domain/account"
	"github.com/crewdesk/backend/internal/domain/agent"
	"github.com/crewdesk/backend/internal/domain/history"
	"github.com/crewdesk/backend/internal/infrastructure/config"
	"github.com/crewdesk/backend/internal/infrastructure/logging"
	"github.com/crewdesk/backend/internal/infrastructure/monitoring"
	"github.com/crewdesk/backend/internal/notify"
	"github.com/crewdesk/backend/internal/providers/browser"
	"github.com/crewdesk/backend/internal/stream"
)

// Server wraps the HTTP server and dependencies
type Server struct {
	router       *gin.Engine
	orchestrator *agent.Orchestrator
	account      *account.Store
	history      *history.Store
	logger       *logging.Logger
	config       *config.Config
	metrics      *monitoring.Metrics
}

// NewServer creates a new server instance
func NewServer(cfg *config.Config) (*Server, error) {
	var logger *logging.Logger
	if cfg.Logging.Development {
		logger = logging.NewDevelopment()
	} else {
		logger = logging.NewDefault()
	}

	logger.Info("Initializing Crewdesk Backend",
		zap.String("port", cfg.Server.Port),
		zap.String("provider_url", cfg.Provider.BaseURL),
	)

	metrics := monitoring.NewMetrics()

	acct := account.New(0)

	var hist *history.Store
	if cfg.History.Enabled {
		var err error
		hist, err = history.NewStore(cfg.History.Dir, logger.Named("history"))
		if err != nil {
			return nil, fmt.Errorf("failed to initialize history store: %w", err)
		}
	}

	provider := browser.NewClient(browser.Config{
		BaseURL: cfg.Provider.BaseURL,
		APIKey:  cfg.Provider.APIKey,
	}, logger.Named("browser"))

	streams := stream.NewDialer(stream.Config{
		BaseURL: cfg.Provider.BaseURL,
		APIKey:  cfg.Provider.APIKey,
	}, logger.Named("stream"))

	orchestrator := agent.New(provider, streams, acct, agent.Config{
		StartTimeout:   cfg.Provider.StartTimeout,
		ExecuteTimeout: cfg.Provider.ExecuteTimeout,
		SettleDelay:    cfg.Agent.SettleDelay,
		MinBalance:     cfg.Agent.MinBalance,
		CommandCost:    cfg.Agent.CommandCost,
	}, logger.Named("agent")).WithMetrics(metrics)

	if slack := notify.NewSlack(cfg.Slack.WebhookURL, cfg.Slack.Timeout, logger.Named("slack")); slack != nil {
		orchestrator.WithNotifier(slack)
		logger.Info("Slack notifications enabled")
	}
	if hist != nil {
		orchestrator.WithArchiver(func(snap agent.Snapshot) {
			if _, err := hist.Archive(snap); err != nil {
				logger.Warn("Failed to archive session transcript", zap.Error(err))
			} else {
				metrics.IncArchived()
			}
		})
	}

	if !cfg.Logging.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()

	router.Use(gin.Recovery())
	router.Use(middleware.RequestID())
	router.Use(monitoring.Middleware(metrics))
	router.Use(middleware.CORS(middleware.DefaultCORSConfig()))
	if cfg.RateLimit.Enabled {
		logger.Info("Rate limiting enabled",
			zap.Int("rps", cfg.RateLimit.RequestsPerSecond),
			zap.Int("burst", cfg.RateLimit.Burst),
		)
		router.Use(middleware.RateLimit(middleware.RateLimitConfig{
			RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
			Burst:             cfg.RateLimit.Burst,
		}))
	}

	handlers := apihttp.NewHandlers(orchestrator, acct, hist, logger.Named("http"))
	wsHandler := ws.NewHandler(orchestrator, metrics, logger.Named("ws"))

	router.GET("/", handlers.Root)
	router.GET("/health", handlers.Health)

	// Orchestrator operations
	router.POST("/api/command", handlers.SubmitCommand)
	router.POST("/api/session/new", handlers.NewSession)
	router.GET("/api/state", handlers.GetState)
	router.GET("/api/stream", handlers.StreamEvents(metrics))

	// Account state
	router.GET("/api/account", handlers.GetAccount)
	router.POST("/api/account/client", handlers.SelectClient)
	router.POST("/api/account/balance", handlers.SetBalance)

	// Session history
	router.GET("/api/history", handlers.ListHistory)
	router.GET("/api/history/:id", handlers.GetHistory)
	router.DELETE("/api/history/:id", handlers.DeleteHistory)

	// WebSocket
	router.GET("/ws", wsHandler.HandleConnection)

	// Metrics
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	logger.Info("Server initialized successfully")

	return &Server{
		router:       router,
		orchestrator: orchestrator,
		account:      acct,
		history:      hist,
		logger:       logger,
		config:       cfg,
		metrics:      metrics,
	}, nil
}

// Run starts the HTTP server
func (s *Server) Run() error {
	addr := s.config.Server.Host + ":" + s.config.Server.Port
	s.logger.Info("Starting HTTP server", zap.String("addr", addr))
	return s.router.Run(addr)
}

// Close gracefully shuts down the server
func (s *Server) Close() error {
	s.logger.Info("Shutting down server...")

	if err := s.orchestrator.Close(); err != nil {
		s.logger.Error("Failed to close orchestrator", zap.Error(err))
		return fmt.Errorf("failed to close orchestrator: %w", err)
	}
	s.logger.Info("Orchestrator stopped")

	s.logger.Sync()
	return nil
}
