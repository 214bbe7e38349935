package browser

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/crewdesk/backend/internal/domain/agent"
	"github.com/crewdesk/backend/internal/infrastructure/logging"
	"github.com/crewdesk/backend/internal/infrastructure/resilience"
)

// Config defines how the client reaches the managed browser provider.
type Config struct {
	BaseURL string
	APIKey  string
}

// Client calls the managed headless-browser provider over HTTP. It wraps
// resty with retries, a circuit breaker, and request pacing, and implements
// agent.Provider.
type Client struct {
	http    *resty.Client
	breaker *resilience.Breaker
	limiter *rate.Limiter
	logger  *logging.Logger
}

// Message is one chat-style turn sent with an instruction.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type startSessionResponse struct {
	SessionID   string `json:"sessionId"`
	LiveViewURL string `json:"liveViewUrl,omitempty"`
}

type executeRequest struct {
	Messages  []Message `json:"messages"`
	SessionID string    `json:"sessionId"`
	KeepOpen  bool      `json:"keepOpen"`
}

type executeResponse struct {
	Message     string `json:"message,omitempty"`
	LiveViewURL string `json:"liveViewUrl,omitempty"`
	SessionID   string `json:"sessionId,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// NewClient creates a provider client.
func NewClient(cfg Config, logger *logging.Logger) *Client {
	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = 3
	retryClient.RetryWaitMin = 1 * time.Second
	retryClient.RetryWaitMax = 15 * time.Second
	retryClient.Logger = nil

	httpClient := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetHeader("Content-Type", "application/json").
		SetHeader("User-Agent", "Crewdesk-Browser/1.0").
		SetTransport(&retryablehttp.RoundTripper{Client: retryClient})
	if cfg.APIKey != "" {
		httpClient.SetHeader("Authorization", "Bearer "+cfg.APIKey)
	}

	breaker := resilience.New("browser-provider", resilience.Settings{
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts resilience.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to resilience.State) {
			logger.Warn("Provider circuit state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})

	return &Client{
		http:    httpClient,
		breaker: breaker,
		limiter: rate.NewLimiter(rate.Limit(5), 10),
		logger:  logger,
	}
}

// StartSession allocates a fresh remote browser session.
func (c *Client) StartSession(ctx context.Context) (*agent.StartResult, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	res, err := c.breaker.Execute(func() (interface{}, error) {
		var out startSessionResponse
		var apiErr errorResponse

		resp, err := c.http.R().
			SetContext(ctx).
			SetBody(map[string]interface{}{}).
			SetResult(&out).
			SetError(&apiErr).
			Post("/v1/sessions")
		if err != nil {
			return nil, fmt.Errorf("start session: %w", err)
		}
		if resp.IsError() {
			return nil, providerError("start session", resp.StatusCode(), apiErr)
		}
		if out.SessionID == "" {
			return nil, errors.New("start session: provider returned no session id")
		}
		return &out, nil
	})
	if err != nil {
		return nil, err
	}

	out := res.(*startSessionResponse)
	c.logger.Info("Remote session started", zap.String("session_id", out.SessionID))
	return &agent.StartResult{
		SessionID:   out.SessionID,
		LiveViewURL: out.LiveViewURL,
	}, nil
}

// ExecuteInstruction runs one chat-style instruction against an existing
// session. The session is asked to stay open afterward so follow-up
// commands reuse the same browser state.
func (c *Client) ExecuteInstruction(ctx context.Context, instruction, sessionID string) (*agent.ExecResult, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	res, err := c.breaker.Execute(func() (interface{}, error) {
		var out executeResponse
		var apiErr errorResponse

		resp, err := c.http.R().
			SetContext(ctx).
			SetBody(executeRequest{
				Messages:  []Message{{Role: "user", Content: instruction}},
				SessionID: sessionID,
				KeepOpen:  true,
			}).
			SetResult(&out).
			SetError(&apiErr).
			Post("/v1/instructions")
		if err != nil {
			return nil, fmt.Errorf("execute instruction: %w", err)
		}
		if resp.IsError() {
			return nil, providerError("execute instruction", resp.StatusCode(), apiErr)
		}
		return &out, nil
	})
	if err != nil {
		return nil, err
	}

	out := res.(*executeResponse)
	return &agent.ExecResult{
		Message:     out.Message,
		LiveViewURL: out.LiveViewURL,
		SessionID:   out.SessionID,
	}, nil
}

func providerError(op string, status int, apiErr errorResponse) error {
	if apiErr.Error != "" {
		return fmt.Errorf("%s: %s (status %d)", op, apiErr.Error, status)
	}
	return fmt.Errorf("%s: provider returned status %d", op, status)
}
