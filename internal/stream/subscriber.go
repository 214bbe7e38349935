package stream

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/crewdesk/backend/internal/infrastructure/logging"
)

// Handler receives decoded frames in arrival order.
type Handler func(Frame)

// ErrorHandler is invoked at most once, when the transport fails.
type ErrorHandler func(error)

// Config defines how subscriptions reach the provider's event endpoint.
type Config struct {
	BaseURL string
	APIKey  string
}

// Dialer opens per-session subscriptions against the provider's update
// stream. Each subscription is single-consumer and bound to one session.
type Dialer struct {
	http   *resty.Client
	cfg    Config
	logger *logging.Logger
}

// NewDialer creates a dialer for the given provider endpoint.
func NewDialer(cfg Config, logger *logging.Logger) *Dialer {
	client := resty.New().
		SetTimeout(0). // long-lived stream, lifetime governed by Close
		SetHeader("Accept", "text/event-stream").
		SetHeader("User-Agent", "Crewdesk-Stream/1.0")
	if cfg.APIKey != "" {
		client.SetHeader("Authorization", "Bearer "+cfg.APIKey)
	}
	return &Dialer{http: client, cfg: cfg, logger: logger}
}

// Open subscribes to the event stream for sessionID. Frames are delivered
// to onFrame; a transport failure is reported once to onErr, after which the
// subscription is dead and must be reopened by the caller. Close never
// triggers onErr.
func (d *Dialer) Open(sessionID string, onFrame Handler, onErr ErrorHandler) (io.Closer, error) {
	ctx, cancel := context.WithCancel(context.Background())

	resp, err := d.http.R().
		SetContext(ctx).
		SetDoNotParseResponse(true).
		Get(fmt.Sprintf("%s/v1/sessions/%s/events", strings.TrimRight(d.cfg.BaseURL, "/"), url.PathEscape(sessionID)))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to open update stream: %w", err)
	}
	if resp.StatusCode() != 200 {
		resp.RawBody().Close()
		cancel()
		return nil, fmt.Errorf("update stream rejected: status %d", resp.StatusCode())
	}

	sub := &Subscription{
		sessionID: sessionID,
		cancel:    cancel,
		body:      resp.RawBody(),
	}
	go sub.readLoop(d.logger, onFrame, onErr)

	d.logger.Info("Update stream opened", zap.String("session_id", sessionID))
	return sub, nil
}

// Subscription is one open update stream bound to a session.
type Subscription struct {
	sessionID string
	cancel    context.CancelFunc
	body      io.ReadCloser
	closed    atomic.Bool
	once      sync.Once
}

// SessionID returns the session this subscription is bound to.
func (s *Subscription) SessionID() string {
	return s.sessionID
}

// Close tears down the subscription. Safe to call more than once.
func (s *Subscription) Close() error {
	s.once.Do(func() {
		s.closed.Store(true)
		s.cancel()
		s.body.Close()
	})
	return nil
}

func (s *Subscription) readLoop(logger *logging.Logger, onFrame Handler, onErr ErrorHandler) {
	defer s.body.Close()

	scanner := bufio.NewScanner(s.body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue // comments, event names, keep-alives
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "" {
			continue
		}
		frame, err := Decode([]byte(payload))
		if err != nil {
			// Malformed frames are diagnostics only; the stream survives.
			logger.Debug("Discarding malformed stream frame",
				zap.String("session_id", s.sessionID),
				zap.Error(err),
			)
			continue
		}
		onFrame(frame)
	}

	if s.closed.Load() {
		return
	}

	err := scanner.Err()
	if err == nil {
		err = io.ErrUnexpectedEOF
	}
	logger.Warn("Update stream transport failed",
		zap.String("session_id", s.sessionID),
		zap.Error(err),
	)
	onErr(err)
}
