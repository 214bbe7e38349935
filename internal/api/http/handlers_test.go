package http

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crewdesk/backend/internal/domain/account"
	"github.com/crewdesk/backend/internal/domain/agent"
	"github.com/crewdesk/backend/internal/domain/history"
	"github.com/crewdesk/backend/internal/infrastructure/logging"
	"github.com/crewdesk/backend/internal/stream"
)

type stubProvider struct {
	gate chan struct{}
}

func (p *stubProvider) StartSession(ctx context.Context) (*agent.StartResult, error) {
	return &agent.StartResult{SessionID: "abc123", LiveViewURL: "https://view/abc123"}, nil
}

func (p *stubProvider) ExecuteInstruction(ctx context.Context, instruction, sessionID string) (*agent.ExecResult, error) {
	if p.gate != nil {
		<-p.gate
	}
	return &agent.ExecResult{Message: "done"}, nil
}

type stubStreams struct{}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func (stubStreams) Open(sessionID string, onFrame stream.Handler, onErr stream.ErrorHandler) (io.Closer, error) {
	return nopCloser{}, nil
}

type fixture struct {
	router       *gin.Engine
	orchestrator *agent.Orchestrator
	account      *account.Store
	history      *history.Store
}

func newFixture(t *testing.T, provider agent.Provider, withHistory bool) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	logger := logging.NewNop()
	acct := account.New(10)

	var hist *history.Store
	if withHistory {
		var err error
		hist, err = history.NewStore(t.TempDir(), logger)
		require.NoError(t, err)
	}

	cfg := agent.Config{
		StartTimeout:   time.Second,
		ExecuteTimeout: time.Second,
		SettleDelay:    time.Millisecond,
		MinBalance:     1.0,
		CommandCost:    0.5,
	}
	orch := agent.New(provider, stubStreams{}, acct, cfg, logger)
	if hist != nil {
		orch.WithArchiver(func(snap agent.Snapshot) {
			hist.Archive(snap)
		})
	}
	t.Cleanup(func() { orch.Close() })

	h := NewHandlers(orch, acct, hist, logger)
	router := gin.New()
	router.GET("/", h.Root)
	router.GET("/health", h.Health)
	router.POST("/api/command", h.SubmitCommand)
	router.POST("/api/session/new", h.NewSession)
	router.GET("/api/state", h.GetState)
	router.GET("/api/account", h.GetAccount)
	router.POST("/api/account/client", h.SelectClient)
	router.POST("/api/account/balance", h.SetBalance)
	router.GET("/api/history", h.ListHistory)
	router.GET("/api/history/:id", h.GetHistory)
	router.DELETE("/api/history/:id", h.DeleteHistory)

	return &fixture{router: router, orchestrator: orch, account: acct, history: hist}
}

func (f *fixture) do(method, path string, body interface{}) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != nil {
		data, _ := json.Marshal(body)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func (f *fixture) waitStatus(t *testing.T, want agent.Status) {
	t.Helper()
	require.Eventually(t, func() bool {
		return f.orchestrator.Snapshot().Status == want
	}, 2*time.Second, 5*time.Millisecond)
}

func TestRoot(t *testing.T) {
	f := newFixture(t, &stubProvider{}, false)
	w := f.do(http.MethodGet, "/", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "online")
}

func TestHealth(t *testing.T) {
	f := newFixture(t, &stubProvider{}, false)
	w := f.do(http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body["status"])
}

func TestSubmitCommandAccepted(t *testing.T) {
	f := newFixture(t, &stubProvider{}, false)
	f.account.SelectClient("client-1")

	w := f.do(http.MethodPost, "/api/command", gin.H{"message": "open example.com"})
	assert.Equal(t, http.StatusAccepted, w.Code)
	f.waitStatus(t, agent.StatusCompleted)
}

func TestSubmitCommandWithoutClient(t *testing.T) {
	f := newFixture(t, &stubProvider{}, false)

	w := f.do(http.MethodPost, "/api/command", gin.H{"message": "open example.com"})
	assert.Equal(t, http.StatusPreconditionFailed, w.Code)
	assert.Contains(t, w.Body.String(), "client profile")
}

func TestSubmitCommandInsufficientBalance(t *testing.T) {
	f := newFixture(t, &stubProvider{}, false)
	f.account.SelectClient("client-1")
	f.account.SetBalance(0.1)

	w := f.do(http.MethodPost, "/api/command", gin.H{"message": "open example.com"})
	assert.Equal(t, http.StatusPreconditionFailed, w.Code)
}

func TestSubmitCommandMissingMessage(t *testing.T) {
	f := newFixture(t, &stubProvider{}, false)
	w := f.do(http.MethodPost, "/api/command", gin.H{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSubmitCommandBusy(t *testing.T) {
	gate := make(chan struct{})
	f := newFixture(t, &stubProvider{gate: gate}, false)
	f.account.SelectClient("client-1")

	w := f.do(http.MethodPost, "/api/command", gin.H{"message": "first"})
	require.Equal(t, http.StatusAccepted, w.Code)
	f.waitStatus(t, agent.StatusExecuting)

	w = f.do(http.MethodPost, "/api/command", gin.H{"message": "second"})
	assert.Equal(t, http.StatusConflict, w.Code)

	close(gate)
	f.waitStatus(t, agent.StatusCompleted)
}

func TestNewSessionResetsState(t *testing.T) {
	f := newFixture(t, &stubProvider{}, false)
	f.account.SelectClient("client-1")

	require.Equal(t, http.StatusAccepted, f.do(http.MethodPost, "/api/command", gin.H{"message": "open example.com"}).Code)
	f.waitStatus(t, agent.StatusCompleted)

	w := f.do(http.MethodPost, "/api/session/new", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	snap := f.orchestrator.Snapshot()
	assert.Equal(t, agent.StatusIdle, snap.Status)
	assert.Empty(t, snap.Log)
	assert.False(t, snap.Session.Live())
}

func TestGetState(t *testing.T) {
	f := newFixture(t, &stubProvider{}, false)
	w := f.do(http.MethodGet, "/api/state", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	var snap agent.Snapshot
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &snap))
	assert.Equal(t, agent.StatusIdle, snap.Status)
}

func TestAccountEndpoints(t *testing.T) {
	f := newFixture(t, &stubProvider{}, false)

	w := f.do(http.MethodPost, "/api/account/client", gin.H{"clientId": "client-7"})
	assert.Equal(t, http.StatusOK, w.Code)

	w = f.do(http.MethodPost, "/api/account/balance", gin.H{"balance": 42.0})
	assert.Equal(t, http.StatusOK, w.Code)

	w = f.do(http.MethodGet, "/api/account", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "client-7", body["clientId"])
	assert.Equal(t, 42.0, body["balance"])
}

func TestSetBalanceNegative(t *testing.T) {
	f := newFixture(t, &stubProvider{}, false)
	w := f.do(http.MethodPost, "/api/account/balance", gin.H{"balance": -1.0})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHistoryLifecycle(t *testing.T) {
	f := newFixture(t, &stubProvider{}, true)
	f.account.SelectClient("client-1")

	require.Equal(t, http.StatusAccepted, f.do(http.MethodPost, "/api/command", gin.H{"message": "open example.com"}).Code)
	f.waitStatus(t, agent.StatusCompleted)
	f.do(http.MethodPost, "/api/session/new", nil)

	require.Eventually(t, func() bool {
		return len(f.history.List()) == 1
	}, 2*time.Second, 5*time.Millisecond)

	w := f.do(http.MethodGet, "/api/history", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	var listing struct {
		Records []history.Metadata `json:"records"`
		Total   int                `json:"total"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &listing))
	require.Equal(t, 1, listing.Total)
	recordID := listing.Records[0].ID

	w = f.do(http.MethodGet, "/api/history/"+recordID, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	var rec history.Record
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rec))
	assert.Equal(t, "open example.com", rec.Goal)
	assert.Equal(t, "abc123", rec.SessionID)

	w = f.do(http.MethodDelete, "/api/history/"+recordID, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = f.do(http.MethodGet, "/api/history/"+recordID, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHistoryDisabled(t *testing.T) {
	f := newFixture(t, &stubProvider{}, false)

	assert.Equal(t, http.StatusNotFound, f.do(http.MethodGet, "/api/history", nil).Code)
	assert.Equal(t, http.StatusNotFound, f.do(http.MethodGet, "/api/history/hist_x", nil).Code)
	assert.Equal(t, http.StatusNotFound, f.do(http.MethodDelete, "/api/history/hist_x", nil).Code)
}
