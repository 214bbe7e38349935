package agent

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crewdesk/backend/internal/infrastructure/logging"
	"github.com/crewdesk/backend/internal/stream"
)

type fakeProvider struct {
	mu           sync.Mutex
	startCalls   int
	execSessions []string
	startErr     error
	execErr      error
	execGate     chan struct{} // when set, execute blocks until closed
	sessionID    string
	liveViewURL  string
	execMessage  string
}

func (p *fakeProvider) StartSession(ctx context.Context) (*StartResult, error) {
	p.mu.Lock()
	p.startCalls++
	err := p.startErr
	p.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return &StartResult{SessionID: p.sessionID, LiveViewURL: p.liveViewURL}, nil
}

func (p *fakeProvider) ExecuteInstruction(ctx context.Context, instruction, sessionID string) (*ExecResult, error) {
	p.mu.Lock()
	p.execSessions = append(p.execSessions, sessionID)
	gate := p.execGate
	err := p.execErr
	p.mu.Unlock()
	if gate != nil {
		<-gate
	}
	if err != nil {
		return nil, err
	}
	return &ExecResult{Message: p.execMessage}, nil
}

func (p *fakeProvider) starts() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.startCalls
}

func (p *fakeProvider) executions() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.execSessions))
	copy(out, p.execSessions)
	return out
}

type fakeStreams struct {
	mu      sync.Mutex
	opened  []string
	closed  int
	openErr error
	onFrame stream.Handler
	onErr   stream.ErrorHandler
}

type fakeHandle struct {
	streams *fakeStreams
}

func (h *fakeHandle) Close() error {
	h.streams.mu.Lock()
	h.streams.closed++
	h.streams.mu.Unlock()
	return nil
}

func (s *fakeStreams) Open(sessionID string, onFrame stream.Handler, onErr stream.ErrorHandler) (io.Closer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.openErr != nil {
		return nil, s.openErr
	}
	s.opened = append(s.opened, sessionID)
	s.onFrame = onFrame
	s.onErr = onErr
	return &fakeHandle{streams: s}, nil
}

func (s *fakeStreams) openCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.opened)
}

func (s *fakeStreams) closeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *fakeStreams) pushFrame(f stream.Frame) {
	s.mu.Lock()
	onFrame := s.onFrame
	s.mu.Unlock()
	onFrame(f)
}

func (s *fakeStreams) failTransport(err error) {
	s.mu.Lock()
	onErr := s.onErr
	s.mu.Unlock()
	onErr(err)
}

type fakeAccount struct {
	mu      sync.Mutex
	client  string
	balance float64
	debits  []float64
}

func (a *fakeAccount) ActiveClient() (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.client, a.client != ""
}

func (a *fakeAccount) Balance() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.balance
}

func (a *fakeAccount) Debit(amount float64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.balance -= amount
	a.debits = append(a.debits, amount)
	return nil
}

func testConfig() Config {
	return Config{
		StartTimeout:   time.Second,
		ExecuteTimeout: time.Second,
		SettleDelay:    time.Millisecond,
		MinBalance:     1.0,
		CommandCost:    0.5,
	}
}

func newTestOrchestrator(t *testing.T, provider *fakeProvider, streams *fakeStreams, acct *fakeAccount) *Orchestrator {
	t.Helper()
	o := New(provider, streams, acct, testConfig(), logging.NewNop())
	t.Cleanup(func() { o.Close() })
	return o
}

func waitStatus(t *testing.T, o *Orchestrator, want Status) {
	t.Helper()
	require.Eventually(t, func() bool {
		return o.Snapshot().Status == want
	}, 2*time.Second, 5*time.Millisecond, "status never became %s", want)
}

func waitIdleNotBusy(t *testing.T, o *Orchestrator) {
	t.Helper()
	require.Eventually(t, func() bool {
		return !o.Snapshot().Busy
	}, 2*time.Second, 5*time.Millisecond)
}

func TestSubmitCreatesSessionThenExecutes(t *testing.T) {
	provider := &fakeProvider{sessionID: "abc123", liveViewURL: "https://view/abc123"}
	streams := &fakeStreams{}
	acct := &fakeAccount{client: "client-1", balance: 10}
	o := newTestOrchestrator(t, provider, streams, acct)

	require.NoError(t, o.Submit("open example.com"))
	waitStatus(t, o, StatusCompleted)

	snap := o.Snapshot()
	assert.Equal(t, "abc123", snap.Session.ID)
	assert.Equal(t, "https://view/abc123", snap.Session.LiveViewURL)
	assert.Equal(t, "open example.com", snap.Goal)

	assert.Equal(t, 1, provider.starts())
	assert.Equal(t, []string{"abc123"}, provider.executions())
	assert.Equal(t, []string{"abc123"}, streams.opened)

	found := false
	for _, entry := range snap.Log {
		if strings.Contains(entry.Message, "abc123") {
			found = true
		}
	}
	assert.True(t, found, "log should mention the session id")
}

func TestSubmitReusesLiveSession(t *testing.T) {
	provider := &fakeProvider{sessionID: "abc123"}
	streams := &fakeStreams{}
	acct := &fakeAccount{client: "client-1", balance: 10}
	o := newTestOrchestrator(t, provider, streams, acct)

	require.NoError(t, o.Submit("first"))
	waitStatus(t, o, StatusCompleted)
	require.NoError(t, o.Submit("second"))
	waitIdleNotBusy(t, o)

	assert.Equal(t, 1, provider.starts(), "start-session must not be called again")
	assert.Equal(t, []string{"abc123", "abc123"}, provider.executions())
	assert.Equal(t, 1, streams.openCount(), "stream must not be reopened while healthy")
}

func TestSubmitRejectedWithoutClient(t *testing.T) {
	provider := &fakeProvider{sessionID: "abc123"}
	streams := &fakeStreams{}
	acct := &fakeAccount{balance: 10}
	o := newTestOrchestrator(t, provider, streams, acct)

	err := o.Submit("open example.com")
	assert.ErrorIs(t, err, ErrNoContext)

	snap := o.Snapshot()
	assert.Equal(t, StatusIdle, snap.Status, "precondition failure must not change status")
	assert.Equal(t, 0, provider.starts())
	require.Len(t, snap.Log, 1)
	assert.Equal(t, EntryWarning, snap.Log[0].Kind)
}

func TestSubmitRejectedBelowMinBalance(t *testing.T) {
	provider := &fakeProvider{sessionID: "abc123"}
	streams := &fakeStreams{}
	acct := &fakeAccount{client: "client-1", balance: 0.25}
	o := newTestOrchestrator(t, provider, streams, acct)

	err := o.Submit("open example.com")
	assert.ErrorIs(t, err, ErrInsufficientBalance)
	assert.Equal(t, 0, provider.starts())
	assert.Equal(t, StatusIdle, o.Snapshot().Status)
}

func TestSubmitRejectedWhileBusy(t *testing.T) {
	gate := make(chan struct{})
	provider := &fakeProvider{sessionID: "abc123", execGate: gate}
	streams := &fakeStreams{}
	acct := &fakeAccount{client: "client-1", balance: 10}
	o := newTestOrchestrator(t, provider, streams, acct)

	require.NoError(t, o.Submit("first"))
	require.Eventually(t, func() bool {
		return o.Snapshot().Status == StatusExecuting
	}, 2*time.Second, 5*time.Millisecond)

	err := o.Submit("second")
	assert.ErrorIs(t, err, ErrBusy)

	close(gate)
	waitStatus(t, o, StatusCompleted)
	assert.Equal(t, []string{"abc123"}, provider.executions())
}

func TestExecuteFailureKeepsSession(t *testing.T) {
	provider := &fakeProvider{sessionID: "abc123"}
	streams := &fakeStreams{}
	acct := &fakeAccount{client: "client-1", balance: 10}
	o := newTestOrchestrator(t, provider, streams, acct)

	require.NoError(t, o.Submit("warm up"))
	waitStatus(t, o, StatusCompleted)

	provider.mu.Lock()
	provider.execErr = errors.New("timeout")
	provider.mu.Unlock()

	require.NoError(t, o.Submit("do something"))
	waitStatus(t, o, StatusError)

	snap := o.Snapshot()
	last := snap.Log[len(snap.Log)-1]
	assert.Equal(t, EntryError, last.Kind)
	assert.Contains(t, last.Message, "System Error")
	assert.Equal(t, "abc123", snap.Session.ID, "session survives an execute failure")
}

func TestStartSessionFailureIsFailStop(t *testing.T) {
	provider := &fakeProvider{startErr: errors.New("no capacity")}
	streams := &fakeStreams{}
	acct := &fakeAccount{client: "client-1", balance: 10}
	o := newTestOrchestrator(t, provider, streams, acct)

	require.NoError(t, o.Submit("open example.com"))
	waitStatus(t, o, StatusError)

	snap := o.Snapshot()
	assert.False(t, snap.Session.Live())
	assert.Empty(t, provider.executions(), "execute must not run after a failed start")
	assert.Equal(t, 0, streams.openCount())
}

func TestStartNewSessionResetsEverything(t *testing.T) {
	provider := &fakeProvider{sessionID: "abc123"}
	streams := &fakeStreams{}
	acct := &fakeAccount{client: "client-1", balance: 10}
	o := newTestOrchestrator(t, provider, streams, acct)

	require.NoError(t, o.Submit("open example.com"))
	waitStatus(t, o, StatusCompleted)

	o.StartNewSession()

	snap := o.Snapshot()
	assert.False(t, snap.Session.Live())
	assert.Empty(t, snap.Log)
	assert.Empty(t, snap.Goal)
	assert.Equal(t, StatusIdle, snap.Status)
	assert.Equal(t, 1, streams.closeCount(), "update stream handle must be closed")
}

func TestStartNewSessionWhileExecuting(t *testing.T) {
	gate := make(chan struct{})
	provider := &fakeProvider{sessionID: "abc123", execGate: gate}
	streams := &fakeStreams{}
	acct := &fakeAccount{client: "client-1", balance: 10}
	o := newTestOrchestrator(t, provider, streams, acct)

	require.NoError(t, o.Submit("long running"))
	require.Eventually(t, func() bool {
		return o.Snapshot().Status == StatusExecuting
	}, 2*time.Second, 5*time.Millisecond)

	o.StartNewSession()
	snap := o.Snapshot()
	assert.Equal(t, StatusIdle, snap.Status)
	assert.Empty(t, snap.Log)

	// The stale completion must not resurrect the discarded session.
	close(gate)
	time.Sleep(50 * time.Millisecond)
	snap = o.Snapshot()
	assert.Equal(t, StatusIdle, snap.Status)
	assert.Empty(t, snap.Log)
	assert.False(t, snap.Session.Live())
}

func TestErrorFrameSetsErrorStatus(t *testing.T) {
	provider := &fakeProvider{sessionID: "abc123"}
	streams := &fakeStreams{}
	acct := &fakeAccount{client: "client-1", balance: 10}
	o := newTestOrchestrator(t, provider, streams, acct)

	require.NoError(t, o.Submit("open example.com"))
	waitStatus(t, o, StatusCompleted)

	streams.pushFrame(stream.Frame{Type: stream.KindError, Message: "element not found"})
	waitStatus(t, o, StatusError)

	snap := o.Snapshot()
	last := snap.Log[len(snap.Log)-1]
	assert.Equal(t, EntryError, last.Kind)
	assert.Contains(t, last.Message, "element not found")
}

func TestCompleteFrameSetsCompletedStatus(t *testing.T) {
	provider := &fakeProvider{sessionID: "abc123"}
	streams := &fakeStreams{}
	acct := &fakeAccount{client: "client-1", balance: 10}
	o := newTestOrchestrator(t, provider, streams, acct)

	require.NoError(t, o.Submit("open example.com"))
	waitStatus(t, o, StatusCompleted)

	streams.pushFrame(stream.Frame{Type: stream.KindError})
	waitStatus(t, o, StatusError)
	streams.pushFrame(stream.Frame{Type: stream.KindComplete})
	waitStatus(t, o, StatusCompleted)
}

func TestLiveViewFrameMergesURL(t *testing.T) {
	provider := &fakeProvider{sessionID: "abc123"}
	streams := &fakeStreams{}
	acct := &fakeAccount{client: "client-1", balance: 10}
	o := newTestOrchestrator(t, provider, streams, acct)

	require.NoError(t, o.Submit("open example.com"))
	waitStatus(t, o, StatusCompleted)

	streams.pushFrame(stream.Frame{
		Type: stream.KindLiveViewReady,
		Data: &stream.FrameData{LiveViewURL: "https://view/late"},
	})
	require.Eventually(t, func() bool {
		return o.Snapshot().Session.LiveViewURL == "https://view/late"
	}, 2*time.Second, 5*time.Millisecond)
}

func TestUnknownFrameLeavesStateUntouched(t *testing.T) {
	provider := &fakeProvider{sessionID: "abc123"}
	streams := &fakeStreams{}
	acct := &fakeAccount{client: "client-1", balance: 10}
	o := newTestOrchestrator(t, provider, streams, acct)

	require.NoError(t, o.Submit("open example.com"))
	waitStatus(t, o, StatusCompleted)
	before := o.Snapshot()

	streams.pushFrame(stream.Frame{Type: stream.KindUnknown, Message: "mystery"})
	// A recognized frame after it proves the unknown one was processed.
	streams.pushFrame(stream.Frame{Type: stream.KindNavigation, Message: "Going somewhere"})
	require.Eventually(t, func() bool {
		return len(o.Snapshot().Log) == len(before.Log)+1
	}, 2*time.Second, 5*time.Millisecond)

	snap := o.Snapshot()
	assert.Equal(t, before.Status, snap.Status)
}

func TestStreamErrorReopensOnNextSubmit(t *testing.T) {
	provider := &fakeProvider{sessionID: "abc123"}
	streams := &fakeStreams{}
	acct := &fakeAccount{client: "client-1", balance: 10}
	o := newTestOrchestrator(t, provider, streams, acct)

	require.NoError(t, o.Submit("first"))
	waitStatus(t, o, StatusCompleted)
	logLen := len(o.Snapshot().Log)

	streams.failTransport(io.ErrUnexpectedEOF)
	require.Eventually(t, func() bool {
		return streams.closeCount() == 1
	}, 2*time.Second, 5*time.Millisecond)

	// Transport failure alone touches neither session nor log.
	snap := o.Snapshot()
	assert.Equal(t, "abc123", snap.Session.ID)
	assert.Len(t, snap.Log, logLen)

	require.NoError(t, o.Submit("second"))
	waitIdleNotBusy(t, o)
	assert.Equal(t, 2, streams.openCount(), "stream must be reopened for the existing session")
	assert.Equal(t, 1, provider.starts())
}

func TestCompletedCommandDebitsAccount(t *testing.T) {
	provider := &fakeProvider{sessionID: "abc123"}
	streams := &fakeStreams{}
	acct := &fakeAccount{client: "client-1", balance: 10}
	o := newTestOrchestrator(t, provider, streams, acct)

	require.NoError(t, o.Submit("open example.com"))
	waitStatus(t, o, StatusCompleted)

	acct.mu.Lock()
	defer acct.mu.Unlock()
	assert.Equal(t, []float64{0.5}, acct.debits)
}

func TestArchiverReceivesDiscardedTranscript(t *testing.T) {
	provider := &fakeProvider{sessionID: "abc123"}
	streams := &fakeStreams{}
	acct := &fakeAccount{client: "client-1", balance: 10}

	var mu sync.Mutex
	var archived []Snapshot
	o := New(provider, streams, acct, testConfig(), logging.NewNop()).
		WithArchiver(func(snap Snapshot) {
			mu.Lock()
			archived = append(archived, snap)
			mu.Unlock()
		})
	t.Cleanup(func() { o.Close() })

	require.NoError(t, o.Submit("open example.com"))
	waitStatus(t, o, StatusCompleted)
	o.StartNewSession()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(archived) == 1
	}, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "open example.com", archived[0].Goal)
	assert.NotEmpty(t, archived[0].Log)
	assert.Equal(t, "abc123", archived[0].Session.ID)
}

func TestSubscribeDeliversSnapshotThenDeltas(t *testing.T) {
	provider := &fakeProvider{sessionID: "abc123"}
	streams := &fakeStreams{}
	acct := &fakeAccount{client: "client-1", balance: 10}
	o := newTestOrchestrator(t, provider, streams, acct)

	subID, events := o.Subscribe()
	require.NotNil(t, events)
	defer o.Unsubscribe(subID)

	first := <-events
	assert.Equal(t, OpSnapshot, first.Op)
	require.NotNil(t, first.Snapshot)
	assert.Equal(t, StatusIdle, first.Snapshot.Status)

	require.NoError(t, o.Submit("open example.com"))

	sawCompleted := false
	deadline := time.After(2 * time.Second)
	for !sawCompleted {
		select {
		case ev := <-events:
			if ev.Op == OpStatus && ev.Status != nil && *ev.Status == StatusCompleted {
				sawCompleted = true
			}
		case <-deadline:
			t.Fatal("never observed completed status event")
		}
	}
}

func TestSubmitEmptyInstruction(t *testing.T) {
	provider := &fakeProvider{sessionID: "abc123"}
	streams := &fakeStreams{}
	acct := &fakeAccount{client: "client-1", balance: 10}
	o := newTestOrchestrator(t, provider, streams, acct)

	assert.ErrorIs(t, o.Submit("   "), ErrEmptyInstruction)
	assert.Equal(t, 0, provider.starts())
}

func TestSubmitAfterClose(t *testing.T) {
	provider := &fakeProvider{sessionID: "abc123"}
	streams := &fakeStreams{}
	acct := &fakeAccount{client: "client-1", balance: 10}
	o := New(provider, streams, acct, testConfig(), logging.NewNop())

	require.NoError(t, o.Close())
	assert.ErrorIs(t, o.Submit("anything"), ErrClosed)
}
