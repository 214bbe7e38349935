package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/crewdesk/backend/internal/infrastructure/logging"
	"github.com/crewdesk/backend/internal/infrastructure/monitoring"
	"github.com/crewdesk/backend/internal/stream"
)

var (
	// ErrBusy rejects a submit while another command is in flight.
	ErrBusy = errors.New("a command is already in flight")
	// ErrNoContext rejects a submit before a client profile is selected.
	ErrNoContext = errors.New("no client profile selected")
	// ErrInsufficientBalance rejects a submit below the minimum balance.
	ErrInsufficientBalance = errors.New("insufficient balance")
	// ErrEmptyInstruction rejects a blank submit.
	ErrEmptyInstruction = errors.New("instruction is empty")
	// ErrClosed is returned after the orchestrator has shut down.
	ErrClosed = errors.New("orchestrator is closed")
)

// StartResult is the provider's answer to a start-session call.
type StartResult struct {
	SessionID   string
	LiveViewURL string
}

// ExecResult is the provider's answer to an execute-instruction call.
type ExecResult struct {
	Message     string
	LiveViewURL string
	SessionID   string
}

// Provider is the remote session provider: start a browser session, execute
// a chat-style instruction against it. Sessions stay open across
// instructions; the orchestrator never asks the provider to tear one down.
type Provider interface {
	StartSession(ctx context.Context) (*StartResult, error)
	ExecuteInstruction(ctx context.Context, instruction, sessionID string) (*ExecResult, error)
}

// Streams opens per-session update stream subscriptions.
type Streams interface {
	Open(sessionID string, onFrame stream.Handler, onErr stream.ErrorHandler) (io.Closer, error)
}

// Account gates command submission on dashboard account state.
type Account interface {
	ActiveClient() (string, bool)
	Balance() float64
	Debit(amount float64) error
}

// Notifier posts terminal-transition notifications. Optional.
type Notifier interface {
	Notify(ctx context.Context, text string) error
}

// Config tunes orchestrator behavior.
type Config struct {
	// StartTimeout bounds the provider start-session call.
	StartTimeout time.Duration
	// ExecuteTimeout bounds the provider execute-instruction call.
	ExecuteTimeout time.Duration
	// SettleDelay is waited between opening a fresh update stream and the
	// first execute, bounding the race between the subscription and the
	// provider's first published frames.
	SettleDelay time.Duration
	// MinBalance is the balance required before a command is accepted.
	MinBalance float64
	// CommandCost is debited from the account per completed command.
	CommandCost float64
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		StartTimeout:   30 * time.Second,
		ExecuteTimeout: 120 * time.Second,
		SettleDelay:    500 * time.Millisecond,
		MinBalance:     1.0,
		CommandCost:    0.5,
	}
}

// Orchestrator coordinates the remote session lifecycle, the update stream
// subscription, and command dispatch. A single goroutine owns all state;
// provider completions and stream frames arrive as messages on one inbox
// and are applied strictly in arrival order.
type Orchestrator struct {
	cfg      Config
	provider Provider
	streams  Streams
	account  Account
	logger   *logging.Logger
	metrics  *monitoring.Metrics
	notifier Notifier
	archive  func(Snapshot)

	inbox    chan message
	quit     chan struct{}
	done     chan struct{}
	quitOnce sync.Once

	// State below is owned by the run loop.
	sess    Session
	status  Status
	goal    string
	log     []Entry
	busy    bool
	pending string
	handle  io.Closer
	gen     uint64
	subs    map[uint64]chan Event
	nextSub uint64
}

type message interface{}

type submitMsg struct {
	instruction string
	reply       chan error
}

type resetMsg struct {
	reply chan struct{}
}

type snapshotMsg struct {
	reply chan Snapshot
}

type subscribeMsg struct {
	reply chan subscription
}

type subscription struct {
	id uint64
	ch chan Event
}

type unsubscribeMsg struct {
	id uint64
}

type frameMsg struct {
	gen   uint64
	frame stream.Frame
}

type streamDownMsg struct {
	gen uint64
	err error
}

type startDoneMsg struct {
	gen uint64
	res *StartResult
	err error
}

type streamOpenedMsg struct {
	gen    uint64
	handle io.Closer
	err    error
}

type execDoneMsg struct {
	gen uint64
	res *ExecResult
	err error
}

// New creates an orchestrator and starts its run loop.
func New(provider Provider, streams Streams, account Account, cfg Config, logger *logging.Logger) *Orchestrator {
	o := &Orchestrator{
		cfg:      cfg,
		provider: provider,
		streams:  streams,
		account:  account,
		logger:   logger,
		inbox:    make(chan message, 256),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
		status:   StatusIdle,
		subs:     make(map[uint64]chan Event),
	}
	go o.run()
	return o
}

// WithMetrics attaches a metrics collector.
func (o *Orchestrator) WithMetrics(m *monitoring.Metrics) *Orchestrator {
	o.metrics = m
	return o
}

// WithNotifier attaches a terminal-transition notifier.
func (o *Orchestrator) WithNotifier(n Notifier) *Orchestrator {
	o.notifier = n
	return o
}

// WithArchiver attaches a callback invoked with the discarded session state
// whenever StartNewSession clears a non-empty log.
func (o *Orchestrator) WithArchiver(fn func(Snapshot)) *Orchestrator {
	o.archive = fn
	return o
}

// Submit runs one instruction against the remote session, creating the
// session and its update stream as needed. The returned error reflects only
// admission (preconditions, reentrancy); execution itself is asynchronous
// and reported through the log, status, and subscriber events.
func (o *Orchestrator) Submit(instruction string) error {
	instruction = strings.TrimSpace(instruction)
	if instruction == "" {
		return ErrEmptyInstruction
	}
	reply := make(chan error, 1)
	if !o.post(submitMsg{instruction: instruction, reply: reply}) {
		return ErrClosed
	}
	select {
	case err := <-reply:
		return err
	case <-o.done:
		return ErrClosed
	}
}

// StartNewSession discards the current session: the update stream is closed,
// the session and goal are cleared, the log is emptied, and status returns
// to Idle. This is the only way a session is destroyed.
func (o *Orchestrator) StartNewSession() {
	reply := make(chan struct{})
	if !o.post(resetMsg{reply: reply}) {
		return
	}
	select {
	case <-reply:
	case <-o.done:
	}
}

// Snapshot returns a copy of the current state.
func (o *Orchestrator) Snapshot() Snapshot {
	reply := make(chan Snapshot, 1)
	if !o.post(snapshotMsg{reply: reply}) {
		return Snapshot{Status: StatusIdle}
	}
	select {
	case snap := <-reply:
		return snap
	case <-o.done:
		return Snapshot{Status: StatusIdle}
	}
}

// Subscribe registers an event feed. The first event is an OpSnapshot with
// the full current state. Slow consumers have events dropped, not queued
// without bound. Returns a nil channel after Close.
func (o *Orchestrator) Subscribe() (uint64, <-chan Event) {
	reply := make(chan subscription, 1)
	if !o.post(subscribeMsg{reply: reply}) {
		return 0, nil
	}
	select {
	case sub := <-reply:
		return sub.id, sub.ch
	case <-o.done:
		return 0, nil
	}
}

// Unsubscribe removes a subscriber and closes its channel.
func (o *Orchestrator) Unsubscribe(id uint64) {
	o.post(unsubscribeMsg{id: id})
}

// Close stops the run loop, closes any open update stream, and closes all
// subscriber channels. In-flight provider calls are abandoned.
func (o *Orchestrator) Close() error {
	o.quitOnce.Do(func() { close(o.quit) })
	<-o.done
	return nil
}

func (o *Orchestrator) post(m message) bool {
	select {
	case o.inbox <- m:
		return true
	case <-o.done:
		return false
	}
}

func (o *Orchestrator) run() {
	defer close(o.done)
	for {
		select {
		case <-o.quit:
			if o.handle != nil {
				o.handle.Close()
				o.handle = nil
			}
			for id, ch := range o.subs {
				delete(o.subs, id)
				close(ch)
			}
			return
		case m := <-o.inbox:
			o.dispatch(m)
		}
	}
}

func (o *Orchestrator) dispatch(m message) {
	switch msg := m.(type) {
	case submitMsg:
		o.handleSubmit(msg)
	case resetMsg:
		o.handleReset()
		close(msg.reply)
	case snapshotMsg:
		msg.reply <- o.snapshot()
	case subscribeMsg:
		msg.reply <- o.addSubscriber()
	case unsubscribeMsg:
		if ch, ok := o.subs[msg.id]; ok {
			delete(o.subs, msg.id)
			close(ch)
		}
	case frameMsg:
		if msg.gen == o.gen {
			o.handleFrame(msg.frame)
		}
	case streamDownMsg:
		if msg.gen == o.gen {
			o.handleStreamDown(msg.err)
		}
	case startDoneMsg:
		if msg.gen == o.gen {
			o.handleStartDone(msg)
		}
	case streamOpenedMsg:
		if msg.gen != o.gen {
			// Stream opened for a discarded session; release it.
			if msg.handle != nil {
				msg.handle.Close()
			}
			return
		}
		o.handleStreamOpened(msg)
	case execDoneMsg:
		if msg.gen == o.gen {
			o.handleExecDone(msg)
		}
	}
}

func (o *Orchestrator) handleSubmit(msg submitMsg) {
	if o.busy {
		o.append(EntryWarning, "Command ignored: another command is still running", "")
		o.recordCommand("busy")
		msg.reply <- ErrBusy
		return
	}
	if _, ok := o.account.ActiveClient(); !ok {
		o.append(EntryWarning, "Select a client profile before running commands", "")
		o.recordCommand("no_context")
		msg.reply <- ErrNoContext
		return
	}
	if o.account.Balance() < o.cfg.MinBalance {
		o.append(EntryWarning, fmt.Sprintf("Balance below the %.2f credit minimum", o.cfg.MinBalance), "")
		o.recordCommand("insufficient_balance")
		msg.reply <- ErrInsufficientBalance
		return
	}

	o.busy = true
	o.pending = msg.instruction
	o.goal = msg.instruction
	o.setStatus(StatusPlanning)
	o.append(EntryInfo, "Planning: "+msg.instruction, "")
	o.recordCommand("accepted")

	gen := o.gen
	switch {
	case !o.sess.Live():
		go o.startSession(gen)
	case o.handle == nil:
		// Stream was lost to a transport error; reopen before executing.
		go o.openStream(gen, o.sess.ID, false)
	default:
		o.beginExecute(gen)
	}
	msg.reply <- nil
}

func (o *Orchestrator) handleReset() {
	if o.handle != nil {
		o.handle.Close()
		o.handle = nil
	}
	if o.archive != nil && len(o.log) > 0 {
		snap := o.snapshot()
		go o.archive(snap)
	}

	o.gen++
	o.sess = Session{}
	o.goal = ""
	o.pending = ""
	o.log = nil
	o.busy = false
	o.status = StatusIdle
	if o.metrics != nil {
		o.metrics.SessionCleared()
	}

	snap := o.snapshot()
	o.emit(Event{Op: OpReset, Snapshot: &snap})
	o.logger.Info("Session discarded, state reset")
}

func (o *Orchestrator) handleStartDone(msg startDoneMsg) {
	if msg.err != nil {
		o.busy = false
		o.pending = ""
		o.setStatus(StatusError)
		o.append(EntryError, "Failed to start browser session", msg.err.Error())
		o.notify("Browser session could not be started: " + msg.err.Error())
		return
	}

	o.sess.ID = msg.res.SessionID
	if msg.res.LiveViewURL != "" {
		o.sess.LiveViewURL = msg.res.LiveViewURL
	}
	if o.metrics != nil {
		o.metrics.SessionStarted()
	}
	o.append(EntryInfo, fmt.Sprintf("Session %s started", o.sess.ID), "")
	o.emitSession()

	go o.openStream(o.gen, o.sess.ID, true)
}

func (o *Orchestrator) handleStreamOpened(msg streamOpenedMsg) {
	if msg.err != nil {
		// Commands still work without the stream; the next submit retries.
		o.append(EntryWarning, "Live updates unavailable", msg.err.Error())
	} else {
		o.handle = msg.handle
	}
	o.beginExecute(o.gen)
}

func (o *Orchestrator) beginExecute(gen uint64) {
	instruction := o.pending
	sessionID := o.sess.ID
	o.setStatus(StatusExecuting)
	o.append(EntryInfo, "Executing instruction", "")
	go o.execute(gen, instruction, sessionID)
}

func (o *Orchestrator) handleExecDone(msg execDoneMsg) {
	o.busy = false
	o.pending = ""

	if msg.err != nil {
		// The session stays intact so the user can retry against the same
		// browser state.
		o.setStatus(StatusError)
		o.append(EntryError, fmt.Sprintf("System Error: %v", msg.err), "")
		o.notify("Command failed: " + msg.err.Error())
		return
	}

	if msg.res.LiveViewURL != "" {
		o.sess.LiveViewURL = msg.res.LiveViewURL
		o.emitSession()
	}
	message := msg.res.Message
	if message == "" {
		message = "Instruction completed"
	}
	o.append(EntrySuccess, message, "")
	o.setStatus(StatusCompleted)

	if err := o.account.Debit(o.cfg.CommandCost); err != nil {
		o.logger.Warn("Failed to debit command cost", zap.Error(err))
	}
	o.notify("Command completed: " + o.goal)
}

// handleFrame applies one update stream frame. The direct call response and
// the stream are two independent channels reporting on the same browser
// session; conflicts resolve by arrival order.
func (o *Orchestrator) handleFrame(f stream.Frame) {
	if o.metrics != nil {
		o.metrics.RecordFrame(f.Type.String())
	}

	switch f.Type {
	case stream.KindConnected:
		o.append(EntrySystem, "Update stream connected", "")
	case stream.KindSessionCreated:
		// Informational only: the session identifier is authoritative from
		// the start-session response, not the stream.
		o.append(EntrySystem, withDefault(f.Message, "Provider confirmed session"), "")
	case stream.KindLiveViewReady:
		if url := f.LiveViewURL(); url != "" {
			o.sess.LiveViewURL = url
			o.emitSession()
		}
		o.append(EntrySuccess, "Live view ready", "")
	case stream.KindNavigation:
		detail := ""
		if f.Data != nil {
			detail = f.Data.URL
		}
		o.append(EntryInfo, withDefault(f.Message, "Navigating"), detail)
	case stream.KindActionStart:
		action := ""
		if f.Data != nil {
			action = f.Data.Action
		}
		o.append(EntryInfo, withDefault(f.Message, "Action started"), action)
		o.setStatus(StatusExecuting)
	case stream.KindActionComplete:
		o.append(EntrySuccess, withDefault(f.Message, "Action completed"), "")
	case stream.KindError:
		o.append(EntryError, withDefault(f.Message, "Automation error"), "")
		o.setStatus(StatusError)
	case stream.KindComplete:
		o.append(EntrySuccess, withDefault(f.Message, "Automation complete"), "")
		o.setStatus(StatusCompleted)
	default:
		// Unknown frame kinds are diagnostics only.
		o.logger.Debug("Ignoring unrecognized stream frame", zap.String("message", f.Message))
	}
}

// handleStreamDown drops the dead handle so the next submit reopens the
// stream. Session and log are untouched.
func (o *Orchestrator) handleStreamDown(err error) {
	if o.handle != nil {
		o.handle.Close()
		o.handle = nil
	}
	o.logger.Warn("Update stream lost", zap.String("session_id", o.sess.ID), zap.Error(err))
}

// Workers. Each runs off the loop goroutine and reports back via the inbox.

func (o *Orchestrator) startSession(gen uint64) {
	timer := monitoring.NewTimer(o.metrics, "browser", "start_session")
	ctx, cancel := context.WithTimeout(context.Background(), o.cfg.StartTimeout)
	defer cancel()

	res, err := o.provider.StartSession(ctx)
	timer.Stop(callStatus(err))
	o.post(startDoneMsg{gen: gen, res: res, err: err})
}

func (o *Orchestrator) openStream(gen uint64, sessionID string, settle bool) {
	handle, err := o.streams.Open(sessionID,
		func(f stream.Frame) { o.post(frameMsg{gen: gen, frame: f}) },
		func(streamErr error) { o.post(streamDownMsg{gen: gen, err: streamErr}) },
	)
	if err == nil && settle {
		time.Sleep(o.cfg.SettleDelay)
	}
	o.post(streamOpenedMsg{gen: gen, handle: handle, err: err})
}

func (o *Orchestrator) execute(gen uint64, instruction, sessionID string) {
	timer := monitoring.NewTimer(o.metrics, "browser", "execute_instruction")
	ctx, cancel := context.WithTimeout(context.Background(), o.cfg.ExecuteTimeout)
	defer cancel()

	res, err := o.provider.ExecuteInstruction(ctx, instruction, sessionID)
	timer.Stop(callStatus(err))
	o.post(execDoneMsg{gen: gen, res: res, err: err})
}

// State helpers, called only from the run loop.

func (o *Orchestrator) snapshot() Snapshot {
	log := make([]Entry, len(o.log))
	copy(log, o.log)
	return Snapshot{
		Session: o.sess,
		Status:  o.status,
		Goal:    o.goal,
		Log:     log,
		Busy:    o.busy,
	}
}

func (o *Orchestrator) append(kind EntryKind, message, detail string) {
	entry := Entry{
		Timestamp: time.Now(),
		Kind:      kind,
		Message:   message,
		Detail:    detail,
	}
	o.log = append(o.log, entry)
	o.emit(Event{Op: OpLog, Entry: &entry})
}

func (o *Orchestrator) setStatus(s Status) {
	if o.status == s {
		return
	}
	o.status = s
	status := s
	o.emit(Event{Op: OpStatus, Status: &status})
}

func (o *Orchestrator) emitSession() {
	sess := o.sess
	o.emit(Event{Op: OpSession, Session: &sess})
}

func (o *Orchestrator) addSubscriber() subscription {
	o.nextSub++
	id := o.nextSub
	ch := make(chan Event, 128)
	snap := o.snapshot()
	ch <- Event{Op: OpSnapshot, Snapshot: &snap}
	o.subs[id] = ch
	return subscription{id: id, ch: ch}
}

func (o *Orchestrator) emit(ev Event) {
	for _, ch := range o.subs {
		select {
		case ch <- ev:
		default:
			// Slow consumer; drop rather than block the loop.
		}
	}
}

func (o *Orchestrator) notify(text string) {
	if o.notifier == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := o.notifier.Notify(ctx, text); err != nil {
			o.logger.Warn("Notification failed", zap.Error(err))
		}
	}()
}

func (o *Orchestrator) recordCommand(outcome string) {
	if o.metrics != nil {
		o.metrics.RecordCommand(outcome)
	}
}

func withDefault(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}

func callStatus(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
