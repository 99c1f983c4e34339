package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/pkg/types"
)

const inboxSize = 64

// noticeConnectionLost is published when the remote path fails mid-session.
const noticeConnectionLost = "The connection to the conversation service was lost. You can end the session; the transcript so far is kept."

// Manager owns one conversation session. Create it with [New], start it with
// [Manager.Start] and finish it with [Manager.End].
type Manager struct {
	cfg       Config
	remote    Path
	fallback  Path
	metrics   *observe.Metrics
	now       func() time.Time
	afterFunc AfterFunc

	obs        observable
	transcript Transcript

	mu      sync.Mutex
	started bool
	ended   bool

	loopOnce sync.Once
	inbox    chan input
	stopping chan struct{} // closed when teardown begins
	done     chan struct{} // closed when the loop has exited
	final    []Utterance
	gens     atomic.Uint64

	// Loop-owned state below; only touched by the loop goroutine.
	st            State
	turn          TurnConfig
	echo          *EchoFilter
	gate          turnGate
	thinking      int
	active        *pathHandle
	startReply    chan error
	initCancel    context.CancelFunc
	initDone      chan struct{}
	runCtx        context.Context
	runCancel     context.CancelFunc
	respondCancel context.CancelFunc
	respondWG     sync.WaitGroup
	counted       bool
}

// New returns an idle Manager.
func New(cfg Config, deps Deps) *Manager {
	m := &Manager{
		cfg:       cfg,
		remote:    deps.Remote,
		fallback:  deps.Fallback,
		metrics:   deps.Metrics,
		now:       deps.Now,
		afterFunc: deps.AfterFunc,
		inbox:     make(chan input, inboxSize),
		stopping:  make(chan struct{}),
		done:      make(chan struct{}),
		echo:      NewEchoFilter(cfg.Echo),
	}
	if m.metrics == nil {
		m.metrics = observe.DefaultMetrics()
	}
	if m.now == nil {
		m.now = time.Now
	}
	if m.afterFunc == nil {
		m.afterFunc = realAfterFunc
	}
	m.runCtx, m.runCancel = context.WithCancel(context.Background())
	m.gate = turnGate{
		delay: defaultGuardDelay,
		after: m.afterFunc,
		fire:  func(gen uint64) { m.post(guardExpired{gen: gen}) },
	}
	m.st.Transcript = []Utterance{}
	m.obs.cur = m.st
	return m
}

// ─── public API ──────────────────────────────────────────────────────────────

// Start opens the conversation described by desc. It blocks until the session
// is active on either path, or until both paths have failed.
//
// An expired descriptor fails at once with a [types.ConnectionError] and
// leaves the manager idle. A remote failure during setup is not an error: the
// session continues on the local fallback. Cancelling ctx before the session
// is active aborts setup and ends the session.
func (m *Manager) Start(ctx context.Context, desc types.SessionDescriptor, turn TurnConfig) error {
	if desc.Expired(m.now()) {
		return fmt.Errorf("session: %w", types.ConnErr(types.ReasonExpired,
			fmt.Errorf("descriptor %q expired at %s", desc.ID, desc.ExpiresAt.Format(time.RFC3339))))
	}

	m.mu.Lock()
	switch {
	case m.ended:
		m.mu.Unlock()
		return ErrEnded
	case m.started:
		m.mu.Unlock()
		return ErrAlreadyStarted
	}
	m.started = true
	m.mu.Unlock()

	m.ensureLoop()
	reply := make(chan error, 1)
	if !m.post(startCmd{ctx: ctx, desc: desc, turn: turn, reply: reply}) {
		return ErrEnded
	}
	select {
	case err := <-reply:
		return err
	case <-m.done:
		return ErrEnded
	}
}

// SetMuted mutes or unmutes the user's microphone. It is a no-op once the
// session has ended.
func (m *Manager) SetMuted(muted bool) {
	m.ensureLoop()
	m.post(muteCmd{muted: muted})
}

// UpdateEcho replaces the echo filter configuration of a live session.
func (m *Manager) UpdateEcho(cfg EchoConfig) {
	m.ensureLoop()
	m.post(echoCmd{cfg: cfg})
}

// End tears down whichever path is active and returns the transcript.
// Teardown errors are logged, not returned. Calling End again returns the
// same transcript.
func (m *Manager) End(ctx context.Context) ([]Utterance, error) {
	m.mu.Lock()
	m.ended = true
	m.mu.Unlock()

	m.ensureLoop()
	reply := make(chan []Utterance, 1)
	if !m.post(endCmd{reply: reply}) {
		return m.final, nil
	}
	select {
	case t := <-reply:
		return t, nil
	case <-m.done:
		return m.final, nil
	case <-ctx.Done():
		return m.transcript.Snapshot(), ctx.Err()
	}
}

// State returns the most recently published state.
func (m *Manager) State() State { return m.obs.current() }

// Subscribe calls fn with the current state and then with every published
// state, in order, from the manager's goroutine. fn must not block or call
// Subscribe. The returned function unsubscribes.
func (m *Manager) Subscribe(fn func(State)) (cancel func()) {
	return m.obs.subscribe(fn)
}

// Transcript returns the utterances recorded so far.
func (m *Manager) Transcript() []Utterance { return m.transcript.Snapshot() }

// Done is closed once the session has ended and its resources are released.
func (m *Manager) Done() <-chan struct{} { return m.done }

// ─── loop ────────────────────────────────────────────────────────────────────

func (m *Manager) ensureLoop() {
	m.loopOnce.Do(func() { go m.loop() })
}

// post queues in for the loop. It reports false once the loop has exited.
func (m *Manager) post(in input) bool {
	select {
	case m.inbox <- in:
		return true
	case <-m.done:
		return false
	}
}

// postInit is post for the init goroutine, which must also give up once
// teardown has begun because the loop then waits for it.
func (m *Manager) postInit(in input) bool {
	select {
	case m.inbox <- in:
		return true
	case <-m.stopping:
		return false
	}
}

func (m *Manager) loop() {
	defer close(m.done)
	for in := range m.inbox {
		if m.apply(in) {
			return
		}
	}
}

// apply performs one transition. It reports true when the loop must stop.
func (m *Manager) apply(in input) (stop bool) {
	switch in := in.(type) {
	case startCmd:
		m.begin(in)
	case demoted:
		m.demote(in.err)
	case opened:
		return m.onOpened(in)
	case pathEvent:
		return m.onPathEvent(in)
	case guardExpired:
		if m.gate.expire(in.gen) {
			m.setGated(false)
			m.publish()
		}
	case muteCmd:
		m.st.Muted = in.muted
		if m.active != nil {
			m.active.path.SetMuted(in.muted)
		}
		m.publish()
	case echoCmd:
		m.echo = NewEchoFilter(in.cfg)
		slog.Info("session: echo filter updated", "session_id", m.st.SessionID, "risk_phrases", len(in.cfg.RiskPhrases))
	case endCmd:
		m.finish(nil)
		in.reply <- m.final
		return true
	}
	return false
}

func (m *Manager) begin(cmd startCmd) {
	m.turn = cmd.turn
	if m.turn.GuardDelay <= 0 {
		m.turn.GuardDelay = m.cfg.Turn.GuardDelay
	}
	if m.turn.GuardDelay > 0 {
		m.gate.delay = m.turn.GuardDelay
	}
	m.turn.SkipGreeting = m.turn.SkipGreeting || m.cfg.Turn.SkipGreeting

	switch {
	case m.cfg.ID != "":
		m.st.SessionID = m.cfg.ID
	case cmd.desc.ID != "":
		m.st.SessionID = cmd.desc.ID
	default:
		m.st.SessionID = uuid.NewString()
	}
	if cmd.desc.ID != "" && cmd.desc.ID != m.st.SessionID {
		slog.Debug("session: starting", "session_id", m.st.SessionID, "descriptor", cmd.desc.ID)
	}
	m.st.Phase = PhaseInitializing
	m.setConnection(types.StateConnecting)
	m.publish()

	m.metrics.ActiveSessions.Add(m.runCtx, 1)
	m.counted = true

	m.startReply = cmd.reply
	ctx, cancel := context.WithCancel(cmd.ctx)
	m.initCancel = cancel
	m.initDone = make(chan struct{})
	go m.initialize(ctx, cmd.desc)
}

// initialize tries the remote path, then the fallback. It runs outside the
// loop and reports through the inbox.
func (m *Manager) initialize(ctx context.Context, desc types.SessionDescriptor) {
	defer close(m.initDone)

	remoteErr := types.Unavailable("remote transport", nil)
	if m.remote != nil {
		h, err := m.openPath(ctx, PathRemote, m.remote, desc)
		if err == nil {
			if !m.postInit(opened{handle: h}) {
				h.shutdown()
			}
			return
		}
		remoteErr = err
	}
	if ctx.Err() != nil {
		m.postInit(opened{err: ctx.Err()})
		return
	}
	if !m.postInit(demoted{err: remoteErr}) {
		return
	}

	var fallbackErr error = types.Unavailable("local fallback", nil)
	if m.fallback != nil {
		h, err := m.openPath(ctx, PathFallback, m.fallback, desc)
		if err == nil {
			if !m.postInit(opened{handle: h}) {
				h.shutdown()
			}
			return
		}
		fallbackErr = err
	}
	if ctx.Err() != nil {
		m.postInit(opened{err: ctx.Err()})
		return
	}
	m.postInit(opened{err: fmt.Errorf("session: no conversation path available: %w",
		errors.Join(remoteErr, fallbackErr))})
}

// openPath opens p under a tracing span. On failure p has been closed.
func (m *Manager) openPath(ctx context.Context, kind PathKind, p Path, desc types.SessionDescriptor) (*pathHandle, error) {
	h := m.newHandle(kind, p)
	start := m.now()
	spanCtx, span := observe.StartSpan(ctx, "session.open."+string(kind))
	err := p.Open(spanCtx, desc, h.emitter(m.inbox))
	observe.EndSpan(span, err)

	status := "ok"
	if err != nil {
		status = "error"
		h.shutdown()
	}
	m.metrics.RecordSetup(ctx, string(kind), status, m.now().Sub(start).Seconds())
	return h, err
}

func (m *Manager) demote(err error) {
	reason := demotionReason(err)
	slog.Warn("session: remote path unavailable, falling back to local conversation",
		"session_id", m.st.SessionID, "reason", reason, "err", err)
	m.metrics.RecordDemotion(m.runCtx, reason)

	m.setConnection(types.StateFailed)
	m.publish()
	m.setConnection(types.StateConnecting)
	m.publish()
}

func (m *Manager) onOpened(o opened) (stop bool) {
	if m.st.Phase != PhaseInitializing {
		if o.handle != nil {
			o.handle.shutdown()
		}
		return false
	}
	if o.err != nil {
		if errors.Is(o.err, context.Canceled) || errors.Is(o.err, context.DeadlineExceeded) {
			m.finish(o.err)
			return true
		}
		slog.Error("session: no conversation path could be opened", "session_id", m.st.SessionID, "err", o.err)
		m.st.Phase = PhaseError
		m.st.Err = o.err
		m.setConnection(types.StateFailed)
		m.publish()
		m.resolveStart(o.err)
		return false
	}

	h := o.handle
	m.active = h
	h.activate()
	h.path.SetMuted(m.st.Muted)

	m.st.Path = h.kind
	m.st.UsingFallback = h.kind == PathFallback
	if h.kind == PathFallback {
		m.st.Phase = PhaseActiveFallback
	} else {
		m.st.Phase = PhaseActiveRemote
	}
	m.setConnection(types.StateConnected)
	m.publish()
	slog.Info("session: active", "session_id", m.st.SessionID, "path", h.kind)
	m.resolveStart(nil)

	if !m.turn.SkipGreeting {
		m.respond(nil)
	}
	return false
}

func (m *Manager) onPathEvent(pe pathEvent) (stop bool) {
	h := m.active
	if h == nil || pe.gen != h.gen {
		return false
	}
	ev := pe.ev
	switch ev.Kind {
	case SpeechStarted:
		m.gate.speechStarted()
		m.setGated(true)
	case SpeechEnded:
		if ev.Err != nil {
			slog.Warn("session: assistant speech failed", "session_id", m.st.SessionID, "err", ev.Err)
			m.gate.release()
			m.setGated(false)
		} else {
			m.gate.speechEnded()
		}
	case ThinkingStarted:
		m.thinking++
	case ThinkingEnded:
		if m.thinking > 0 {
			m.thinking--
		}
	case InterimUtterance:
		if ev.Role == RoleAssistant || (h.kind == PathFallback && m.gate.gated) {
			return false
		}
		m.st.Preview = ev.Text
	case FinalUtterance:
		if !m.onFinal(h, ev) {
			return false
		}
	case Faulted:
		m.onFault(h, ev)
	}
	m.publish()
	return false
}

// onFinal records a final utterance. It reports whether state changed.
func (m *Manager) onFinal(h *pathHandle, ev Event) bool {
	text := strings.TrimSpace(ev.Text)
	if text == "" {
		return false
	}
	if ev.Role == RoleAssistant {
		m.appendUtterance(RoleAssistant, text, h.kind)
		return true
	}

	if h.kind == PathFallback {
		if m.gate.gated {
			slog.Debug("session: dropped user final while assistant speaks", "session_id", m.st.SessionID, "text", text)
			m.metrics.RecordEchoRejection(m.runCtx, "gated")
			return m.clearPreview()
		}
		recent := m.transcript.Recent(RoleAssistant, m.echo.Config().RecentAssistant)
		if reason := m.echo.Check(text, recent); reason != EchoAccepted {
			slog.Debug("session: rejected echo candidate", "session_id", m.st.SessionID, "reason", reason, "text", text)
			m.metrics.RecordEchoRejection(m.runCtx, string(reason))
			return m.clearPreview()
		}
	}

	m.st.Preview = ""
	m.appendUtterance(RoleUser, text, h.kind)
	if h.kind == PathFallback {
		m.respond(Messages(m.transcript.Snapshot()))
	}
	return true
}

func (m *Manager) clearPreview() bool {
	if m.st.Preview == "" {
		return false
	}
	m.st.Preview = ""
	return true
}

func (m *Manager) onFault(h *pathHandle, ev Event) {
	if !ev.Fatal {
		slog.Warn("session: path reported an error", "session_id", m.st.SessionID, "path", h.kind, "err", ev.Err)
		if ev.Err != nil {
			m.st.Notice = ev.Err.Error()
		}
		return
	}

	m.closeActive()
	m.setConnection(types.StateFailed)
	if h.kind == PathRemote {
		slog.Warn("session: connection lost", "session_id", m.st.SessionID, "err", ev.Err)
		m.metrics.ConnectionLosses.Add(m.runCtx, 1)
		m.st.Notice = noticeConnectionLost
		return
	}
	slog.Error("session: fallback path failed", "session_id", m.st.SessionID, "err", ev.Err)
	m.st.Phase = PhaseError
	m.st.Err = ev.Err
}

func (m *Manager) appendUtterance(role, text string, kind PathKind) {
	m.transcript.Append(role, text, m.now())
	m.metrics.RecordUtterance(m.runCtx, role, string(kind))
}

// respond asks the active path for the assistant's next turn, cancelling the
// one in flight. A nil history requests the opening turn.
func (m *Manager) respond(history []types.Message) {
	if m.respondCancel != nil {
		m.respondCancel()
	}
	h, id := m.active, m.st.SessionID
	ctx, cancel := context.WithCancel(m.runCtx)
	m.respondCancel = cancel
	m.respondWG.Add(1)
	go func() {
		defer m.respondWG.Done()
		if err := h.path.Respond(ctx, history); err != nil && ctx.Err() == nil {
			slog.Warn("session: respond failed", "session_id", id, "path", h.kind, "err", err)
		}
	}()
}

// closeActive detaches and closes the active path. Events it still emits are
// dropped.
func (m *Manager) closeActive() {
	h := m.active
	if h == nil {
		return
	}
	m.active = nil
	h.detach()
	if m.respondCancel != nil {
		m.respondCancel()
		m.respondCancel = nil
	}
	m.respondWG.Wait()
	if err := h.path.Close(); err != nil {
		slog.Warn("session: closing path", "session_id", m.st.SessionID, "path", h.kind, "err", err)
	}
	m.gate.release()
	m.thinking = 0
	m.st.Preview = ""
}

// finish tears the session down. cause is reported to a waiting Start.
func (m *Manager) finish(cause error) {
	close(m.stopping)
	if m.initCancel != nil {
		m.initCancel()
	}
	m.closeActive()
	if m.initDone != nil {
		<-m.initDone
	}
	m.drainInbox()
	m.runCancel()
	m.respondWG.Wait()
	m.gate.release()

	if m.counted {
		m.metrics.ActiveSessions.Add(context.Background(), -1)
		m.counted = false
	}

	m.setConnection(types.StateDisconnected)
	if m.st.Phase != PhaseError {
		m.st.Phase = PhaseEnded
	}
	m.st.IsSpeaking, m.st.IsThinking = false, false
	m.final = m.transcript.Snapshot()
	m.publish()

	if cause == nil {
		cause = ErrEnded
	}
	m.resolveStart(cause)
	slog.Info("session: ended", "session_id", m.st.SessionID, "utterances", len(m.final))
}

// drainInbox discards queued inputs after teardown, releasing any path that
// finished opening in the meantime.
func (m *Manager) drainInbox() {
	for {
		select {
		case in := <-m.inbox:
			if o, ok := in.(opened); ok && o.handle != nil {
				o.handle.shutdown()
			}
		default:
			return
		}
	}
}

func (m *Manager) resolveStart(err error) {
	if m.startReply != nil {
		m.startReply <- err
		m.startReply = nil
	}
}

// setConnection applies a connection transition, ignoring illegal edges.
func (m *Manager) setConnection(next types.ConnectionState) {
	prev := m.st.Connection
	if prev == next {
		return
	}
	if !prev.CanTransition(next) {
		slog.Debug("session: ignoring illegal connection transition", "from", prev, "to", next)
		return
	}
	m.st.Connection = next
}

func (m *Manager) setGated(gated bool) {
	if m.active != nil {
		m.active.path.SetGated(gated)
	}
}

// publish derives the turn flags and delivers the state.
func (m *Manager) publish() {
	m.st.IsSpeaking = m.gate.speaking
	m.st.IsThinking = m.thinking > 0
	m.st.IsListening = m.st.Phase.Active() && m.active != nil && !m.gate.gated && !m.st.Muted
	m.st.Transcript = m.transcript.Snapshot()
	m.obs.publish(m.st)
}

// ─── path handles ────────────────────────────────────────────────────────────

// pathHandle ties a Path to the generation its events are tagged with.
// Events wait until the handle is activated and are discarded once it is
// detached.
type pathHandle struct {
	kind PathKind
	path Path
	gen  uint64

	ready      chan struct{}
	done       chan struct{}
	readyOnce  sync.Once
	detachOnce sync.Once
}

func (m *Manager) newHandle(kind PathKind, p Path) *pathHandle {
	return &pathHandle{
		kind:  kind,
		path:  p,
		gen:   m.gens.Add(1),
		ready: make(chan struct{}),
		done:  make(chan struct{}),
	}
}

func (h *pathHandle) emitter(inbox chan<- input) Emit {
	return func(ev Event) {
		select {
		case <-h.ready:
		case <-h.done:
			return
		}
		select {
		case inbox <- pathEvent{gen: h.gen, ev: ev}:
		case <-h.done:
		}
	}
}

func (h *pathHandle) activate() { h.readyOnce.Do(func() { close(h.ready) }) }

func (h *pathHandle) detach() { h.detachOnce.Do(func() { close(h.done) }) }

// shutdown detaches and closes a handle that never became active.
func (h *pathHandle) shutdown() {
	h.detach()
	if err := h.path.Close(); err != nil {
		slog.Warn("session: closing path", "path", h.kind, "err", err)
	}
}
