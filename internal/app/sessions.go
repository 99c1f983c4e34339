package app

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/parley/internal/session"
	"github.com/MrWong99/parley/pkg/types"
)

var (
	// ErrSessionActive is returned by StartSession while another session is
	// still running.
	ErrSessionActive = errors.New("app: a session is already active")

	// ErrSessionNotFound is returned for unknown or evicted session IDs.
	ErrSessionNotFound = errors.New("app: session not found")
)

// maxRetained bounds how many finished sessions stay queryable.
const maxRetained = 16

// StartRequest describes a new session. A nil Descriptor is fetched from the
// configured collaborator; a nil Turn uses the configured turn defaults.
type StartRequest struct {
	Descriptor *types.SessionDescriptor
	Turn       *session.TurnConfig
}

// SessionInfo describes one hosted session.
type SessionInfo struct {
	ID        string        `json:"id"`
	StartedAt time.Time     `json:"started_at"`
	Error     string        `json:"error,omitempty"`
	State     session.State `json:"state"`
}

// hostSession is one conversation run by the App.
type hostSession struct {
	id        string
	startedAt time.Time
	mgr       *session.Manager
	cancel    context.CancelFunc
	done      chan struct{} // closed when the session is over

	mu       sync.Mutex
	startErr error
}

// over reports whether the session can no longer become active.
func (hs *hostSession) over() bool {
	select {
	case <-hs.done:
		return true
	default:
	}
	hs.mu.Lock()
	defer hs.mu.Unlock()
	return hs.startErr != nil
}

func (hs *hostSession) fail(err error) {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	hs.startErr = err
}

func (hs *hostSession) info() SessionInfo {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	info := SessionInfo{ID: hs.id, StartedAt: hs.startedAt, State: hs.mgr.State()}
	if hs.startErr != nil && !errors.Is(hs.startErr, session.ErrEnded) {
		info.Error = hs.startErr.Error()
	}
	return info
}

func (hs *hostSession) end(ctx context.Context) ([]session.Utterance, error) {
	defer hs.cancel()
	return hs.mgr.End(ctx)
}

// sessionTable holds the current session and the most recent finished ones.
type sessionTable struct {
	mu      sync.Mutex
	byID    map[string]*hostSession
	order   []string
	current *hostSession
}

func newSessionTable() *sessionTable {
	return &sessionTable{byID: make(map[string]*hostSession)}
}

// add makes hs the current session unless another one is still running.
func (t *sessionTable) add(hs *hostSession) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.current != nil && !t.current.over() {
		return ErrSessionActive
	}
	t.current = hs
	t.byID[hs.id] = hs
	t.order = append(t.order, hs.id)
	for len(t.order) > maxRetained {
		delete(t.byID, t.order[0])
		t.order = slices.Delete(t.order, 0, 1)
	}
	return nil
}

func (t *sessionTable) get(id string) *hostSession {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.byID[id]
}

// active returns the current session if it has not finished.
func (t *sessionTable) active() *hostSession {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.current == nil || t.current.over() {
		return nil
	}
	return t.current
}

// ─── Session control ─────────────────────────────────────────────────────────

// StartSession creates a session and starts it in the background. Only one
// session may run at a time; a second call fails with [ErrSessionActive]
// until the first has ended. Progress is observable through Session and
// Subscribe.
func (a *App) StartSession(req StartRequest) (SessionInfo, error) {
	id := uuid.NewString()
	a.mu.Lock()
	cfg := session.Config{ID: id, Turn: a.turn, Echo: a.echo}
	a.mu.Unlock()

	var turn session.TurnConfig
	if req.Turn != nil {
		turn = *req.Turn
	}

	remote, fallback := a.paths()
	mgr := session.New(cfg, session.Deps{
		Remote:   remote,
		Fallback: fallback,
		Metrics:  a.metrics,
		Now:      a.now,
	})

	ctx, cancel := context.WithCancel(context.Background())
	hs := &hostSession{
		id:        id,
		startedAt: a.now(),
		mgr:       mgr,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	if err := a.sessions.add(hs); err != nil {
		cancel()
		return SessionInfo{}, err
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.run(ctx, hs, req.Descriptor, turn)
	}()
	return hs.info(), nil
}

// run resolves the descriptor, starts the manager and waits for the session
// to end. A session whose start failed without ever running (an expired
// descriptor) is over as soon as Start returns.
func (a *App) run(ctx context.Context, hs *hostSession, desc *types.SessionDescriptor, turn session.TurnConfig) {
	defer close(hs.done)
	log := slog.With("session_id", hs.id)

	d, err := a.descriptor(ctx, desc)
	if err != nil {
		// The remote path fails validation without a client secret and the
		// manager demotes to the local fallback.
		log.Warn("no session descriptor; remote path unavailable", "err", err)
	}

	if err := hs.mgr.Start(ctx, d, turn); err != nil {
		hs.fail(err)
		if !errors.Is(err, session.ErrEnded) {
			log.Warn("session start failed", "err", err)
		}
		if hs.mgr.State().Phase == session.PhaseError {
			// Neither path opened. Release the manager's loop; the error
			// state stays visible.
			if _, err := hs.mgr.End(context.Background()); err != nil {
				log.Warn("session release failed", "err", err)
			}
		}
		return
	}
	st := hs.mgr.State()
	log.Info("session active", "path", st.Path)
	<-hs.mgr.Done()
}

func (a *App) descriptor(ctx context.Context, desc *types.SessionDescriptor) (types.SessionDescriptor, error) {
	switch {
	case desc != nil:
		return *desc, nil
	case a.cfg.Remote.Disabled:
		return types.SessionDescriptor{}, nil
	case a.descriptors == nil:
		return types.SessionDescriptor{}, errors.New("no descriptor in request and descriptor.url is not configured")
	}
	return a.descriptors.Descriptor(ctx)
}

// Session returns the current view of session id.
func (a *App) Session(id string) (SessionInfo, error) {
	hs := a.sessions.get(id)
	if hs == nil {
		return SessionInfo{}, ErrSessionNotFound
	}
	return hs.info(), nil
}

// SetMuted mutes or unmutes the user's microphone in session id.
func (a *App) SetMuted(id string, muted bool) (SessionInfo, error) {
	hs := a.sessions.get(id)
	if hs == nil {
		return SessionInfo{}, ErrSessionNotFound
	}
	hs.mgr.SetMuted(muted)
	return hs.info(), nil
}

// EndSession ends session id and returns its transcript. Ending a finished
// session returns the same transcript again.
func (a *App) EndSession(ctx context.Context, id string) ([]session.Utterance, error) {
	hs := a.sessions.get(id)
	if hs == nil {
		return nil, ErrSessionNotFound
	}
	return hs.end(ctx)
}

// Subscribe calls fn with every state published by session id. fn runs on
// the session's goroutine and must not block. done is closed when the
// session is over.
func (a *App) Subscribe(id string, fn func(session.State)) (cancel func(), done <-chan struct{}, err error) {
	hs := a.sessions.get(id)
	if hs == nil {
		return nil, nil, ErrSessionNotFound
	}
	return hs.mgr.Subscribe(fn), hs.done, nil
}
