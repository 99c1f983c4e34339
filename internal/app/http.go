package app

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/parley/internal/health"
	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/session"
	"github.com/MrWong99/parley/pkg/types"
)

// maxBodyBytes bounds request bodies on the host API.
const maxBodyBytes = 64 << 10

// eventBuffer is how many state snapshots may queue for a slow websocket
// client before the oldest ones are dropped.
const eventBuffer = 32

// writeTimeout bounds a single websocket write.
const writeTimeout = 5 * time.Second

// Handler returns the host HTTP API:
//
//	POST /sessions               start a session (202, 409 while one is active)
//	GET  /sessions/{id}          current state
//	GET  /sessions/{id}/events   websocket stream of state snapshots
//	POST /sessions/{id}/mute     {"muted": bool}
//	POST /sessions/{id}/end      end the session and return the transcript
//	GET  /healthz, /readyz, /metrics
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /sessions", a.handleStart)
	mux.HandleFunc("GET /sessions/{id}", a.handleGet)
	mux.HandleFunc("GET /sessions/{id}/events", a.handleEvents)
	mux.HandleFunc("POST /sessions/{id}/mute", a.handleMute)
	mux.HandleFunc("POST /sessions/{id}/end", a.handleEnd)

	health.New(a.Checkers()...).Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())

	return observe.Middleware(a.metrics)(mux)
}

// startBody is the JSON body of POST /sessions. Both fields are optional.
type startBody struct {
	Descriptor *types.SessionDescriptor `json:"descriptor"`
	Turn       *struct {
		GuardDelayMS int  `json:"guard_delay_ms"`
		SkipGreeting bool `json:"skip_greeting"`
	} `json:"turn"`
}

func (a *App) handleStart(w http.ResponseWriter, r *http.Request) {
	var body startBody
	if r.ContentLength != 0 {
		if err := decodeBody(w, r, &body); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
	}

	req := StartRequest{Descriptor: body.Descriptor}
	if t := body.Turn; t != nil {
		if t.GuardDelayMS < 0 {
			writeError(w, http.StatusBadRequest, errors.New("turn.guard_delay_ms must not be negative"))
			return
		}
		req.Turn = &session.TurnConfig{
			GuardDelay:   time.Duration(t.GuardDelayMS) * time.Millisecond,
			SkipGreeting: t.SkipGreeting,
		}
	}

	info, err := a.StartSession(req)
	if errors.Is(err, ErrSessionActive) {
		writeError(w, http.StatusConflict, err)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.Header().Set("Location", "/sessions/"+info.ID)
	writeJSON(w, http.StatusAccepted, info)
}

func (a *App) handleGet(w http.ResponseWriter, r *http.Request) {
	info, err := a.Session(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (a *App) handleMute(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Muted *bool `json:"muted"`
	}
	if err := decodeBody(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if body.Muted == nil {
		writeError(w, http.StatusBadRequest, errors.New("muted is required"))
		return
	}
	info, err := a.SetMuted(r.PathValue("id"), *body.Muted)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// endResponse is the JSON body returned by POST /sessions/{id}/end.
type endResponse struct {
	ID         string              `json:"id"`
	Transcript []session.Utterance `json:"transcript"`
}

func (a *App) handleEnd(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	transcript, err := a.EndSession(r.Context(), id)
	switch {
	case errors.Is(err, ErrSessionNotFound):
		writeError(w, http.StatusNotFound, err)
		return
	case err != nil:
		// The context expired mid-teardown; the partial transcript is still
		// worth returning.
		observe.Logger(r.Context()).Warn("session end incomplete", "session_id", id, "err", err)
	}
	if transcript == nil {
		transcript = []session.Utterance{}
	}
	writeJSON(w, http.StatusOK, endResponse{ID: id, Transcript: transcript})
}

// handleEvents streams state snapshots over a websocket until the session is
// over or the client goes away. The first message is the current state.
func (a *App) handleEvents(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := a.Session(id); err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}

	log := observe.Logger(r.Context()).With("session_id", id)
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		log.Debug("events: websocket accept failed", "err", err)
		return
	}
	defer conn.CloseNow()

	// Client messages are ignored; CloseRead cancels ctx when the client
	// disconnects.
	ctx := conn.CloseRead(r.Context())

	states := newStateQueue(eventBuffer)
	cancel, done, err := a.Subscribe(id, states.push)
	if err != nil {
		conn.Close(websocket.StatusPolicyViolation, "session not found")
		return
	}
	defer cancel()

	for {
		select {
		case <-states.ready:
			for _, st := range states.drain() {
				if err := writeState(ctx, conn, st); err != nil {
					log.Debug("events: write failed", "err", err)
					return
				}
			}
		case <-done:
			for _, st := range states.drain() {
				if err := writeState(ctx, conn, st); err != nil {
					return
				}
			}
			conn.Close(websocket.StatusNormalClosure, "session over")
			return
		case <-ctx.Done():
			return
		}
	}
}

func writeState(ctx context.Context, conn *websocket.Conn, st session.State) error {
	data, err := json.Marshal(st)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, data)
}

// stateQueue buffers snapshots between the session goroutine and a
// websocket writer. push never blocks; when full the oldest snapshot is
// dropped, since every snapshot carries the complete state.
type stateQueue struct {
	mu    sync.Mutex
	buf   []session.State
	limit int
	ready chan struct{}
}

func newStateQueue(limit int) *stateQueue {
	return &stateQueue{limit: limit, ready: make(chan struct{}, 1)}
}

func (q *stateQueue) push(st session.State) {
	q.mu.Lock()
	if len(q.buf) == q.limit {
		q.buf = q.buf[1:]
	}
	q.buf = append(q.buf, st)
	q.mu.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}
}

func (q *stateQueue) drain() []session.State {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.buf
	q.buf = nil
	return out
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("write response failed", "err", err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
