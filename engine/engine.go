package engine

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/zhubert/converge-core/logger"
	"github.com/zhubert/converge-core/stream"
)

// Engine demultiplexes one ordered instruction feed into per-session
// state machines. It owns the authoritative session table, applies
// every instruction through the reducer, and fans the resulting
// snapshots out to subscribers.
type Engine struct {
	// applyMu serializes every mutating operation end-to-end,
	// including its notification fan-out, so per-session notification
	// order always matches version order.
	applyMu sync.Mutex

	mu       sync.RWMutex // protects sessions
	sessions map[string]*stream.SessionState

	retention stream.RetentionPolicy
	reducer   *stream.Reducer
	bus       *bus
	bridge    *forkBridge
	log       *slog.Logger
}

// New creates an engine with an empty session table. Options override
// the default retention policy and logger.
func New(opts ...Option) *Engine {
	e := &Engine{
		sessions:  make(map[string]*stream.SessionState),
		retention: stream.DefaultRetention(),
		log:       logger.WithComponent("engine"),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.reducer = stream.NewReducer(e.retention, e.log)
	e.bus = newBus(e.log)
	e.bridge = newForkBridge()
	return e
}

// Apply routes one decoded instruction to its session: reduce, store,
// notify. This is the feed's entry point. Instructions the reducer
// treats as no-ops produce no version bump and no notification.
func (e *Engine) Apply(in *stream.Instruction) {
	if in == nil {
		e.log.Warn("dropping nil instruction")
		return
	}
	if in.SessionID == "" {
		e.log.Warn("dropping instruction without session id", "op", in.Op)
		return
	}

	e.applyMu.Lock()
	defer e.applyMu.Unlock()
	e.applyLocked(in)
}

// applyLocked runs the reduce-store-notify cycle plus any fork bridge
// follow-up. Caller must hold applyMu.
func (e *Engine) applyLocked(in *stream.Instruction) {
	prev := e.getOrCreate(in.SessionID)
	next := e.reducer.Apply(prev, in)
	if next == prev {
		return
	}

	e.put(next)
	e.bus.emit(next, next.Phase != prev.Phase)
	e.propagateFork(in)
}

// Get returns the session's current snapshot, or nil when the session
// does not exist. The snapshot is immutable; it never changes after
// being returned.
func (e *Engine) Get(sessionID string) *stream.SessionState {
	return e.lookup(sessionID)
}

// Sessions returns the ids currently in the store, sorted.
func (e *Engine) Sessions() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ids := make([]string, 0, len(e.sessions))
	for id := range e.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Subscribe registers fn for every state emission of the session. If
// the session already exists, the current snapshot is delivered
// synchronously before Subscribe returns, so a subscriber never misses
// the initial state. The returned func removes the subscription and is
// safe to call from inside a callback.
func (e *Engine) Subscribe(sessionID string, fn func(*stream.SessionState)) func() {
	id := e.bus.addFull(sessionID, fn)
	if s := e.lookup(sessionID); s != nil {
		fn(s)
	}
	return func() { e.bus.removeFull(sessionID, id) }
}

// SubscribeState registers fn for phase transitions only, a cheap
// filter for observers that just track busy/idle. The current phase is
// delivered synchronously when the session already exists.
func (e *Engine) SubscribeState(sessionID string, fn func(stream.Phase)) func() {
	id := e.bus.addPhase(sessionID, fn)
	if s := e.lookup(sessionID); s != nil {
		fn(s.Phase)
	}
	return func() { e.bus.removePhase(sessionID, id) }
}

// Reset removes the session from the store entirely. Any pending fork
// bridge involving the session is released as if the fork had
// completed. Subscriptions survive: if the same id streams again later
// a fresh state is created lazily and subscribers pick it up from its
// first mutation.
func (e *Engine) Reset(sessionID string) {
	e.applyMu.Lock()
	defer e.applyMu.Unlock()

	if parentID, ok := e.bridge.parent(sessionID); ok {
		e.bridge.release(sessionID)
		e.setSendDisabled(parentID, false)
		e.log.Info("fork bridge released by reset",
			"childID", sessionID, "parentID", parentID)
	}
	for _, childID := range e.bridge.releaseChildren(sessionID) {
		e.setSendDisabled(childID, false)
		e.log.Info("fork bridge released by parent reset",
			"childID", childID, "parentID", sessionID)
	}

	e.mu.Lock()
	_, existed := e.sessions[sessionID]
	delete(e.sessions, sessionID)
	e.mu.Unlock()

	if existed {
		e.log.Info("session reset", "sessionID", sessionID)
	} else {
		e.log.Debug("reset for unknown session", "sessionID", sessionID)
	}
}

// Reconcile clears live buffers that persisted history has fully
// absorbed, per buffer independently. The message id identifies the
// persisted assistant message the authoritative content came from and
// is recorded in logs only. Idempotent: when neither buffer changes
// there is no version bump and no emission.
func (e *Engine) Reconcile(sessionID, lastMessageID, authoritativeAnswer, authoritativeReasoning string) {
	e.applyMu.Lock()
	defer e.applyMu.Unlock()

	prev := e.lookup(sessionID)
	if prev == nil {
		e.log.Debug("reconcile for unknown session",
			"sessionID", sessionID, "messageID", lastMessageID)
		return
	}
	next := prev.ReconcileBuffers(authoritativeAnswer, authoritativeReasoning)
	if next == prev {
		return
	}

	e.put(next)
	e.bus.emit(next, false)
	e.log.Info("reconciled session buffers",
		"sessionID", sessionID, "messageID", lastMessageID, "version", next.Version)
}

// RegisterFork associates a child session forked from a parent and
// disables sending on both until the fork visibly progresses. A child
// may have at most one pending bridge; re-registering replaces it and
// releases the previous parent.
func (e *Engine) RegisterFork(childID, parentID string) {
	if childID == "" || parentID == "" || childID == parentID {
		e.log.Warn("rejecting fork registration",
			"childID", childID, "parentID", parentID)
		return
	}

	e.applyMu.Lock()
	defer e.applyMu.Unlock()

	if prevParent, ok := e.bridge.parent(childID); ok {
		e.log.Warn("replacing pending fork bridge",
			"childID", childID, "previousParentID", prevParent, "parentID", parentID)
		e.bridge.release(childID)
		if prevParent != parentID {
			e.setSendDisabled(prevParent, false)
		}
	}

	e.getOrCreate(childID)
	e.getOrCreate(parentID)
	e.bridge.register(childID, parentID)
	e.setSendDisabled(childID, true)
	e.setSendDisabled(parentID, true)
	e.log.Info("fork bridge registered", "childID", childID, "parentID", parentID)
}

// BeginLocalStream optimistically enters the thinking phase before the
// server's first event arrives, with the same fresh-stream clears a
// wire phase change performs.
func (e *Engine) BeginLocalStream(sessionID string) {
	if sessionID == "" {
		e.log.Warn("begin local stream without session id")
		return
	}
	e.applyMu.Lock()
	defer e.applyMu.Unlock()
	e.applyLocked(&stream.Instruction{
		SessionID: sessionID,
		Op:        stream.OpPhaseChange,
		Phase:     stream.PhaseThinking,
	})
}

// RevertLocalStream returns an optimistically started stream to idle
// without touching buffers, for sends that fail before the server
// picks them up.
func (e *Engine) RevertLocalStream(sessionID string) {
	if sessionID == "" {
		e.log.Warn("revert local stream without session id")
		return
	}
	e.applyMu.Lock()
	defer e.applyMu.Unlock()
	e.applyLocked(&stream.Instruction{
		SessionID: sessionID,
		Op:        stream.OpComplete,
	})
}

// propagateFork applies the bridge rules after one instruction lands
// on a bridged child: any visible progress re-enables the parent, and
// a terminal instruction releases the bridge and re-enables both ends.
// Caller must hold applyMu.
func (e *Engine) propagateFork(in *stream.Instruction) {
	parentID, ok := e.bridge.parent(in.SessionID)
	if !ok {
		return
	}

	switch in.Op {
	case stream.OpComplete, stream.OpError:
		e.bridge.release(in.SessionID)
		e.setSendDisabled(in.SessionID, false)
		e.setSendDisabled(parentID, false)
		e.log.Info("fork bridge released",
			"childID", in.SessionID, "parentID", parentID, "op", in.Op)
	case stream.OpPhaseChange:
		if in.Phase.Active() {
			e.setSendDisabled(parentID, false)
		}
	case stream.OpReasoningDelta, stream.OpAnswerDelta, stream.OpSegmentUpdate:
		e.setSendDisabled(parentID, false)
	}
}

// setSendDisabled flips a session's send flag, with its own version
// bump and emission. No-op when the flag already matches or the
// session is gone. Caller must hold applyMu.
func (e *Engine) setSendDisabled(sessionID string, disabled bool) {
	prev := e.lookup(sessionID)
	if prev == nil {
		e.log.Warn("send flag target missing", "sessionID", sessionID, "disabled", disabled)
		return
	}
	next := prev.WithSendDisabled(disabled)
	if next == prev {
		return
	}
	e.put(next)
	e.bus.emit(next, false)
}

// getOrCreate returns the session's current state, creating an idle
// one on first reference. Caller must hold applyMu.
func (e *Engine) getOrCreate(sessionID string) *stream.SessionState {
	if s := e.lookup(sessionID); s != nil {
		return s
	}
	s := stream.NewSessionState(sessionID)
	e.put(s)
	e.log.Debug("session created", "sessionID", sessionID)
	return s
}

func (e *Engine) lookup(sessionID string) *stream.SessionState {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.sessions[sessionID]
}

func (e *Engine) put(state *stream.SessionState) {
	e.mu.Lock()
	e.sessions[state.ID] = state
	e.mu.Unlock()
}
