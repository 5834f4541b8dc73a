package engine

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/zhubert/converge-core/stream"
)

// fullListener receives every state emission for one session.
type fullListener struct {
	id uuid.UUID
	fn func(*stream.SessionState)
}

// phaseListener receives only phase transitions.
type phaseListener struct {
	id uuid.UUID
	fn func(stream.Phase)
}

// bus holds the per-session listener registries. It carries its own
// lock, independent of the engine's apply mutex, so listeners can
// subscribe and unsubscribe from inside a callback without
// deadlocking.
type bus struct {
	mu    sync.Mutex
	phase map[string][]phaseListener
	full  map[string][]fullListener
	log   *slog.Logger
}

func newBus(log *slog.Logger) *bus {
	return &bus{
		phase: make(map[string][]phaseListener),
		full:  make(map[string][]fullListener),
		log:   log,
	}
}

// addFull registers a full-state listener and returns its handle.
func (b *bus) addFull(sessionID string, fn func(*stream.SessionState)) uuid.UUID {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := uuid.New()
	b.full[sessionID] = append(b.full[sessionID], fullListener{id: id, fn: fn})
	return id
}

// addPhase registers a phase listener and returns its handle.
func (b *bus) addPhase(sessionID string, fn func(stream.Phase)) uuid.UUID {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := uuid.New()
	b.phase[sessionID] = append(b.phase[sessionID], phaseListener{id: id, fn: fn})
	return id
}

// removeFull drops one full-state listener. Removing the last listener
// for a session drops the registry entry; the session state itself is
// untouched.
func (b *bus) removeFull(sessionID string, id uuid.UUID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	list := b.full[sessionID]
	for i := range list {
		if list[i].id == id {
			b.full[sessionID] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(b.full[sessionID]) == 0 {
		delete(b.full, sessionID)
	}
}

// removePhase drops one phase listener.
func (b *bus) removePhase(sessionID string, id uuid.UUID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	list := b.phase[sessionID]
	for i := range list {
		if list[i].id == id {
			b.phase[sessionID] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(b.phase[sessionID]) == 0 {
		delete(b.phase, sessionID)
	}
}

// emit delivers one snapshot: phase listeners first (only when the
// phase actually changed), then full-state listeners, each group in
// subscription order. The registries are copied before anything is
// invoked, so a callback that unsubscribes does not disturb the
// in-flight delivery.
func (b *bus) emit(state *stream.SessionState, phaseChanged bool) {
	b.mu.Lock()
	var phases []phaseListener
	if phaseChanged && len(b.phase[state.ID]) > 0 {
		phases = make([]phaseListener, len(b.phase[state.ID]))
		copy(phases, b.phase[state.ID])
	}
	var fulls []fullListener
	if len(b.full[state.ID]) > 0 {
		fulls = make([]fullListener, len(b.full[state.ID]))
		copy(fulls, b.full[state.ID])
	}
	b.mu.Unlock()

	for _, l := range phases {
		b.notifyPhase(l, state.ID, state.Phase)
	}
	for _, l := range fulls {
		b.notifyFull(l, state)
	}
}

// notifyPhase invokes one phase listener, containing any panic so the
// remaining listeners still receive the delivery.
func (b *bus) notifyPhase(l phaseListener, sessionID string, phase stream.Phase) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("phase listener panicked", "sessionID", sessionID, "panic", r)
		}
	}()
	l.fn(phase)
}

// notifyFull invokes one full-state listener with panic containment.
func (b *bus) notifyFull(l fullListener, state *stream.SessionState) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("state listener panicked", "sessionID", state.ID, "panic", r)
		}
	}()
	l.fn(state)
}
