package engine

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"testing"

	"github.com/zhubert/converge-core/stream"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestEngine(opts ...Option) *Engine {
	return New(append([]Option{WithLogger(testLogger())}, opts...)...)
}

func answerDelta(sessionID, delta string) *stream.Instruction {
	return &stream.Instruction{SessionID: sessionID, Op: stream.OpAnswerDelta, Delta: delta}
}

func phaseChange(sessionID string, phase stream.Phase) *stream.Instruction {
	return &stream.Instruction{SessionID: sessionID, Op: stream.OpPhaseChange, Phase: phase}
}

func TestEngine_SessionCreatedLazily(t *testing.T) {
	e := newTestEngine()

	if e.Get("c1") != nil {
		t.Fatal("expected no session before first instruction")
	}

	e.Apply(answerDelta("c1", "hi"))

	s := e.Get("c1")
	if s == nil {
		t.Fatal("expected session after first instruction")
	}
	if s.AnswerBuffer != "hi" {
		t.Errorf("expected buffer %q, got %q", "hi", s.AnswerBuffer)
	}
	if s.Version != 1 {
		t.Errorf("expected version 1, got %d", s.Version)
	}
}

func TestEngine_ApplyGuards(t *testing.T) {
	e := newTestEngine()

	// Neither may panic or create sessions.
	e.Apply(nil)
	e.Apply(&stream.Instruction{Op: stream.OpComplete})

	if got := e.Sessions(); len(got) != 0 {
		t.Errorf("expected no sessions, got %v", got)
	}
}

func TestEngine_SubscribeDeliversCurrentSnapshot(t *testing.T) {
	e := newTestEngine()
	e.Apply(answerDelta("c1", "already here"))

	var got []*stream.SessionState
	unsub := e.Subscribe("c1", func(s *stream.SessionState) {
		got = append(got, s)
	})
	defer unsub()

	if len(got) != 1 {
		t.Fatalf("expected synchronous initial delivery, got %d", len(got))
	}
	if got[0].AnswerBuffer != "already here" {
		t.Errorf("expected current snapshot, got %q", got[0].AnswerBuffer)
	}
}

func TestEngine_SubscribeAbsentSessionDeliversNothing(t *testing.T) {
	e := newTestEngine()

	calls := 0
	unsub := e.Subscribe("ghost", func(*stream.SessionState) { calls++ })
	defer unsub()

	if calls != 0 {
		t.Errorf("expected no initial delivery for absent session, got %d", calls)
	}
}

func TestEngine_EmissionsFollowVersionOrder(t *testing.T) {
	e := newTestEngine()
	e.Apply(answerDelta("c1", "a"))

	var versions []uint64
	unsub := e.Subscribe("c1", func(s *stream.SessionState) {
		versions = append(versions, s.Version)
	})
	defer unsub()

	e.Apply(answerDelta("c1", "b"))
	e.Apply(answerDelta("c1", "c"))

	if len(versions) != 3 {
		t.Fatalf("expected 3 deliveries, got %d", len(versions))
	}
	for i := 1; i < len(versions); i++ {
		if versions[i] <= versions[i-1] {
			t.Fatalf("expected strictly increasing versions, got %v", versions)
		}
	}
}

func TestEngine_NoOpInstructionDoesNotNotify(t *testing.T) {
	e := newTestEngine()
	e.Apply(answerDelta("c1", "a"))

	calls := 0
	unsub := e.Subscribe("c1", func(*stream.SessionState) { calls++ })
	defer unsub()
	before := calls

	e.Apply(&stream.Instruction{
		SessionID:     "c1",
		Op:            stream.OpExecutionSnapshot,
		ExecutionJSON: json.RawMessage("{broken"),
	})

	if calls != before {
		t.Errorf("expected no delivery for reducer no-op, got %d extra", calls-before)
	}
	if e.Get("c1").Version != 1 {
		t.Errorf("expected version unchanged, got %d", e.Get("c1").Version)
	}
}

func TestEngine_Unsubscribe(t *testing.T) {
	e := newTestEngine()
	e.Apply(answerDelta("c1", "a"))

	calls := 0
	unsub := e.Subscribe("c1", func(*stream.SessionState) { calls++ })
	e.Apply(answerDelta("c1", "b"))
	unsub()
	e.Apply(answerDelta("c1", "c"))

	if calls != 2 { // initial snapshot + one emission
		t.Errorf("expected 2 deliveries before unsubscribe, got %d", calls)
	}
}

func TestEngine_UnsubscribeFromInsideCallback(t *testing.T) {
	e := newTestEngine()
	e.Apply(answerDelta("c1", "a"))

	calls := 0
	var unsub func()
	unsub = e.Subscribe("c1", func(*stream.SessionState) {
		calls++
		if calls == 2 {
			unsub()
		}
	})

	e.Apply(answerDelta("c1", "b"))
	e.Apply(answerDelta("c1", "c"))
	e.Apply(answerDelta("c1", "d"))

	if calls != 2 {
		t.Errorf("expected self-unsubscribe after second delivery, got %d", calls)
	}
}

func TestEngine_SubscribeStateOnlyPhaseTransitions(t *testing.T) {
	e := newTestEngine()
	e.Apply(phaseChange("c1", stream.PhaseIdle))

	var phases []stream.Phase
	unsub := e.SubscribeState("c1", func(p stream.Phase) {
		phases = append(phases, p)
	})
	defer unsub()

	if len(phases) != 1 || phases[0] != stream.PhaseIdle {
		t.Fatalf("expected initial phase delivery, got %v", phases)
	}

	e.Apply(phaseChange("c1", stream.PhaseThinking))
	e.Apply(answerDelta("c1", "content does not transition phase"))
	e.Apply(answerDelta("c1", "still not"))
	e.Apply(phaseChange("c1", stream.PhaseResponding))
	e.Apply(&stream.Instruction{SessionID: "c1", Op: stream.OpComplete})

	want := []stream.Phase{stream.PhaseIdle, stream.PhaseThinking, stream.PhaseResponding, stream.PhaseIdle}
	if len(phases) != len(want) {
		t.Fatalf("expected %v, got %v", want, phases)
	}
	for i := range want {
		if phases[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, phases)
		}
	}
}

func TestEngine_PhaseListenersNotifiedBeforeFull(t *testing.T) {
	e := newTestEngine()
	e.Apply(phaseChange("c1", stream.PhaseIdle))

	var order []string
	unsubFull := e.Subscribe("c1", func(*stream.SessionState) {
		order = append(order, "full")
	})
	defer unsubFull()
	unsubPhase := e.SubscribeState("c1", func(stream.Phase) {
		order = append(order, "phase")
	})
	defer unsubPhase()
	order = order[:0] // drop the initial deliveries

	e.Apply(phaseChange("c1", stream.PhaseThinking))

	if len(order) != 2 || order[0] != "phase" || order[1] != "full" {
		t.Errorf("expected phase listener first, got %v", order)
	}
}

func TestEngine_PanickingListenerDoesNotBlockOthers(t *testing.T) {
	e := newTestEngine()
	e.Apply(answerDelta("c1", "a"))

	unsub1 := e.Subscribe("c1", func(s *stream.SessionState) {
		if s.Version > 1 {
			panic("listener bug")
		}
	})
	defer unsub1()

	calls := 0
	unsub2 := e.Subscribe("c1", func(*stream.SessionState) { calls++ })
	defer unsub2()
	before := calls

	e.Apply(answerDelta("c1", "b"))

	if calls != before+1 {
		t.Errorf("expected delivery despite sibling panic, got %d extra", calls-before)
	}
}

func TestEngine_Reset(t *testing.T) {
	e := newTestEngine()
	e.Apply(answerDelta("c1", "a"))
	e.Apply(answerDelta("c2", "b"))

	e.Reset("c1")

	if e.Get("c1") != nil {
		t.Error("expected session removed")
	}
	if e.Get("c2") == nil {
		t.Error("expected unrelated session kept")
	}

	// Resetting an absent session is harmless.
	e.Reset("never-existed")
}

func TestEngine_SubscriptionSurvivesReset(t *testing.T) {
	e := newTestEngine()
	e.Apply(answerDelta("c1", "first life"))

	var last *stream.SessionState
	unsub := e.Subscribe("c1", func(s *stream.SessionState) { last = s })
	defer unsub()

	e.Reset("c1")
	e.Apply(answerDelta("c1", "second life"))

	if last == nil || last.AnswerBuffer != "second life" {
		t.Fatalf("expected delivery for recreated session, got %+v", last)
	}
}

func TestEngine_Reconcile(t *testing.T) {
	e := newTestEngine()
	e.Apply(phaseChange("c1", stream.PhaseResponding))
	e.Apply(answerDelta("c1", "Hello"))
	e.Apply(&stream.Instruction{SessionID: "c1", Op: stream.OpComplete})

	calls := 0
	unsub := e.Subscribe("c1", func(*stream.SessionState) { calls++ })
	defer unsub()
	before := calls

	e.Reconcile("c1", "m1", "Hello", "")
	if s := e.Get("c1"); s.AnswerBuffer != "" {
		t.Errorf("expected buffer absorbed, got %q", s.AnswerBuffer)
	}
	if calls != before+1 {
		t.Errorf("expected one emission, got %d extra", calls-before)
	}

	// Same authoritative content again: idempotent, no emission.
	e.Reconcile("c1", "m1", "Hello", "")
	if calls != before+1 {
		t.Errorf("expected repeated reconcile silent, got %d extra", calls-before)
	}

	// Unknown sessions are ignored.
	e.Reconcile("ghost", "m1", "x", "")
}

func TestEngine_ReconcileLeavesBufferAheadOfStorage(t *testing.T) {
	e := newTestEngine()
	e.Apply(answerDelta("c1", "Hello, world"))

	e.Reconcile("c1", "m1", "Hello", "")
	if s := e.Get("c1"); s.AnswerBuffer != "Hello, world" {
		t.Errorf("expected buffer kept while ahead of storage, got %q", s.AnswerBuffer)
	}
}

func TestEngine_RegisterForkDisablesBoth(t *testing.T) {
	e := newTestEngine()
	e.Apply(answerDelta("c1", "parent history"))

	e.RegisterFork("v2", "c1")

	parent := e.Get("c1")
	child := e.Get("v2")
	if child == nil {
		t.Fatal("expected child session created by registration")
	}
	if !parent.SendDisabled || !child.SendDisabled {
		t.Errorf("expected both ends disabled, parent=%v child=%v",
			parent.SendDisabled, child.SendDisabled)
	}
}

func TestEngine_ForkChildProgressReenablesParent(t *testing.T) {
	e := newTestEngine()
	e.RegisterFork("v2", "c1")

	e.Apply(phaseChange("v2", stream.PhaseThinking))

	if e.Get("c1").SendDisabled {
		t.Error("expected parent re-enabled on child's first phase change")
	}
	if !e.Get("v2").SendDisabled {
		t.Error("expected child still disabled until terminal")
	}

	// Redundant progress signals stay idempotent.
	version := e.Get("c1").Version
	e.Apply(answerDelta("v2", "fork output"))
	if e.Get("c1").Version != version {
		t.Errorf("expected no parent churn on repeated progress, version %d -> %d",
			version, e.Get("c1").Version)
	}
}

func TestEngine_ForkContentAloneReenablesParent(t *testing.T) {
	e := newTestEngine()
	e.RegisterFork("v2", "c1")

	// No phase change arrived; content alone proves progress.
	e.Apply(answerDelta("v2", "early delta"))

	if e.Get("c1").SendDisabled {
		t.Error("expected parent re-enabled on child content")
	}
}

func TestEngine_ForkTerminalReleasesBridge(t *testing.T) {
	e := newTestEngine()
	e.RegisterFork("v2", "c1")
	e.Apply(phaseChange("v2", stream.PhaseThinking))

	e.Apply(&stream.Instruction{SessionID: "v2", Op: stream.OpComplete})

	if e.Get("c1").SendDisabled || e.Get("v2").SendDisabled {
		t.Error("expected both ends re-enabled on child completion")
	}

	// The bridge is gone: later child activity leaves the parent alone.
	e.RegisterFork("v3", "c1")
	if !e.Get("c1").SendDisabled {
		t.Fatal("expected parent disabled by new bridge")
	}
	e.Apply(answerDelta("v2", "stale fork noise"))
	if !e.Get("c1").SendDisabled {
		t.Error("expected released bridge to stop propagating")
	}
}

func TestEngine_ForkErrorReleasesBridge(t *testing.T) {
	e := newTestEngine()
	e.RegisterFork("v2", "c1")

	e.Apply(&stream.Instruction{SessionID: "v2", Op: stream.OpError, ErrorMessage: "fork failed"})

	if e.Get("c1").SendDisabled || e.Get("v2").SendDisabled {
		t.Error("expected both ends re-enabled on child error")
	}
}

func TestEngine_ForkReregisterReplacesBridge(t *testing.T) {
	e := newTestEngine()
	e.RegisterFork("v2", "c1")

	e.RegisterFork("v2", "c9")

	if e.Get("c1").SendDisabled {
		t.Error("expected previous parent released on replacement")
	}
	if !e.Get("c9").SendDisabled || !e.Get("v2").SendDisabled {
		t.Error("expected new bridge ends disabled")
	}

	e.Apply(phaseChange("v2", stream.PhaseThinking))
	if e.Get("c9").SendDisabled {
		t.Error("expected new parent re-enabled by child progress")
	}
}

func TestEngine_ForkRegistrationGuards(t *testing.T) {
	e := newTestEngine()

	e.RegisterFork("", "c1")
	e.RegisterFork("v2", "")
	e.RegisterFork("c1", "c1")

	if got := e.Sessions(); len(got) != 0 {
		t.Errorf("expected rejected registrations to create nothing, got %v", got)
	}
}

func TestEngine_ResetChildReleasesBridge(t *testing.T) {
	e := newTestEngine()
	e.RegisterFork("v2", "c1")

	e.Reset("v2")

	if e.Get("c1").SendDisabled {
		t.Error("expected parent re-enabled when child reset")
	}
	if e.Get("v2") != nil {
		t.Error("expected child removed")
	}
}

func TestEngine_ResetParentReleasesBridge(t *testing.T) {
	e := newTestEngine()
	e.RegisterFork("v2", "c1")

	e.Reset("c1")

	if e.Get("v2").SendDisabled {
		t.Error("expected child re-enabled when parent reset")
	}

	// The dangling mapping is gone: child terminal must not warn about
	// a missing parent or re-create it.
	e.Apply(&stream.Instruction{SessionID: "v2", Op: stream.OpComplete})
	if e.Get("c1") != nil {
		t.Error("expected parent to stay removed")
	}
}

func TestEngine_BeginLocalStream(t *testing.T) {
	e := newTestEngine()
	e.Apply(answerDelta("c1", "stale"))
	e.Apply(&stream.Instruction{SessionID: "c1", Op: stream.OpComplete})

	e.BeginLocalStream("c1")

	s := e.Get("c1")
	if s.Phase != stream.PhaseThinking {
		t.Errorf("expected thinking, got %v", s.Phase)
	}
	if s.AnswerBuffer != "" {
		t.Errorf("expected fresh-stream clear, got %q", s.AnswerBuffer)
	}
}

func TestEngine_RevertLocalStream(t *testing.T) {
	e := newTestEngine()
	e.BeginLocalStream("c1")
	e.Apply(answerDelta("c1", "optimistic echo"))

	e.RevertLocalStream("c1")

	s := e.Get("c1")
	if s.Phase != stream.PhaseIdle {
		t.Errorf("expected idle after revert, got %v", s.Phase)
	}
	if s.AnswerBuffer != "optimistic echo" {
		t.Errorf("expected buffers untouched by revert, got %q", s.AnswerBuffer)
	}
}

func TestEngine_Sessions(t *testing.T) {
	e := newTestEngine()
	if got := e.Sessions(); len(got) != 0 {
		t.Fatalf("expected empty store, got %v", got)
	}

	for _, id := range []string{"zeta", "alpha", "mid"} {
		e.Apply(answerDelta(id, "x"))
	}

	got := e.Sessions()
	want := []string{"alpha", "mid", "zeta"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected sorted ids %v, got %v", want, got)
		}
	}
}

func TestEngine_WithRetentionOption(t *testing.T) {
	e := newTestEngine(WithRetention(stream.RetentionPolicy{MaxSegments: 2, MinIterations: 0}))

	for iter := 1; iter <= 3; iter++ {
		e.Apply(&stream.Instruction{
			SessionID: "c1", Op: stream.OpSegmentUpdate,
			Segment: &stream.SegmentUpdate{
				Iteration: iter, Kind: stream.SegmentAnswer, Action: stream.SegmentActionStart,
			},
		})
		e.Apply(&stream.Instruction{
			SessionID: "c1", Op: stream.OpSegmentUpdate,
			Segment: &stream.SegmentUpdate{
				Iteration: iter, Kind: stream.SegmentAnswer, Action: stream.SegmentActionComplete,
			},
		})
	}

	if got := len(e.Get("c1").Segments); got > 2 {
		t.Errorf("expected custom cap honored, got %d segments", got)
	}
}

func TestEngine_ConcurrentAppliesAndReads(t *testing.T) {
	e := newTestEngine()

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		id := fmt.Sprintf("c%d", i)
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				e.Apply(answerDelta(id, "x"))
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				e.Get(id)
				e.Sessions()
			}
		}()
	}
	wg.Wait()

	for i := 0; i < 4; i++ {
		id := fmt.Sprintf("c%d", i)
		s := e.Get(id)
		if s == nil || len(s.AnswerBuffer) != 50 {
			t.Fatalf("session %s: expected 50 appended bytes, got %+v", id, s)
		}
		if s.Version != 50 {
			t.Errorf("session %s: expected version 50, got %d", id, s.Version)
		}
	}
}
