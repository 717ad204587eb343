package quorum

import (
	"testing"

	"go.uber.org/zap"
)

func TestFacade_IsQuorate_DefaultTrue(t *testing.T) {
	f := New(zap.NewNop())
	if !f.IsQuorate() {
		t.Error("expected default is_quorate true with no provider installed")
	}
}

type stubProvider struct{ quorate bool }

func (s *stubProvider) IsQuorate() bool { return s.quorate }

func TestFacade_Initialize_UsesProvider(t *testing.T) {
	f := New(zap.NewNop())
	p := &stubProvider{quorate: false}
	f.Initialize(p)
	if f.IsQuorate() {
		t.Error("expected is_quorate false once a non-quorate provider is installed")
	}
	p.quorate = true
	if !f.IsQuorate() {
		t.Error("expected is_quorate to reflect provider's live value")
	}
}

func TestFacade_RegisterCallback_IdempotentAndNotifies(t *testing.T) {
	f := New(zap.NewNop())
	var calls int
	ctx := "watcher-1"
	cb := func(quorate bool, c any) { calls++ }

	f.RegisterCallback(cb, ctx)
	f.RegisterCallback(cb, ctx) // duplicate registration must be a no-op

	f.NotifyQuorateChange(true)
	if calls != 1 {
		t.Errorf("expected exactly 1 callback invocation, got %d", calls)
	}
}

func TestFacade_UnregisterCallback_FailSilentOnDuplicate(t *testing.T) {
	f := New(zap.NewNop())
	ctx := "watcher-2"
	f.RegisterCallback(func(bool, any) {}, ctx)
	f.UnregisterCallback(ctx)
	f.UnregisterCallback(ctx) // second unregister must not panic or error
}

func TestFacade_OnFatal_ChainsHashesAndInterceptsHandler(t *testing.T) {
	f := New(zap.NewNop())
	var captured []FatalEvent
	f.OnFatalHandler(func(ev FatalEvent) {
		captured = append(captured, ev)
	})

	f.OnFatal(FatalFSMViolation, "node-1", "no transition for event LEAVE in state JOINED")
	f.OnFatal(FatalNoDownlistMaster, "node-1", "sync activation completed with no downlist master")

	if len(captured) != 2 {
		t.Fatalf("expected 2 fatal events captured, got %d", len(captured))
	}
	if captured[1].ParentHash != captured[0].EventHash {
		t.Error("expected second fatal event's parent hash to chain to the first's event hash")
	}
	if captured[0].ParentHash != "" {
		t.Error("expected the first fatal event to have an empty parent hash")
	}

	history := f.FatalHistory()
	if len(history) != 2 {
		t.Fatalf("expected FatalHistory to report 2 events, got %d", len(history))
	}
}
