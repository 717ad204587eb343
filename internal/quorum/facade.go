// Package quorum implements the Quorum Façade (spec §4.5): a singleton
// indirection in front of whichever engine (VOTEQUORUM, or none) decides
// quorate-ness, plus the process-wide fatal-exit hook (spec §7) FSM
// violations and downlist-master assertions route through.
//
// The fatal-exit path is grounded on internal/governance/constitutional.go's
// violation dispatch: a typed violation, a monotonically chained hash over
// every fatal event for post-mortem audit, and a single dispatch point
// callers (and tests) can intercept instead of the process calling
// os.Exit directly. The axiom vocabulary is replaced with this spec's own
// (ring-id monotonicity, FSM-transition, downlist-uniqueness).
package quorum

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Provider is installed by initialize to answer IsQuorate. VOTEQUORUM
// implements this; tests may install a stub.
type Provider interface {
	IsQuorate() bool
}

// CallbackFunc is invoked on every quorate-ness transition with the new
// value and the ctx it was registered with.
type CallbackFunc func(quorate bool, ctx any)

type callbackEntry struct {
	fn  CallbackFunc
	ctx any
}

// FatalKind names the category of a fatal-exit event.
type FatalKind string

const (
	// FatalRingIDRegression names a ring id observed to move backwards or
	// repeat for the same representative. No code path raises it.
	FatalRingIDRegression FatalKind = "ring_id_regression"
	// FatalFSMViolation fires when a state machine is asked to fire an
	// event with no transition defined — an invariant the caller should
	// have prevented, not a recoverable input error.
	FatalFSMViolation FatalKind = "fsm_transition_violation"
	// FatalNoDownlistMaster fires when CPG's SYNC activation completes
	// without any node having been chosen as downlist master.
	FatalNoDownlistMaster FatalKind = "no_downlist_master"
	// FatalMemoryExhaustion corresponds to spec §7's
	// error_memory_failure() hook. No code path raises it.
	FatalMemoryExhaustion FatalKind = "memory_exhaustion"
)

// FatalEvent records one fatal-exit occurrence.
type FatalEvent struct {
	Kind       FatalKind
	Message    string
	NodeID     string
	EventHash  string // sha256 over (kind, message, node, parent hash)
	ParentHash string
}

// FatalHandler is invoked on every fatal-exit event, in place of the
// process terminating directly, so tests can intercept it. The default
// handler (set by New) logs at Fatal level, which does terminate the
// process via zap's os.Exit(1); tests install their own handler first.
type FatalHandler func(FatalEvent)

// Facade is the process-wide quorum indirection singleton.
type Facade struct {
	mu       sync.Mutex
	provider Provider
	callbacks []callbackEntry

	logger      *zap.Logger
	fatalMu     sync.Mutex
	fatalChain  string
	fatalEvents []FatalEvent
	onFatal     FatalHandler
}

// New creates a Facade with no provider installed (is_quorate defaults to
// true) and the default logging fatal handler.
func New(logger *zap.Logger) *Facade {
	f := &Facade{logger: logger}
	f.onFatal = func(ev FatalEvent) {
		logger.Fatal("fatal exit",
			zap.String("kind", string(ev.Kind)),
			zap.String("message", ev.Message),
			zap.String("node_id", ev.NodeID),
			zap.String("hash", ev.EventHash),
		)
	}
	return f
}

// Initialize installs provider as the quorate-ness source of truth.
// Passing nil reverts to the no-provider default (always quorate).
func (f *Facade) Initialize(provider Provider) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.provider = provider
}

// IsQuorate reports whether the cluster is currently quorate. With no
// provider installed, it is always true (spec: "no quorum configured").
func (f *Facade) IsQuorate() bool {
	f.mu.Lock()
	p := f.provider
	f.mu.Unlock()
	if p == nil {
		return true
	}
	return p.IsQuorate()
}

// RegisterCallback adds fn to the set notified on every quorate-ness
// transition. Registrations are keyed by ctx alone (func values are not
// comparable in Go): callers are expected to pass a distinct ctx per
// logical registration, and registering a ctx that is already present is
// a no-op, even with a different fn.
func (f *Facade) RegisterCallback(fn CallbackFunc, ctx any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range f.callbacks {
		if e.ctx == ctx {
			return
		}
	}
	f.callbacks = append(f.callbacks, callbackEntry{fn: fn, ctx: ctx})
}

// UnregisterCallback removes the callback registered with ctx. Removing
// an unregistered ctx is a fail-silent no-op.
func (f *Facade) UnregisterCallback(ctx any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, e := range f.callbacks {
		if e.ctx == ctx {
			f.callbacks = append(f.callbacks[:i], f.callbacks[i+1:]...)
			return
		}
	}
}

// NotifyQuorateChange is called by the installed provider (or a test)
// whenever quorate-ness changes, fanning the new value out to every
// registered callback.
func (f *Facade) NotifyQuorateChange(quorate bool) {
	f.mu.Lock()
	entries := make([]callbackEntry, len(f.callbacks))
	copy(entries, f.callbacks)
	f.mu.Unlock()
	for _, e := range entries {
		e.fn(quorate, e.ctx)
	}
}

// OnFatalHandler overrides the action taken on a fatal-exit event,
// replacing the default (log at Fatal and terminate). Tests call this to
// intercept fatal paths instead of exiting the test process.
func (f *Facade) OnFatalHandler(h FatalHandler) {
	f.fatalMu.Lock()
	defer f.fatalMu.Unlock()
	f.onFatal = h
}

// OnFatal routes a fatal-exit condition through the façade: FSM-violation
// paths (internal/fsm.ErrNoTransition) and downlist-master assertions
// both call this instead of calling os.Exit or panicking directly.
func (f *Facade) OnFatal(kind FatalKind, nodeID, message string) {
	f.fatalMu.Lock()
	ev := FatalEvent{
		Kind:       kind,
		Message:    message,
		NodeID:     nodeID,
		ParentHash: f.fatalChain,
	}
	ev.EventHash = chainHash(ev)
	f.fatalChain = ev.EventHash
	f.fatalEvents = append(f.fatalEvents, ev)
	handler := f.onFatal
	f.fatalMu.Unlock()

	handler(ev)
}

// FatalHistory returns every fatal event recorded so far, oldest first.
func (f *Facade) FatalHistory() []FatalEvent {
	f.fatalMu.Lock()
	defer f.fatalMu.Unlock()
	out := make([]FatalEvent, len(f.fatalEvents))
	copy(out, f.fatalEvents)
	return out
}

func chainHash(ev FatalEvent) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|%s", ev.Kind, ev.Message, ev.NodeID, ev.ParentHash)
	return hex.EncodeToString(h.Sum(nil))
}
