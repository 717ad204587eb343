// Package service defines the polymorphic service-engine capability set
// (spec §9 Design Notes: "a tagged variant of services plus a fixed
// dispatch table per service") and a process-wide Registry the SYNC Engine
// and Service Dispatcher consult.
//
// Generalized from the teacher's plugin-registration pattern
// (contrib.RegisterScorer / name-keyed map / init()-time registration),
// with "pluggable anomaly scorer" replaced by "pluggable service engine".
package service

import (
	"fmt"
	"sort"
	"sync"

	"github.com/clusterkit/qcored/internal/wire"
)

// ConfChgEvent is delivered to a service's ConfChg hook when CPG-style
// group membership changes; only the CPG engine currently populates one,
// but the hook is part of every engine's capability set per the Design
// Notes' "confchg" field.
type ConfChgEvent struct {
	GroupName string
	Joined    []uint64
	Left      []uint64
}

// ExecHandler processes one decoded, endian-normalized frame belonging to
// this service.
type ExecHandler func(sender wire.NodeID, frame wire.Frame) error

// Engine is the capability set every service (SYNC collaborator) exposes:
// identity, priority, exec dispatch, and the three-phase SYNC contract.
//
// sync_init/sync_process/sync_activate/sync_abort mirror spec §4.2 exactly;
// LibInit/LibExit stand in for the out-of-scope local IPC library's
// per-connection lifecycle hooks (the core still needs *a* place to
// initialize per-process state, even without a real IPC surface).
type Engine interface {
	ID() wire.ServiceID
	Name() string
	// Priority breaks ties when two engines would otherwise sort equally;
	// lower runs first. SYNC's own ordering is purely by ID (spec §4.2),
	// so this is consulted only by engines that compose over Engine.
	Priority() int

	LibInit() error
	LibExit() error

	// ExecHandlers returns this engine's (function_id -> handler) table.
	ExecHandlers() map[wire.FunctionID]ExecHandler

	SyncInit(transList, memberList []wire.NodeID, ringID wire.RingID) error
	// SyncProcess returns false while more work remains to transmit (the
	// scheduled-work queue reschedules it), true once done.
	SyncProcess() (done bool, err error)
	SyncActivate() error
	SyncAbort()

	ConfChg(ConfChgEvent)
}

// Registry holds every registered Engine, keyed by ServiceID, and answers
// the SYNC Engine's and Service Dispatcher's lookups.
type Registry struct {
	mu       sync.RWMutex
	byID     map[wire.ServiceID]Engine
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{byID: make(map[wire.ServiceID]Engine)}
}

// Register adds an engine. Registering the same ServiceID twice is an
// error — the process-wide registry is populated once at startup.
func (r *Registry) Register(e Engine) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byID[e.ID()]; exists {
		return fmt.Errorf("service: id %d (%s) already registered", e.ID(), e.Name())
	}
	r.byID[e.ID()] = e
	return nil
}

// Lookup returns the engine registered for id, if any.
func (r *Registry) Lookup(id wire.ServiceID) (Engine, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byID[id]
	return e, ok
}

// IDs returns every registered service id, ascending — the order SYNC's
// SERVICELIST_BUILD phase processes services in (spec §4.2).
func (r *Registry) IDs() []wire.ServiceID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]wire.ServiceID, 0, len(r.byID))
	for id := range r.byID {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Dispatch routes a decoded frame to its service's exec handler by
// (service_id, function_id). It passes the frame on as received and does
// not convert byte order; each exec handler checks Header.NeedsConvert
// itself. Unknown service/function ids and malformed frames are logged
// and dropped by the caller, never escalated to an error that could crash
// the receiver (spec §7).
func (r *Registry) Dispatch(sender wire.NodeID, frame wire.Frame) error {
	e, ok := r.Lookup(frame.Header.ServiceID)
	if !ok {
		return fmt.Errorf("service: unknown service id %d", frame.Header.ServiceID)
	}
	h, ok := e.ExecHandlers()[frame.Header.FunctionID]
	if !ok {
		return fmt.Errorf("service: %s: unknown function id %d", e.Name(), frame.Header.FunctionID)
	}
	return h(sender, frame)
}
