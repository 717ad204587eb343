// Package sync implements the SYNC Engine (spec §4.2): the barrier
// protocol that brings every surviving ring member to identical
// replicated state for each service engine before normal operation
// resumes.
//
// The three-phase state machine (SERVICELIST_BUILD → PROCESS → BARRIER)
// runs on internal/fsm.Machine; service processing itself is driven
// through internal/timer's scheduled-work queue, matching the
// "cooperative single-thread, no ad hoc goroutines" concurrency model
// (spec §5).
package sync

import (
	"encoding/binary"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/clusterkit/qcored/internal/fsm"
	"github.com/clusterkit/qcored/internal/quorum"
	"github.com/clusterkit/qcored/internal/service"
	"github.com/clusterkit/qcored/internal/timer"
	"github.com/clusterkit/qcored/internal/totem"
	"github.com/clusterkit/qcored/internal/wire"
)

// GroupName is the dedicated totem group SYNC traffic travels on.
const GroupName = "sync"

type state int

const (
	StateServiceListBuild state = iota
	StateProcess
	StateBarrier
)

func (s state) String() string {
	switch s {
	case StateServiceListBuild:
		return "SERVICELIST_BUILD"
	case StateProcess:
		return "PROCESS"
	case StateBarrier:
		return "BARRIER"
	default:
		return "UNKNOWN"
	}
}

type event int

const (
	evBuildComplete event = iota
	evProcessDone
	evAdvance
	evFinish
)

func newTable() fsm.Table[state, event] {
	return fsm.Table[state, event]{
		{From: StateServiceListBuild, On: evBuildComplete}: StateProcess,
		{From: StateProcess, On: evProcessDone}:            StateBarrier,
		{From: StateBarrier, On: evAdvance}:                StateProcess,
		{From: StateBarrier, On: evFinish}:                 StateServiceListBuild,
	}
}

// Engine is one node's SYNC coordinator.
type Engine struct {
	mu sync.Mutex

	adapter  totem.Adapter
	registry *service.Registry
	timers   *timer.Core
	facade   *quorum.Facade
	logger   *zap.Logger

	myNodeID wire.NodeID
	ringID   wire.RingID

	memberList  []wire.NodeID
	transList   []wire.NodeID
	pendingTran []wire.NodeID

	serviceList   []wire.ServiceID
	buildReceived map[wire.NodeID]bool

	serviceIdx      int
	barrierReceived map[wire.NodeID]bool

	machine *fsm.Machine[state, event]
}

// New creates a SYNC Engine bound to adapter and registry, and joins the
// dedicated sync group.
func New(adapter totem.Adapter, registry *service.Registry, timers *timer.Core, facade *quorum.Facade, logger *zap.Logger) (*Engine, error) {
	e := &Engine{
		adapter:  adapter,
		registry: registry,
		timers:   timers,
		facade:   facade,
		logger:   logger,
		myNodeID: adapter.MyNodeID(),
		machine:  fsm.New(newTable(), StateServiceListBuild),
	}
	if err := adapter.GroupsInitialize(GroupName, e.onReceive); err != nil {
		return nil, fmt.Errorf("sync: initialize group: %w", err)
	}
	if err := adapter.GroupsJoin(GroupName); err != nil {
		return nil, fmt.Errorf("sync: join group: %w", err)
	}
	return e, nil
}

// Current reports the engine's current phase, for tests and metrics.
func (e *Engine) Current() state {
	return e.machine.Current()
}

// SaveTransitional captures, ahead of the next Start call, which nodes
// survive both sides of the pending view change.
func (e *Engine) SaveTransitional(memberList []wire.NodeID, ringID wire.RingID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pendingTran = append([]wire.NodeID(nil), memberList...)
}

// Start begins a new SYNC run for a fresh ring, invoked on a totem view
// change.
func (e *Engine) Start(memberList []wire.NodeID, ringID wire.RingID) error {
	e.mu.Lock()
	e.ringID = ringID
	e.memberList = append([]wire.NodeID(nil), memberList...)
	e.transList = intersect(e.pendingTran, memberList)
	e.serviceList = append([]wire.ServiceID(nil), e.registry.IDs()...)
	e.serviceIdx = 0
	e.buildReceived = map[wire.NodeID]bool{e.myNodeID: true}
	e.barrierReceived = nil
	e.machine.Force(StateServiceListBuild)
	localList := append([]wire.ServiceID(nil), e.serviceList...)
	e.mu.Unlock()

	if err := e.multicastServiceBuild(ringID, localList); err != nil {
		return err
	}
	return e.maybeAdvanceBuild()
}

// Abort discards an in-progress SYNC run on an interrupted ring change.
// The currently-processing service (if any) is told to abandon its
// partial work via SyncAbort.
func (e *Engine) Abort() {
	e.mu.Lock()
	wasProcessing := e.machine.Current() != StateServiceListBuild
	var current wire.ServiceID
	if wasProcessing && e.serviceIdx < len(e.serviceList) {
		current = e.serviceList[e.serviceIdx]
	}
	e.machine.Force(StateServiceListBuild)
	e.mu.Unlock()

	if wasProcessing {
		if eng, ok := e.registry.Lookup(current); ok {
			eng.SyncAbort()
		}
	}
}

// MembDetermine is the optional pre-phase a node uses before it has seen
// its first stable ring.
func (e *Engine) MembDetermine(ringID wire.RingID) error {
	body := wire.MembDetermine{RingID: ringID}.Encode()
	header := wire.Header{ServiceID: wire.ServiceSync, FunctionID: wire.FuncMembDetermine, Size: uint32(len(body)), Order: wire.HostOrderTag}
	return e.adapter.Mcast([][]byte{header.Encode(), body}, totem.GuaranteeAgreed)
}

func (e *Engine) multicastServiceBuild(ringID wire.RingID, list []wire.ServiceID) error {
	body := wire.ServiceBuild{RingID: ringID, ServiceList: list}.Encode()
	header := wire.Header{ServiceID: wire.ServiceSync, FunctionID: wire.FuncServiceBuild, Size: uint32(len(body)), Order: wire.HostOrderTag}
	return e.adapter.Mcast([][]byte{header.Encode(), body}, totem.GuaranteeAgreed)
}

func (e *Engine) multicastBarrier(ringID wire.RingID) error {
	body := wire.Barrier{RingID: ringID}.Encode()
	header := wire.Header{ServiceID: wire.ServiceSync, FunctionID: wire.FuncBarrier, Size: uint32(len(body)), Order: wire.HostOrderTag}
	return e.adapter.Mcast([][]byte{header.Encode(), body}, totem.GuaranteeAgreed)
}

func (e *Engine) onReceive(sender wire.NodeID, data []byte, order wire.OrderTag) {
	if len(data) < wire.HeaderSize {
		return
	}
	header, err := wire.DecodeHeader(data[:wire.HeaderSize])
	if err != nil || header.ServiceID != wire.ServiceSync {
		return
	}
	body := data[wire.HeaderSize:]
	byteOrder := orderToBinary(header.Order)

	switch header.FunctionID {
	case wire.FuncServiceBuild:
		msg, err := wire.DecodeServiceBuild(body, byteOrder)
		if err != nil {
			e.logger.Warn("sync: malformed SERVICE_BUILD", zap.Uint32("sender", uint32(sender)), zap.Error(err))
			return
		}
		if header.NeedsConvert() {
			msg.ConvertEndian()
		}
		e.handleServiceBuild(sender, msg)
	case wire.FuncBarrier:
		msg, err := wire.DecodeBarrier(body, byteOrder)
		if err != nil {
			e.logger.Warn("sync: malformed BARRIER", zap.Uint32("sender", uint32(sender)), zap.Error(err))
			return
		}
		if header.NeedsConvert() {
			msg.ConvertEndian()
		}
		e.handleBarrier(sender, msg)
	case wire.FuncMembDetermine:
		// Informational only; no local state machine reacts to it.
	}
}

func (e *Engine) handleServiceBuild(sender wire.NodeID, msg wire.ServiceBuild) {
	e.mu.Lock()
	if !msg.RingID.Equal(e.ringID) {
		e.mu.Unlock()
		return
	}
	if e.machine.Current() != StateServiceListBuild {
		e.mu.Unlock()
		return
	}
	changed := false
	have := make(map[wire.ServiceID]bool, len(e.serviceList))
	for _, id := range e.serviceList {
		have[id] = true
	}
	for _, id := range msg.ServiceList {
		if !have[id] {
			e.serviceList = append(e.serviceList, id)
			have[id] = true
			changed = true
		}
	}
	if changed {
		sort.Slice(e.serviceList, func(i, j int) bool { return e.serviceList[i] < e.serviceList[j] })
	}
	if e.buildReceived == nil {
		e.buildReceived = make(map[wire.NodeID]bool)
	}
	e.buildReceived[sender] = true
	e.mu.Unlock()

	e.maybeAdvanceBuild()
}

func (e *Engine) maybeAdvanceBuild() error {
	e.mu.Lock()
	if e.machine.Current() != StateServiceListBuild {
		e.mu.Unlock()
		return nil
	}
	if !everyMemberSeen(e.buildReceived, e.memberList) {
		e.mu.Unlock()
		return nil
	}
	if _, err := e.machine.Fire(evBuildComplete); err != nil {
		e.mu.Unlock()
		e.fatal(quorum.FatalFSMViolation, err.Error())
		return err
	}
	e.mu.Unlock()
	return e.beginService(0)
}

func (e *Engine) beginService(idx int) error {
	e.mu.Lock()
	if idx >= len(e.serviceList) {
		// No services registered, or all have run: sync completes
		// immediately without ever entering BARRIER.
		e.machine.Force(StateServiceListBuild)
		e.mu.Unlock()
		return nil
	}
	svcID := e.serviceList[idx]
	e.serviceIdx = idx
	trans := filterMembers(e.transList, e.memberList)
	members := append([]wire.NodeID(nil), e.memberList...)
	ringID := e.ringID
	e.mu.Unlock()

	eng, ok := e.registry.Lookup(svcID)
	if !ok {
		e.logger.Warn("sync: service id in build list has no registered engine", zap.Uint16("service_id", uint16(svcID)))
		return e.beginService(idx + 1)
	}
	if err := eng.SyncInit(trans, members, ringID); err != nil {
		return fmt.Errorf("sync: service %d sync_init: %w", svcID, err)
	}

	e.timers.SchedwrkCreate(func(ctx any) int {
		done, err := eng.SyncProcess()
		if err != nil {
			e.logger.Error("sync: sync_process failed", zap.Uint16("service_id", uint16(svcID)), zap.Error(err))
			return 0
		}
		if !done {
			return 1
		}
		e.onProcessDone(idx, ringID)
		return 0
	}, nil)
	return nil
}

func (e *Engine) onProcessDone(idx int, ringID wire.RingID) {
	e.mu.Lock()
	if _, err := e.machine.Fire(evProcessDone); err != nil {
		e.mu.Unlock()
		e.fatal(quorum.FatalFSMViolation, err.Error())
		return
	}
	e.barrierReceived = map[wire.NodeID]bool{e.myNodeID: true}
	e.mu.Unlock()

	if err := e.multicastBarrier(ringID); err != nil {
		e.logger.Error("sync: multicast barrier failed", zap.Error(err))
		return
	}
	e.maybeAdvanceBarrier()
}

func (e *Engine) handleBarrier(sender wire.NodeID, msg wire.Barrier) {
	e.mu.Lock()
	if !msg.RingID.Equal(e.ringID) {
		e.mu.Unlock()
		return
	}
	if e.machine.Current() != StateBarrier {
		e.mu.Unlock()
		return
	}
	if e.barrierReceived == nil {
		e.barrierReceived = make(map[wire.NodeID]bool)
	}
	e.barrierReceived[sender] = true
	e.mu.Unlock()

	e.maybeAdvanceBarrier()
}

func (e *Engine) maybeAdvanceBarrier() {
	e.mu.Lock()
	if e.machine.Current() != StateBarrier || !everyMemberSeen(e.barrierReceived, e.memberList) {
		e.mu.Unlock()
		return
	}
	idx := e.serviceIdx
	svcID := e.serviceList[idx]
	nextIdx := idx + 1
	finished := nextIdx >= len(e.serviceList)
	var fireErr error
	if finished {
		_, fireErr = e.machine.Fire(evFinish)
	} else {
		_, fireErr = e.machine.Fire(evAdvance)
	}
	e.mu.Unlock()

	if fireErr != nil {
		e.fatal(quorum.FatalFSMViolation, fireErr.Error())
		return
	}

	if eng, ok := e.registry.Lookup(svcID); ok {
		if err := eng.SyncActivate(); err != nil {
			e.logger.Error("sync: sync_activate failed", zap.Uint16("service_id", uint16(svcID)), zap.Error(err))
		}
	}
	if !finished {
		e.beginService(nextIdx)
	}
}

func (e *Engine) fatal(kind quorum.FatalKind, msg string) {
	if e.facade == nil {
		return
	}
	e.facade.OnFatal(kind, fmt.Sprintf("%d", e.myNodeID), msg)
}

func everyMemberSeen(seen map[wire.NodeID]bool, members []wire.NodeID) bool {
	if len(members) == 0 {
		return true
	}
	for _, m := range members {
		if !seen[m] {
			return false
		}
	}
	return true
}

func intersect(a, b []wire.NodeID) []wire.NodeID {
	bs := make(map[wire.NodeID]bool, len(b))
	for _, id := range b {
		bs[id] = true
	}
	var out []wire.NodeID
	for _, id := range a {
		if bs[id] {
			out = append(out, id)
		}
	}
	return out
}

func filterMembers(list, allowed []wire.NodeID) []wire.NodeID {
	allow := make(map[wire.NodeID]bool, len(allowed))
	for _, id := range allowed {
		allow[id] = true
	}
	var out []wire.NodeID
	for _, id := range list {
		if allow[id] {
			out = append(out, id)
		}
	}
	return out
}

func orderToBinary(t wire.OrderTag) binary.ByteOrder {
	if t == wire.OrderBigEndian {
		return binary.BigEndian
	}
	return binary.LittleEndian
}
