// Package cpg implements the CPG (Closed Process Group) Engine (spec
// §4.4): replicated named process-group membership with confchg/deliver
// callbacks, fragmented multicast, and the downlist/joinlist SYNC-round
// reconciliation that repairs group membership across a ring change.
//
// The global process-info list and the arena-with-handles shape for local
// client descriptors are grounded on the teacher's escalation package
// (internal/escalation/state_machine.go's ProcessState, and the
// handle-closure idiom its timers use over *ProcessState) — generalized
// here into integer handles over a map, per Design Notes §9's explicit
// "handles, not pointers" instruction.
package cpg

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/clusterkit/qcored/internal/fsm"
	"github.com/clusterkit/qcored/internal/quorum"
	"github.com/clusterkit/qcored/internal/service"
	"github.com/clusterkit/qcored/internal/totem"
	"github.com/clusterkit/qcored/internal/wire"
)

// Operation errors (spec §3's cpd_state transition table).
var (
	ErrNotExist     = errors.New("cpg: descriptor does not exist")
	ErrExist        = errors.New("cpg: already joined")
	ErrBusy         = errors.New("cpg: operation in progress")
	ErrInterrupt    = errors.New("cpg: transition changed mid-fragment")
	ErrNameTooLong  = errors.New("cpg: group name exceeds 128 bytes")
	ErrDuplicate    = errors.New("cpg: duplicate process-info entry")
)

type state int

const (
	stateUnjoined state = iota
	stateJoinStarted
	stateJoinCompleted
	stateLeaveStarted
)

func (s state) String() string {
	switch s {
	case stateUnjoined:
		return "UNJOINED"
	case stateJoinStarted:
		return "JOIN_STARTED"
	case stateJoinCompleted:
		return "JOIN_COMPLETED"
	case stateLeaveStarted:
		return "LEAVE_STARTED"
	default:
		return "UNKNOWN"
	}
}

type event int

const (
	evJoin event = iota
	evLeave
	evProcjoinSelf
	evProcleaveSelf
)

func newCpdTable() fsm.Table[state, event] {
	return fsm.Table[state, event]{
		{From: stateUnjoined, On: evJoin}:             stateJoinStarted,
		{From: stateJoinStarted, On: evProcjoinSelf}:  stateJoinCompleted,
		{From: stateJoinCompleted, On: evLeave}:       stateLeaveStarted,
		{From: stateJoinCompleted, On: evProcleaveSelf}: stateUnjoined,
		{From: stateLeaveStarted, On: evProcleaveSelf}:  stateUnjoined,
	}
}

// Handle identifies a local client descriptor. Stable across the
// descriptor's lifetime; never reused while the descriptor is live.
type Handle uint64

// DeliverFunc is invoked for every MCAST/PARTIAL_MCAST frame dispatched to
// a joined local client.
type DeliverFunc func(group string, senderNode wire.NodeID, senderPID uint32, payload []byte, frag wire.FragType)

// ConfchgEvent is delivered on membership change for a group.
type ConfchgEvent struct {
	GroupName  string
	Members    []ProcessInfo
	Joined     []ProcessInfo
	Left       []ProcessInfo
}

// ConfchgFunc is invoked for every confchg affecting a local client's group.
type ConfchgFunc func(ConfchgEvent)

// ProcessInfo is one entry in the globally-replicated process-info list.
type ProcessInfo struct {
	NodeID    wire.NodeID
	PID       uint32
	GroupName string
}

func (p ProcessInfo) less(o ProcessInfo) bool {
	if p.NodeID != o.NodeID {
		return p.NodeID < o.NodeID
	}
	return p.PID < o.PID
}

type descriptor struct {
	handle    Handle
	groupName string
	pid       uint32
	machine   *fsm.Machine[state, event]

	initialTotemConfSent     bool
	transitionCounter        uint64
	initialTransitionCounter uint64

	deliver DeliverFunc
	confchg ConfchgFunc
}

type confchgAccum struct {
	left   []ProcessInfo
	joined []ProcessInfo
}

// Engine is the per-node CPG service engine.
type Engine struct {
	mu sync.Mutex

	myNodeID wire.NodeID
	nextH    Handle

	descriptors map[Handle]*descriptor
	byGroup     map[string][]Handle

	processInfo []ProcessInfo // sorted by (NodeID, PID)

	ringID        wire.RingID
	oldMemberList []wire.NodeID
	memberList    []wire.NodeID
	transList     []wire.NodeID

	downlistSent  bool
	joinlistSent  bool
	downlists     map[wire.NodeID]wire.Downlist
	joinlists     map[wire.NodeID]wire.Joinlist

	reassembly map[reassemblyKey]*Reassembler

	adapter totem.Adapter
	facade  *quorum.Facade
	logger  *zap.Logger

	zcb      *zcbArena
	snapshot SnapshotFunc
}

var _ service.Engine = (*Engine)(nil)

// SnapshotFunc is invoked with the full replicated process-info list at
// the end of every successful SyncActivate, so a persistence layer can
// keep a crash-recovery snapshot without CPG importing one. Set via
// SetSnapshotHook; nil (the default) disables snapshotting.
type SnapshotFunc func(ringID wire.RingID, entries []ProcessInfo)

// SetSnapshotHook installs fn as the post-activation snapshot callback.
func (e *Engine) SetSnapshotHook(fn SnapshotFunc) {
	e.mu.Lock()
	e.snapshot = fn
	e.mu.Unlock()
}

type reassemblyKey struct {
	group  string
	source wire.NodeID
	pid    uint32
}

// New creates a CPG Engine.
func New(myNodeID wire.NodeID, adapter totem.Adapter, facade *quorum.Facade, logger *zap.Logger) *Engine {
	return &Engine{
		myNodeID:    myNodeID,
		descriptors: make(map[Handle]*descriptor),
		byGroup:     make(map[string][]Handle),
		downlists:   make(map[wire.NodeID]wire.Downlist),
		joinlists:   make(map[wire.NodeID]wire.Joinlist),
		reassembly:  make(map[reassemblyKey]*Reassembler),
		adapter:     adapter,
		facade:      facade,
		logger:      logger,
		zcb:         newZCBArena(),
	}
}

// service.Engine identity.
func (e *Engine) ID() wire.ServiceID { return wire.ServiceCPG }
func (e *Engine) Name() string       { return "cpg" }
func (e *Engine) Priority() int      { return 0 }
func (e *Engine) LibInit() error     { return nil }
func (e *Engine) LibExit() error     { return nil }

func (e *Engine) ExecHandlers() map[wire.FunctionID]service.ExecHandler {
	return map[wire.FunctionID]service.ExecHandler{
		wire.FuncProcJoin:     e.handleProcJoin,
		wire.FuncMcast:        e.handleMcast,
		wire.FuncPartialMcast: e.handlePartialMcast,
		wire.FuncDownlist:     e.handleDownlist,
		wire.FuncJoinlist:     e.handleJoinlist,
		wire.FuncDownlistOld: func(sender wire.NodeID, frame wire.Frame) error {
			if e.logger != nil {
				e.logger.Warn("cpg: received legacy DOWNLIST_OLD, dropping", zap.Uint32("sender", uint32(sender)))
			}
			return nil
		},
	}
}

// ConfChg is unused — CPG originates confchg events rather than consuming
// the SYNC-engine-level hook other services implement this for.
func (e *Engine) ConfChg(service.ConfChgEvent) {}

// --- Local library operations (spec §4.4) ---

// Join creates a local descriptor for groupName/pid and multicasts
// PROCJOIN(reason=JOIN).
func (e *Engine) Join(groupName string, pid uint32, deliver DeliverFunc, confchg ConfchgFunc) (Handle, error) {
	if len(groupName) > wire.MaxGroupNameLen {
		return 0, ErrNameTooLong
	}
	e.mu.Lock()
	for _, h := range e.byGroup[groupName] {
		if e.descriptors[h].pid == pid {
			e.mu.Unlock()
			return 0, ErrExist
		}
	}
	e.nextH++
	h := e.nextH
	d := &descriptor{
		handle:    h,
		groupName: groupName,
		pid:       pid,
		machine:   fsm.New(newCpdTable(), stateUnjoined),
		deliver:   deliver,
		confchg:   confchg,
	}
	if _, err := d.machine.Fire(evJoin); err != nil {
		e.mu.Unlock()
		return 0, ErrExist
	}
	e.descriptors[h] = d
	e.byGroup[groupName] = append(e.byGroup[groupName], h)
	e.mu.Unlock()

	return h, e.mcastProcJoin(groupName, pid, wire.ReasonJoin)
}

// Leave transitions handle to LEAVE_STARTED and multicasts
// PROCJOIN(reason=LEAVE).
func (e *Engine) Leave(h Handle) error {
	e.mu.Lock()
	d, ok := e.descriptors[h]
	if !ok {
		e.mu.Unlock()
		return ErrNotExist
	}
	cur := d.machine.Current()
	if _, err := d.machine.Fire(evLeave); err != nil {
		e.mu.Unlock()
		if cur == stateJoinStarted {
			return ErrBusy
		}
		return ErrNotExist
	}
	group, pid := d.groupName, d.pid
	e.mu.Unlock()

	return e.mcastProcJoin(group, pid, wire.ReasonLeave)
}

// Mcast multicasts payload to handle's group. Rejected with ErrNotExist
// unless the descriptor has at least begun joining (state != UNJOINED).
func (e *Engine) Mcast(h Handle, payload []byte) error {
	e.mu.Lock()
	d, ok := e.descriptors[h]
	if !ok || d.machine.Current() == stateUnjoined {
		e.mu.Unlock()
		return ErrNotExist
	}
	group, pid := d.groupName, d.pid
	e.mu.Unlock()

	msg := wire.Mcast{GroupName: group, MsgLen: uint32(len(payload)), PID: pid, Source: e.myNodeID, Payload: payload}
	body := msg.Encode()
	header := wire.Header{ServiceID: wire.ServiceCPG, FunctionID: wire.FuncMcast, Size: uint32(len(body)), Order: wire.HostOrderTag}
	return e.adapter.Mcast([][]byte{header.Encode(), body}, totem.GuaranteeAgreed)
}

// PartialMcast sends one fragment of a larger message. The first fragment
// of a given message snapshots the descriptor's current transition
// counter; a later fragment whose transition counter has since moved
// (a ring change interleaved with fragmentation) fails with ErrInterrupt.
func (e *Engine) PartialMcast(h Handle, fragType wire.FragType, payload []byte, totalLen uint32) error {
	e.mu.Lock()
	d, ok := e.descriptors[h]
	if !ok || d.machine.Current() == stateUnjoined {
		e.mu.Unlock()
		return ErrNotExist
	}
	if fragType == wire.FragFirst {
		d.initialTransitionCounter = d.transitionCounter
	} else if d.transitionCounter != d.initialTransitionCounter {
		e.mu.Unlock()
		return ErrInterrupt
	}
	group, pid := d.groupName, d.pid
	e.mu.Unlock()

	msg := wire.PartialMcast{GroupName: group, MsgLen: totalLen, FragLen: uint32(len(payload)), PID: pid, Type: fragType, Source: e.myNodeID, Payload: payload}
	body := msg.Encode()
	header := wire.Header{ServiceID: wire.ServiceCPG, FunctionID: wire.FuncPartialMcast, Size: uint32(len(body)), Order: wire.HostOrderTag}
	return e.adapter.Mcast([][]byte{header.Encode(), body}, totem.GuaranteeAgreed)
}

// State reports a descriptor's current cpd_state (test/introspection use).
func (e *Engine) State(h Handle) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	d, ok := e.descriptors[h]
	if !ok {
		return "", ErrNotExist
	}
	return d.machine.Current().String(), nil
}

// IterationSnapshot returns a point-in-time copy of the global process-info
// list, optionally filtered to one group. Iteration itself (next/finalize)
// is just slicing this snapshot — no further engine involvement needed in
// an in-process Go port.
func (e *Engine) IterationSnapshot(group string) []ProcessInfo {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]ProcessInfo, 0, len(e.processInfo))
	for _, p := range e.processInfo {
		if group == "" || p.GroupName == group {
			out = append(out, p)
		}
	}
	return out
}

// --- Zero-copy block (stub; spec §4.4 bullet 5) ---

// ZCBAlloc maps name into the in-process zero-copy arena, sized to at
// least size bytes, and returns the embedded server address recorded
// there (all-zero until the first ZCBExecute posts to it).
func (e *Engine) ZCBAlloc(name string, size int) ([]byte, error) { return e.zcb.alloc(name, size) }

// ZCBFree releases name's region.
func (e *Engine) ZCBFree(name string) error { return e.zcb.free(name) }

// ZCBExecute writes serverAddr into name's embedded address field,
// surviving subsequent ZCBAlloc calls against the same name (the
// store/reload invariant spec §4.4 calls out).
func (e *Engine) ZCBExecute(name string, serverAddr []byte) error { return e.zcb.execute(name, serverAddr) }

// --- Wire multicast helpers ---

func (e *Engine) mcastProcJoin(group string, pid uint32, reason wire.ProcJoinReason) error {
	body := wire.ProcJoin{GroupName: group, PID: pid, Reason: reason}.Encode()
	header := wire.Header{ServiceID: wire.ServiceCPG, FunctionID: wire.FuncProcJoin, Size: uint32(len(body)), Order: wire.HostOrderTag}
	return e.adapter.Mcast([][]byte{header.Encode(), body}, totem.GuaranteeAgreed)
}

// --- Exec dispatch handlers ---

func (e *Engine) handleProcJoin(sender wire.NodeID, frame wire.Frame) error {
	msg, err := wire.DecodeProcJoin(frame.Body, byteOrderOf(frame.Header.Order))
	if err != nil {
		return err
	}
	if frame.Header.NeedsConvert() {
		msg.ConvertEndian()
	}

	entry := ProcessInfo{NodeID: sender, PID: msg.PID, GroupName: msg.GroupName}
	switch msg.Reason {
	case wire.ReasonJoin:
		e.doProcJoin(entry)
	case wire.ReasonLeave, wire.ReasonProcDown, wire.ReasonNodeDown:
		e.doProcLeave(entry)
	}
	return nil
}

func (e *Engine) doProcJoin(entry ProcessInfo) {
	e.mu.Lock()
	for _, p := range e.processInfo {
		if p == entry {
			e.mu.Unlock()
			return // already present; PROCJOIN re-delivery is a no-op.
		}
	}
	e.processInfo = insertSorted(e.processInfo, entry)
	isSelf := entry.NodeID == e.myNodeID
	var selfHandle Handle
	if isSelf {
		for h, d := range e.descriptors {
			if d.groupName == entry.GroupName && d.pid == entry.PID {
				selfHandle = h
				break
			}
		}
	}
	subs := e.subscribersLocked(entry.GroupName)
	e.mu.Unlock()

	if isSelf && selfHandle != 0 {
		e.advanceOnJoin(selfHandle)
	}
	e.notifyConfchg(entry.GroupName, ConfchgEvent{GroupName: entry.GroupName, Joined: []ProcessInfo{entry}}, subs)
}

func (e *Engine) doProcLeave(entry ProcessInfo) {
	e.mu.Lock()
	idx := -1
	for i, p := range e.processInfo {
		if p.NodeID == entry.NodeID && p.PID == entry.PID && p.GroupName == entry.GroupName {
			idx = i
			break
		}
	}
	if idx < 0 {
		e.mu.Unlock()
		return
	}
	removed := e.processInfo[idx]
	e.processInfo = append(e.processInfo[:idx], e.processInfo[idx+1:]...)
	isSelf := removed.NodeID == e.myNodeID
	var selfHandle Handle
	if isSelf {
		for h, d := range e.descriptors {
			if d.groupName == removed.GroupName && d.pid == removed.PID {
				selfHandle = h
				break
			}
		}
	}
	subs := e.subscribersLocked(removed.GroupName)
	e.mu.Unlock()

	if isSelf && selfHandle != 0 {
		e.advanceOnLeave(selfHandle)
	}
	e.notifyConfchg(removed.GroupName, ConfchgEvent{GroupName: removed.GroupName, Left: []ProcessInfo{removed}}, subs)
}

func (e *Engine) advanceOnJoin(h Handle) {
	e.mu.Lock()
	d, ok := e.descriptors[h]
	if ok {
		d.machine.Fire(evProcjoinSelf)
	}
	e.mu.Unlock()
}

func (e *Engine) advanceOnLeave(h Handle) {
	e.mu.Lock()
	d, ok := e.descriptors[h]
	if ok {
		d.machine.Fire(evProcleaveSelf)
	}
	e.mu.Unlock()
}

// subscribersLocked must be called with e.mu held.
func (e *Engine) subscribersLocked(group string) []*descriptor {
	handles := e.byGroup[group]
	out := make([]*descriptor, 0, len(handles))
	for _, h := range handles {
		if d, ok := e.descriptors[h]; ok {
			out = append(out, d)
		}
	}
	return out
}

func (e *Engine) notifyConfchg(group string, ev ConfchgEvent, subs []*descriptor) {
	e.mu.Lock()
	ev.Members = e.IterationIsNilSafe(group)
	e.mu.Unlock()
	for _, d := range subs {
		if d.confchg == nil {
			continue
		}
		e.mu.Lock()
		d.transitionCounter++
		d.initialTotemConfSent = true
		e.mu.Unlock()
		d.confchg(ev)
	}
}

// IterationIsNilSafe returns the current per-group member list. It does
// not lock e.mu, so the caller must already hold it (named to avoid
// colliding with the exported, self-locking IterationSnapshot).
func (e *Engine) IterationIsNilSafe(group string) []ProcessInfo {
	var out []ProcessInfo
	for _, p := range e.processInfo {
		if p.GroupName == group {
			out = append(out, p)
		}
	}
	return out
}

func (e *Engine) handleMcast(sender wire.NodeID, frame wire.Frame) error {
	msg, err := wire.DecodeMcast(frame.Body, byteOrderOf(frame.Header.Order))
	if err != nil {
		return err
	}
	if frame.Header.NeedsConvert() {
		msg.ConvertEndian()
	}
	e.deliverToGroup(msg.GroupName, sender, msg.PID, msg.Payload, 0)
	return nil
}

func (e *Engine) handlePartialMcast(sender wire.NodeID, frame wire.Frame) error {
	msg, err := wire.DecodePartialMcast(frame.Body, byteOrderOf(frame.Header.Order))
	if err != nil {
		return err
	}
	if frame.Header.NeedsConvert() {
		msg.ConvertEndian()
	}
	e.deliverToGroup(msg.GroupName, sender, msg.PID, msg.Payload, msg.Type)
	return nil
}

// Reassemble runs one PARTIAL_MCAST fragment through this engine's
// per-stream reassembly buffer, returning the whole message once a
// FragLast fragment completes it. corosync's own cpg_mcast_joined clients
// reassemble fragments themselves rather than the service doing it for
// them; this is exposed for callers that want whole messages instead of
// raw fragments. The engine's own delivery path does not call it.
func (e *Engine) Reassemble(group string, source wire.NodeID, pid uint32, frag wire.FragType, totalLen uint32, payload []byte) ([]byte, bool) {
	return e.reassemble(group, source, pid, frag, totalLen, payload)
}

// deliverToGroup implements the §4.4 "Message delivery" rule: dispatch to
// every local client in {JOIN_COMPLETED, LEAVE_STARTED} whose group
// matches and whose sender is known to the process-info list for that
// group; otherwise log and drop.
func (e *Engine) deliverToGroup(group string, sender wire.NodeID, pid uint32, payload []byte, frag wire.FragType) {
	e.mu.Lock()
	known := false
	for _, p := range e.processInfo {
		if p.GroupName == group && p.NodeID == sender && p.PID == pid {
			known = true
			break
		}
	}
	if !known {
		e.mu.Unlock()
		if e.logger != nil {
			e.logger.Warn("cpg: dropping deliver from unknown sender", zap.String("group", group), zap.Uint32("sender_node", uint32(sender)), zap.Uint32("sender_pid", pid))
		}
		return
	}
	var targets []*descriptor
	for _, h := range e.byGroup[group] {
		d, ok := e.descriptors[h]
		if !ok {
			continue
		}
		st := d.machine.Current()
		if st == stateJoinCompleted || st == stateLeaveStarted {
			targets = append(targets, d)
		}
	}
	e.mu.Unlock()

	for _, d := range targets {
		if d.deliver != nil {
			d.deliver(group, sender, pid, payload, frag)
		}
	}
}

// --- SYNC collaboration (spec §4.4 "SYNC integration") ---

func (e *Engine) SyncInit(trans, members []wire.NodeID, ringID wire.RingID) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.oldMemberList = e.memberList
	e.memberList = append([]wire.NodeID(nil), members...)
	e.transList = append([]wire.NodeID(nil), trans...)
	e.ringID = ringID
	e.downlistSent = false
	e.joinlistSent = false
	e.downlists = make(map[wire.NodeID]wire.Downlist)
	e.joinlists = make(map[wire.NodeID]wire.Joinlist)
	return nil
}

func (e *Engine) SyncProcess() (bool, error) {
	e.mu.Lock()
	if !e.downlistSent {
		e.downlistSent = true
		var left []wire.NodeID
		for _, old := range e.oldMemberList {
			if !containsNode(e.transList, old) {
				left = append(left, old)
			}
		}
		msg := wire.Downlist{SenderNodeID: e.myNodeID, OldMembersCount: uint32(len(e.oldMemberList)), LeftNodes: left}
		e.mu.Unlock()
		if err := e.mcastDownlist(msg); err != nil {
			return false, err
		}
		return false, nil
	}

	if len(e.downlists) < len(e.memberList) {
		e.mu.Unlock()
		return false, nil
	}

	if !e.joinlistSent {
		e.joinlistSent = true
		var entries []wire.JoinlistEntry
		for _, p := range e.processInfo {
			if p.NodeID == e.myNodeID {
				entries = append(entries, wire.JoinlistEntry{PID: p.PID, GroupName: p.GroupName})
			}
		}
		msg := wire.Joinlist{SenderNodeID: e.myNodeID, Entries: entries}
		e.mu.Unlock()
		if err := e.mcastJoinlist(msg); err != nil {
			return false, err
		}
		return false, nil
	}

	done := len(e.joinlists) >= len(e.memberList)
	e.mu.Unlock()
	return done, nil
}

func (e *Engine) SyncActivate() error {
	e.mu.Lock()
	downlists := make(map[wire.NodeID]wire.Downlist, len(e.downlists))
	for k, v := range e.downlists {
		downlists[k] = v
	}
	joinlists := make(map[wire.NodeID]wire.Joinlist, len(e.joinlists))
	for k, v := range e.joinlists {
		joinlists[k] = v
	}
	oldCount := uint32(len(e.oldMemberList))
	e.mu.Unlock()

	master, ok := electDownlistMaster(downlists, oldCount)
	accum := make(map[string]*confchgAccum)

	if ok {
		e.applyDownlistMaster(master, accum)
	} else if e.facade != nil {
		e.facade.OnFatal(quorum.FatalNoDownlistMaster, fmt.Sprintf("%d", e.myNodeID), "cpg: no node proposed a valid downlist for this ring")
	}

	e.applyJoinlists(joinlists, accum)
	e.fireAccumulatedConfchg(accum)

	e.mu.Lock()
	snapshot := e.snapshot
	ringID := e.ringID
	entries := append([]ProcessInfo(nil), e.processInfo...)
	e.mu.Unlock()
	if snapshot != nil {
		snapshot(ringID, entries)
	}
	return nil
}

func (e *Engine) SyncAbort() {
	e.mu.Lock()
	e.downlistSent = false
	e.joinlistSent = false
	e.downlists = make(map[wire.NodeID]wire.Downlist)
	e.joinlists = make(map[wire.NodeID]wire.Joinlist)
	e.mu.Unlock()
}

func (e *Engine) mcastDownlist(msg wire.Downlist) error {
	body := msg.Encode()
	header := wire.Header{ServiceID: wire.ServiceCPG, FunctionID: wire.FuncDownlist, Size: uint32(len(body)), Order: wire.HostOrderTag}
	return e.adapter.Mcast([][]byte{header.Encode(), body}, totem.GuaranteeAgreed)
}

func (e *Engine) mcastJoinlist(msg wire.Joinlist) error {
	body := msg.Encode()
	header := wire.Header{ServiceID: wire.ServiceCPG, FunctionID: wire.FuncJoinlist, Size: uint32(len(body)), Order: wire.HostOrderTag}
	return e.adapter.Mcast([][]byte{header.Encode(), body}, totem.GuaranteeAgreed)
}

func (e *Engine) handleDownlist(sender wire.NodeID, frame wire.Frame) error {
	msg, err := wire.DecodeDownlist(frame.Body, byteOrderOf(frame.Header.Order))
	if err != nil {
		return err
	}
	if frame.Header.NeedsConvert() {
		msg.ConvertEndian()
	}
	e.mu.Lock()
	e.downlists[sender] = msg
	e.mu.Unlock()
	return nil
}

func (e *Engine) handleJoinlist(sender wire.NodeID, frame wire.Frame) error {
	msg, err := wire.DecodeJoinlist(frame.Body, byteOrderOf(frame.Header.Order))
	if err != nil {
		return err
	}
	if frame.Header.NeedsConvert() {
		msg.ConvertEndian()
	}
	e.mu.Lock()
	e.joinlists[sender] = msg
	e.mu.Unlock()
	return nil
}

// electDownlistMaster implements spec §4.4: highest (old_members -
// left_nodes), tie-break by highest old_members, then lowest sender node
// id. Senders who list themselves among left_nodes are ignored.
func electDownlistMaster(downlists map[wire.NodeID]wire.Downlist, _ uint32) (wire.Downlist, bool) {
	var best wire.Downlist
	var bestSender wire.NodeID
	found := false
	for sender, dl := range downlists {
		selfListed := false
		for _, n := range dl.LeftNodes {
			if n == sender {
				selfListed = true
				break
			}
		}
		if selfListed {
			continue
		}
		score := int64(dl.OldMembersCount) - int64(len(dl.LeftNodes))
		if !found {
			best, bestSender, found = dl, sender, true
			continue
		}
		bestScore := int64(best.OldMembersCount) - int64(len(best.LeftNodes))
		switch {
		case score > bestScore:
			best, bestSender = dl, sender
		case score == bestScore && dl.OldMembersCount > best.OldMembersCount:
			best, bestSender = dl, sender
		case score == bestScore && dl.OldMembersCount == best.OldMembersCount && sender < bestSender:
			best, bestSender = dl, sender
		}
	}
	return best, found
}

func (e *Engine) applyDownlistMaster(master wire.Downlist, accum map[string]*confchgAccum) {
	e.mu.Lock()
	var kept []ProcessInfo
	for _, p := range e.processInfo {
		left := false
		for _, n := range master.LeftNodes {
			if p.NodeID == n {
				left = true
				break
			}
		}
		if left {
			a := accum[p.GroupName]
			if a == nil {
				a = &confchgAccum{}
				accum[p.GroupName] = a
			}
			a.left = append(a.left, p)
			if p.NodeID == e.myNodeID {
				for _, d := range e.descriptors {
					if d.groupName == p.GroupName && d.pid == p.PID {
						d.machine.Force(stateUnjoined)
					}
				}
			}
			continue
		}
		kept = append(kept, p)
	}
	e.processInfo = kept
	e.mu.Unlock()
}

func (e *Engine) applyJoinlists(joinlists map[wire.NodeID]wire.Joinlist, accum map[string]*confchgAccum) {
	e.mu.Lock()
	reported := make(map[ProcessInfo]bool)
	for sender, jl := range joinlists {
		for _, entry := range jl.Entries {
			p := ProcessInfo{NodeID: sender, PID: entry.PID, GroupName: entry.GroupName}
			reported[p] = true
			exists := false
			for _, have := range e.processInfo {
				if have == p {
					exists = true
					break
				}
			}
			if exists {
				continue
			}
			e.processInfo = insertSorted(e.processInfo, p)
			a := accum[p.GroupName]
			if a == nil {
				a = &confchgAccum{}
				accum[p.GroupName] = a
			}
			a.joined = append(a.joined, p)
			if p.NodeID == e.myNodeID {
				for _, d := range e.descriptors {
					if d.groupName == p.GroupName && d.pid == p.PID {
						d.machine.Fire(evProcjoinSelf)
					}
				}
			}
		}
	}
	// Entries present locally but reported by no joinlist are process-down
	// leaves (their owning node is still a ring member, but the process
	// itself is gone).
	var survivors []ProcessInfo
	for _, p := range e.processInfo {
		if !containsNode(e.memberList, p.NodeID) || reported[p] {
			survivors = append(survivors, p)
			continue
		}
		a := accum[p.GroupName]
		if a == nil {
			a = &confchgAccum{}
			accum[p.GroupName] = a
		}
		a.left = append(a.left, p)
		if p.NodeID == e.myNodeID {
			for _, d := range e.descriptors {
				if d.groupName == p.GroupName && d.pid == p.PID {
					d.machine.Force(stateUnjoined)
				}
			}
		}
	}
	e.processInfo = survivors
	e.mu.Unlock()
}

func (e *Engine) fireAccumulatedConfchg(accum map[string]*confchgAccum) {
	groups := make([]string, 0, len(accum))
	for g := range accum {
		groups = append(groups, g)
	}
	sort.Strings(groups)

	for _, group := range groups {
		a := accum[group]
		e.mu.Lock()
		subs := e.subscribersLocked(group)
		members := e.IterationIsNilSafe(group)
		e.mu.Unlock()
		ev := ConfchgEvent{GroupName: group, Members: members, Joined: a.joined, Left: a.left}
		for _, d := range subs {
			e.mu.Lock()
			d.transitionCounter++
			e.mu.Unlock()
			if d.confchg != nil {
				d.confchg(ev)
			}
		}
	}
}

func insertSorted(list []ProcessInfo, p ProcessInfo) []ProcessInfo {
	i := sort.Search(len(list), func(i int) bool { return !list[i].less(p) })
	list = append(list, ProcessInfo{})
	copy(list[i+1:], list[i:])
	list[i] = p
	return list
}

func containsNode(list []wire.NodeID, id wire.NodeID) bool {
	for _, v := range list {
		if v == id {
			return true
		}
	}
	return false
}

func byteOrderOf(t wire.OrderTag) binary.ByteOrder {
	if t == wire.OrderBigEndian {
		return binary.BigEndian
	}
	return binary.LittleEndian
}
