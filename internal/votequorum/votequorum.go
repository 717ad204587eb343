// Package votequorum implements the Votequorum Engine (spec §4.3): a
// service.Engine deciding whether the local partition is quorate, with
// WFA/LMS/ATB/two-node/qdevice/allow-downscale policy, operator
// reconfiguration, and expected-votes barrier persistence.
//
// The per-recalculation quorum math and the mutex-guarded shared state
// shape are grounded on the teacher's internal/gossip/quorum.go
// (Quorum.Signal / UpdatePeerReachability: a single RWMutex over an
// in-memory node table, a recompute-and-publish-on-change pattern, and a
// partition-aware recalibration — renamed here to the spec's own
// WFA/ATB/two-node vocabulary).
package votequorum

import (
	"encoding/binary"
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/clusterkit/qcored/internal/quorum"
	"github.com/clusterkit/qcored/internal/service"
	"github.com/clusterkit/qcored/internal/timer"
	"github.com/clusterkit/qcored/internal/totem"
	"github.com/clusterkit/qcored/internal/wire"
)

// Operation errors (spec §4.3's error table).
var (
	ErrNotExist      = errors.New("votequorum: node does not exist")
	ErrInvalidParam  = errors.New("votequorum: invalid parameter")
	ErrNameNotFound  = errors.New("votequorum: node not found")
	ErrExist         = errors.New("votequorum: already exists")
	ErrAccess        = errors.New("votequorum: access denied")
	ErrTryAgain      = errors.New("votequorum: try again")
	ErrMessageError  = errors.New("votequorum: message error")
)

// NodeState mirrors spec §3's cluster-node state.
type NodeState int

const (
	NodeMember NodeState = iota
	NodeDead
	NodeLeaving
)

// ATBMode selects the auto-tie-breaker policy (spec §4.3 step 6).
type ATBMode int

const (
	ATBLowest ATBMode = iota
	ATBHighest
	ATBList
)

// Config holds the votequorum policy knobs. cmd/qcored fills it once at
// startup from the YAML config's votequorum section; it is not read from
// internal/cmap's quorum.*/nodelist.* keys.
type Config struct {
	TwoNode               bool
	WaitForAll            bool
	AutoTieBreaker        bool
	ATBMode               ATBMode
	ATBNodeList           []wire.NodeID
	AllowDownscale        bool
	LastManStanding       bool
	LastManStandingWindow time.Duration
	ExpectedVotesTracking bool
	ExpectedVotesDefault  uint32
	QDeviceEnabled        bool
	QDeviceTimeout        time.Duration
	QDeviceSyncTimeout    time.Duration
	QDeviceVotes          uint32
}

// DefaultConfig matches a single-node, no-qdevice deployment.
func DefaultConfig() Config {
	return Config{
		ExpectedVotesDefault:  1,
		LastManStandingWindow: 10 * time.Second,
		QDeviceTimeout:        10 * time.Second,
		QDeviceSyncTimeout:    10 * time.Second,
		QDeviceVotes:          1,
	}
}

type clusterNode struct {
	nodeID        wire.NodeID
	state         NodeState
	votes         uint32
	expectedVotes uint32
	flags         uint32
}

// NodeInfo is the external view of a cluster node, returned by GetInfo.
type NodeInfo struct {
	NodeID          wire.NodeID
	State           NodeState
	Votes           uint32
	ExpectedVotes   uint32
	HighestExpected uint32
	TotalVotes      uint32
	Quorum          uint32
	Flags           uint32
	QDeviceVotes    uint32
	QDeviceName     string
}

// TrackCallback is invoked on quorum/node-list transitions for a
// trackstart'd connection.
type TrackCallback func(quorate bool, nodes []NodeInfo)

type tracker struct {
	id    uint64
	flags uint32
	fn    TrackCallback
}

// BarrierStore persists the expected-votes high-water mark (spec's
// ev_tracking_barrier). Implemented in internal/storage against a raw
// 4-byte host-order file, fdatasync-equivalent flushed on every write.
type BarrierStore interface {
	Load() (uint32, error)
	Save(uint32) error
}

// NoopBarrierStore discards writes and always loads 0 — used by tests and
// by nodes with expected_votes_tracking disabled.
type NoopBarrierStore struct{}

func (NoopBarrierStore) Load() (uint32, error) { return 0, nil }
func (NoopBarrierStore) Save(uint32) error     { return nil }

// TransitionLedger records every quorate-ness transition for audit,
// implemented in internal/storage against a bbolt-backed, chained-hash
// ledger. Installing one is optional; the zero value (nil) disables
// ledger writes entirely.
type TransitionLedger interface {
	AppendTransition(quorate bool, ringID wire.RingID, totalVotes, expectedVotes uint32) error
}

// Engine is the per-node Votequorum service engine.
type Engine struct {
	mu sync.Mutex

	cfg      Config
	myNodeID wire.NodeID
	nodes    map[wire.NodeID]*clusterNode

	ringID     wire.RingID
	memberList []wire.NodeID
	transList  []wire.NodeID

	quorate   bool
	evBarrier uint32
	wfaArmed  bool

	qdeviceName         string
	qdeviceRegistered   bool
	qdeviceAlive        bool
	qdevicePollSeen     bool
	qdeviceRegPending   bool
	qdevicePollTimer    timer.Handle
	qdevicePollTimerSet bool

	syncSent     bool
	pollTimer    timer.Handle
	pollTimerSet bool

	lmsTimer       timer.Handle
	lmsTimerSet    bool
	lmsLastMembers int

	trackers map[uint64]*tracker

	adapter totem.Adapter
	timers  *timer.Core
	facade  *quorum.Facade
	store   BarrierStore
	ledger  TransitionLedger
	logger  *zap.Logger
}

var _ service.Engine = (*Engine)(nil)
var _ quorum.Provider = (*Engine)(nil)

// New creates a Votequorum Engine. store may be NoopBarrierStore{} when
// expected_votes_tracking is disabled.
func New(myNodeID wire.NodeID, cfg Config, adapter totem.Adapter, timers *timer.Core, facade *quorum.Facade, store BarrierStore, logger *zap.Logger) *Engine {
	e := &Engine{
		cfg:      cfg,
		myNodeID: myNodeID,
		nodes:    make(map[wire.NodeID]*clusterNode),
		quorate:  true,
		wfaArmed: cfg.WaitForAll,
		trackers: make(map[uint64]*tracker),
		adapter:  adapter,
		timers:   timers,
		facade:   facade,
		store:    store,
		logger:   logger,
	}
	flags := uint32(wire.FlagFirst)
	if cfg.WaitForAll {
		flags |= uint32(wire.FlagWFAStatus)
	}
	e.nodes[myNodeID] = &clusterNode{nodeID: myNodeID, state: NodeMember, votes: 1, expectedVotes: cfg.ExpectedVotesDefault, flags: flags}
	if cfg.ExpectedVotesTracking {
		if v, err := store.Load(); err == nil {
			e.evBarrier = v
		}
	}
	e.recalculate()
	return e
}

// service.Engine identity.
func (e *Engine) ID() wire.ServiceID { return wire.ServiceVotequorum }
func (e *Engine) Name() string       { return "votequorum" }
func (e *Engine) Priority() int      { return 0 }
func (e *Engine) LibInit() error     { return nil }
func (e *Engine) LibExit() error     { return nil }

func (e *Engine) ExecHandlers() map[wire.FunctionID]service.ExecHandler {
	return map[wire.FunctionID]service.ExecHandler{
		wire.FuncNodeInfo:           e.handleNodeInfo,
		wire.FuncReconfigure:        e.handleReconfigure,
		wire.FuncQDeviceReg:         e.handleQDeviceReg,
		wire.FuncQDeviceReconfigure: e.handleQDeviceReconfigure,
	}
}

// ConfChg is unused by votequorum — CPG is the only confchg consumer.
func (e *Engine) ConfChg(service.ConfChgEvent) {}

// SetLedger installs a TransitionLedger to receive every subsequent
// quorate-ness change. Passing nil disables ledger writes.
func (e *Engine) SetLedger(l TransitionLedger) {
	e.mu.Lock()
	e.ledger = l
	e.mu.Unlock()
}

// IsQuorate implements quorum.Provider.
func (e *Engine) IsQuorate() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.quorate
}

// --- SYNC collaboration (spec §4.3 "Sync collaboration") ---

func (e *Engine) SyncInit(trans, members []wire.NodeID, ringID wire.RingID) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ringID = ringID
	e.memberList = append([]wire.NodeID(nil), members...)
	e.transList = append([]wire.NodeID(nil), trans...)
	e.syncSent = false
	e.qdevicePollSeen = false

	memberSet := make(map[wire.NodeID]bool, len(members))
	for _, id := range members {
		memberSet[id] = true
		if _, ok := e.nodes[id]; !ok {
			e.nodes[id] = &clusterNode{nodeID: id, state: NodeMember, votes: 1, expectedVotes: e.cfg.ExpectedVotesDefault}
		} else {
			e.nodes[id].state = NodeMember
		}
	}
	for id, n := range e.nodes {
		if !memberSet[id] && n.state == NodeMember {
			n.state = NodeDead
		}
	}
	return nil
}

func (e *Engine) SyncProcess() (bool, error) {
	e.mu.Lock()
	if !e.syncSent {
		e.syncSent = true
		my := e.nodes[e.myNodeID]
		info := wire.NodeInfo{NodeID: e.myNodeID, Votes: my.votes, ExpectedVotes: my.expectedVotes, Flags: my.flags}
		qdeviceName := e.qdeviceName
		qdeviceRegistered := e.qdeviceRegistered
		qdeviceTimeout := e.cfg.QDeviceSyncTimeout
		qdeviceAlive := e.qdeviceAlive
		e.mu.Unlock()

		if err := e.mcastNodeInfo(info); err != nil {
			return false, err
		}
		if qdeviceRegistered {
			if err := e.mcastQDeviceReg(wire.QDeviceOpRegister, qdeviceName); err != nil {
				return false, err
			}
		}

		if qdeviceRegistered && qdeviceAlive {
			e.mu.Lock()
			e.pollTimerSet = true
			e.mu.Unlock()
			h := e.timers.AddDuration(qdeviceTimeout, nil, func(any) {
				e.mu.Lock()
				e.qdevicePollSeen = true // timer expiry also releases the barrier
				e.pollTimerSet = false
				e.mu.Unlock()
			})
			e.mu.Lock()
			e.pollTimer = h
			e.mu.Unlock()
			return false, nil
		}
		return true, nil
	}

	waiting := e.qdeviceRegistered && e.qdeviceAlive && !e.qdevicePollSeen
	e.mu.Unlock()
	return !waiting, nil
}

func (e *Engine) SyncActivate() error {
	e.mu.Lock()
	if e.pollTimerSet {
		e.timers.Delete(e.pollTimer)
		e.pollTimerSet = false
	}
	e.mu.Unlock()
	e.recalculate()
	if e.cfg.LastManStanding {
		e.reconsiderLMS()
	}
	return nil
}

func (e *Engine) SyncAbort() {
	e.mu.Lock()
	e.syncSent = false
	if e.pollTimerSet {
		e.timers.Delete(e.pollTimer)
		e.pollTimerSet = false
	}
	e.mu.Unlock()
}

// --- Operator-facing operations (spec §4.3 operation table) ---

// GetInfo returns the queried node's info, or the local node's if id is nil.
func (e *Engine) GetInfo(id *wire.NodeID) (NodeInfo, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	target := e.myNodeID
	if id != nil {
		target = *id
	}
	n, ok := e.nodes[target]
	if !ok {
		return NodeInfo{}, ErrNotExist
	}
	total, highest, q := e.computeRaw()
	return NodeInfo{
		NodeID: n.nodeID, State: n.state, Votes: n.votes, ExpectedVotes: n.expectedVotes,
		HighestExpected: highest, TotalVotes: total, Quorum: q, Flags: n.flags,
		QDeviceVotes: e.cfg.QDeviceVotes, QDeviceName: e.qdeviceName,
	}, nil
}

// SetExpected changes the local node's expected votes and multicasts a
// RECONFIGURE so every node applies it identically. Lowering below the
// persisted ev_barrier is rejected unless AllowDownscale is set, per
// spec §3's ev_barrier invariant ("never below ev_barrier unless
// explicitly overridden").
func (e *Engine) SetExpected(n uint32) error {
	if n == 0 {
		return ErrInvalidParam
	}
	e.mu.Lock()
	barrier := e.evBarrier
	tracking := e.cfg.ExpectedVotesTracking
	allowDownscale := e.cfg.AllowDownscale
	e.mu.Unlock()
	if tracking && n < barrier && !allowDownscale {
		return ErrInvalidParam
	}
	if err := e.applyReconfigure(wire.Reconfigure{NodeID: e.myNodeID, Value: n, Param: wire.ReconfigExpectedVotes}); err != nil {
		return err
	}
	if tracking && allowDownscale && n < barrier {
		e.forceBarrier(n)
	}
	return nil
}

// SetVotes changes nodeID's votes.
func (e *Engine) SetVotes(nodeID wire.NodeID, v uint32) error {
	e.mu.Lock()
	_, ok := e.nodes[nodeID]
	e.mu.Unlock()
	if !ok {
		return ErrNameNotFound
	}
	return e.applyReconfigure(wire.Reconfigure{NodeID: nodeID, Value: v, Param: wire.ReconfigNodeVotes})
}

// CancelWaitForAll cancels a locally-armed WFA barrier, spread to the
// ring so every node's view of the arm state agrees.
func (e *Engine) CancelWaitForAll() error {
	return e.applyReconfigure(wire.Reconfigure{NodeID: e.myNodeID, Param: wire.ReconfigCancelWFA})
}

func (e *Engine) applyReconfigure(msg wire.Reconfigure) error {
	if err := e.mcastReconfigure(msg); err != nil {
		return err
	}
	e.handleReconfigureMsg(msg)
	return nil
}

// TrackStart registers fn for quorum/node-list notifications under ctx's
// identity (one registration per ctx).
func (e *Engine) TrackStart(ctx uint64, flags uint32, fn TrackCallback) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.trackers[ctx]; exists {
		return ErrExist
	}
	e.trackers[ctx] = &tracker{id: ctx, flags: flags, fn: fn}
	return nil
}

// TrackStop removes a tracking registration.
func (e *Engine) TrackStop(ctx uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.trackers[ctx]; !exists {
		return ErrNotExist
	}
	delete(e.trackers, ctx)
	return nil
}

// QDeviceRegister registers name as the active qdevice.
func (e *Engine) QDeviceRegister(name string) error {
	e.mu.Lock()
	if !e.cfg.QDeviceEnabled {
		e.mu.Unlock()
		return ErrAccess
	}
	if e.qdeviceRegistered && e.qdeviceName != name {
		e.mu.Unlock()
		return ErrExist
	}
	if e.qdeviceRegPending {
		e.mu.Unlock()
		return ErrTryAgain
	}
	e.qdeviceRegPending = true
	e.mu.Unlock()

	err := e.mcastQDeviceReg(wire.QDeviceOpRegister, name)
	e.mu.Lock()
	e.qdeviceRegPending = false
	if err == nil {
		e.qdeviceName = name
		e.qdeviceRegistered = true
		e.qdeviceAlive = true
		e.nodes[e.myNodeID].flags |= uint32(wire.FlagQDeviceRegistered)
	}
	e.mu.Unlock()
	return err
}

// QDeviceUnregister withdraws name as the active qdevice.
func (e *Engine) QDeviceUnregister(name string) error {
	e.mu.Lock()
	if !e.qdeviceRegistered {
		e.mu.Unlock()
		return ErrNotExist
	}
	if e.qdeviceName != name {
		e.mu.Unlock()
		return ErrInvalidParam
	}
	e.mu.Unlock()

	if err := e.mcastQDeviceReg(wire.QDeviceOpUnregister, name); err != nil {
		return err
	}
	e.mu.Lock()
	e.qdeviceRegistered = false
	e.qdeviceAlive = false
	e.qdeviceName = ""
	if e.qdevicePollTimerSet {
		e.timers.Delete(e.qdevicePollTimer)
		e.qdevicePollTimerSet = false
	}
	e.nodes[e.myNodeID].flags &^= uint32(wire.FlagQDeviceRegistered) | uint32(wire.FlagQDeviceAlive) | uint32(wire.FlagQDeviceCastVote)
	e.mu.Unlock()
	e.recalculate()
	return nil
}

// QDevicePoll is the local qdevice connector's liveness/vote poll,
// satisfied against the current sync ring id. Each poll (re)arms a
// QDeviceTimeout timer; silence past that deadline clears QDEVICE_ALIVE
// and QDEVICE_CAST_VOTE and re-multicasts NODEINFO (spec §5).
func (e *Engine) QDevicePoll(name string, castVote bool, ringID wire.RingID) error {
	e.mu.Lock()
	if e.qdeviceName != name {
		e.mu.Unlock()
		return ErrInvalidParam
	}
	if !ringID.Equal(e.ringID) {
		e.mu.Unlock()
		return ErrMessageError
	}
	e.qdeviceAlive = true
	e.qdevicePollSeen = true
	my := e.nodes[e.myNodeID]
	my.flags |= uint32(wire.FlagQDeviceAlive)
	if castVote {
		my.flags |= uint32(wire.FlagQDeviceCastVote)
	} else {
		my.flags &^= uint32(wire.FlagQDeviceCastVote)
	}
	if e.qdevicePollTimerSet {
		e.timers.Delete(e.qdevicePollTimer)
	}
	timeout := e.cfg.QDeviceTimeout
	e.mu.Unlock()

	h := e.timers.AddDuration(timeout, nil, func(any) { e.qdevicePollTimeout() })
	e.mu.Lock()
	e.qdevicePollTimer = h
	e.qdevicePollTimerSet = true
	e.mu.Unlock()

	e.recalculate()
	return nil
}

// qdevicePollTimeout fires when no QDevicePoll arrives within QDeviceTimeout
// of the previous one, withdrawing the qdevice's liveness and cast vote.
func (e *Engine) qdevicePollTimeout() {
	e.mu.Lock()
	e.qdevicePollTimerSet = false
	e.qdeviceAlive = false
	my, ok := e.nodes[e.myNodeID]
	var info wire.NodeInfo
	if ok {
		my.flags &^= uint32(wire.FlagQDeviceAlive) | uint32(wire.FlagQDeviceCastVote)
		info = wire.NodeInfo{NodeID: e.myNodeID, Votes: my.votes, ExpectedVotes: my.expectedVotes, Flags: my.flags}
	}
	e.mu.Unlock()

	if ok {
		if err := e.mcastNodeInfo(info); err != nil && e.logger != nil {
			e.logger.Warn("votequorum: failed to re-multicast NODEINFO after qdevice poll timeout", zap.Error(err))
		}
	}
	e.recalculate()
}

// QDeviceMasterWins toggles whether this node's qdevice vote wins ties.
func (e *Engine) QDeviceMasterWins(name string, allow bool) error {
	e.mu.Lock()
	if !e.cfg.QDeviceEnabled {
		e.mu.Unlock()
		return ErrAccess
	}
	if allow {
		e.nodes[e.myNodeID].flags |= uint32(wire.FlagQDeviceMasterWins)
	} else {
		e.nodes[e.myNodeID].flags &^= uint32(wire.FlagQDeviceMasterWins)
	}
	e.mu.Unlock()
	e.recalculate()
	return nil
}

// --- Last-man-standing (spec §4.3 LMS policy) ---

// reconsiderLMS re-evaluates the stabilization window against the current
// membership size, called after every sync activation.
func (e *Engine) reconsiderLMS() {
	e.mu.Lock()
	current := len(e.memberList)
	armedAtCount := e.lmsLastMembers
	e.lmsLastMembers = current
	quorate := e.quorate
	e.mu.Unlock()

	if armedAtCount != 0 && current < armedAtCount && quorate {
		e.armLMSTimer(current)
	} else if current >= armedAtCount {
		e.disarmLMSTimer()
	}
}

func (e *Engine) armLMSTimer(targetMembers int) {
	e.mu.Lock()
	if e.lmsTimerSet {
		e.timers.Delete(e.lmsTimer)
	}
	window := e.cfg.LastManStandingWindow
	e.mu.Unlock()

	h := e.timers.AddDuration(window, nil, func(any) { e.fireLMS(targetMembers) })
	e.mu.Lock()
	e.lmsTimer = h
	e.lmsTimerSet = true
	e.mu.Unlock()
}

func (e *Engine) disarmLMSTimer() {
	e.mu.Lock()
	if e.lmsTimerSet {
		e.timers.Delete(e.lmsTimer)
		e.lmsTimerSet = false
	}
	e.mu.Unlock()
}

// fireLMS reduces expected votes to the current total if membership is
// still at targetMembers and quorate when the stabilization window elapses.
func (e *Engine) fireLMS(targetMembers int) {
	e.mu.Lock()
	e.lmsTimerSet = false
	stillStable := e.quorate && len(e.memberList) == targetMembers
	var newExpected, oldExpected uint32
	if stillStable {
		total, _, _ := e.computeRaw()
		my := e.nodes[e.myNodeID]
		oldExpected = my.expectedVotes
		if total > 0 && total < oldExpected {
			newExpected = total
		}
	}
	e.mu.Unlock()

	if newExpected == 0 || newExpected == oldExpected {
		return
	}
	if err := e.applyReconfigure(wire.Reconfigure{NodeID: e.myNodeID, Value: newExpected, Param: wire.ReconfigExpectedVotes}); err != nil {
		if e.logger != nil {
			e.logger.Warn("votequorum: last-man-standing expected-votes reduction failed to propagate", zap.Error(err))
		}
		return
	}
	e.forceBarrier(newExpected)
}

// --- Wire multicast helpers ---

func (e *Engine) mcastNodeInfo(info wire.NodeInfo) error {
	body := info.Encode()
	h := wire.Header{ServiceID: wire.ServiceVotequorum, FunctionID: wire.FuncNodeInfo, Size: uint32(len(body)), Order: wire.HostOrderTag}
	return e.adapter.Mcast([][]byte{h.Encode(), body}, totem.GuaranteeAgreed)
}

func (e *Engine) mcastReconfigure(msg wire.Reconfigure) error {
	body := msg.Encode()
	h := wire.Header{ServiceID: wire.ServiceVotequorum, FunctionID: wire.FuncReconfigure, Size: uint32(len(body)), Order: wire.HostOrderTag}
	return e.adapter.Mcast([][]byte{h.Encode(), body}, totem.GuaranteeAgreed)
}

func (e *Engine) mcastQDeviceReg(op wire.QDeviceOp, name string) error {
	body := wire.QDeviceReg{Op: op, Name: name}.Encode()
	h := wire.Header{ServiceID: wire.ServiceVotequorum, FunctionID: wire.FuncQDeviceReg, Size: uint32(len(body)), Order: wire.HostOrderTag}
	return e.adapter.Mcast([][]byte{h.Encode(), body}, totem.GuaranteeAgreed)
}

// --- Exec dispatch handlers ---

func (e *Engine) handleNodeInfo(sender wire.NodeID, frame wire.Frame) error {
	msg, err := wire.DecodeNodeInfo(frame.Body, byteOrderOf(frame.Header.Order))
	if err != nil {
		return err
	}
	if frame.Header.NeedsConvert() {
		msg.ConvertEndian()
	}

	e.mu.Lock()
	n, ok := e.nodes[msg.NodeID]
	if !ok {
		n = &clusterNode{nodeID: msg.NodeID}
		e.nodes[msg.NodeID] = n
	}
	n.state = NodeMember
	n.votes = msg.Votes
	n.expectedVotes = msg.ExpectedVotes
	n.flags = msg.Flags
	e.mu.Unlock()

	e.maybeUpdateBarrier(msg.ExpectedVotes)
	e.recalculate()
	return nil
}

func (e *Engine) handleReconfigure(sender wire.NodeID, frame wire.Frame) error {
	msg, err := wire.DecodeReconfigure(frame.Body, byteOrderOf(frame.Header.Order))
	if err != nil {
		return err
	}
	if frame.Header.NeedsConvert() {
		msg.ConvertEndian()
	}
	e.handleReconfigureMsg(msg)
	return nil
}

func (e *Engine) handleReconfigureMsg(msg wire.Reconfigure) {
	e.mu.Lock()
	switch msg.Param {
	case wire.ReconfigExpectedVotes:
		if n, ok := e.nodes[msg.NodeID]; ok {
			n.expectedVotes = msg.Value
		}
	case wire.ReconfigNodeVotes:
		if n, ok := e.nodes[msg.NodeID]; ok {
			n.votes = msg.Value
		}
	case wire.ReconfigCancelWFA:
		e.wfaArmed = false
		if my, ok := e.nodes[e.myNodeID]; ok {
			my.flags &^= uint32(wire.FlagWFAStatus)
		}
	}
	e.mu.Unlock()

	if msg.Param == wire.ReconfigExpectedVotes {
		e.maybeUpdateBarrier(msg.Value)
	}
	e.recalculate()
}

func (e *Engine) handleQDeviceReg(sender wire.NodeID, frame wire.Frame) error {
	msg, err := wire.DecodeQDeviceReg(frame.Body)
	if err != nil {
		return err
	}
	e.mu.Lock()
	switch msg.Op {
	case wire.QDeviceOpRegister:
		if sender == e.myNodeID {
			// already applied locally at QDeviceRegister time.
			e.mu.Unlock()
			return nil
		}
	case wire.QDeviceOpUnregister:
		if sender == e.myNodeID {
			e.mu.Unlock()
			return nil
		}
	}
	e.mu.Unlock()
	return nil
}

func (e *Engine) handleQDeviceReconfigure(sender wire.NodeID, frame wire.Frame) error {
	msg, err := wire.DecodeQDeviceReconfigure(frame.Body)
	if err != nil {
		return err
	}
	e.mu.Lock()
	if e.qdeviceName == msg.OldName {
		e.qdeviceName = msg.NewName
	}
	e.mu.Unlock()
	return nil
}

// --- Quorum computation (spec §4.3 "Quorum computation") ---

// computeRaw returns (total_votes, highest_expected, quorum) without
// applying WFA/ATB/qdevice overrides — used by GetInfo to report the
// underlying numbers even while an override is suppressing quorate-ness.
func (e *Engine) computeRaw() (total, highest, q uint32) {
	memberCount := 0
	for _, n := range e.nodes {
		if n.state != NodeMember {
			continue
		}
		total += n.votes
		memberCount++
		expected := n.expectedVotes
		if n.nodeID == e.myNodeID && expected < e.evBarrier {
			expected = e.evBarrier
		}
		if expected > highest {
			highest = expected
		}
	}
	if my := e.nodes[e.myNodeID]; my != nil && wire.FlagQDeviceCastVote.Has(my.flags) {
		total += e.cfg.QDeviceVotes
	}
	q = maxU32((highest+2)/2, (total+2)/2)
	if e.cfg.TwoNode && memberCount <= 2 {
		q = 1
	}
	return total, highest, q
}

func (e *Engine) recalculate() {
	e.mu.Lock()

	total, highest, q := e.computeRaw()
	quorate := total >= q

	my := e.nodes[e.myNodeID]
	if e.wfaArmed {
		if total != my.expectedVotes {
			quorate = false
		} else {
			e.wfaArmed = false
			my.flags &^= uint32(wire.FlagWFAStatus)
		}
	}

	if e.cfg.AutoTieBreaker && total == highest/2 {
		quorate = e.applyATBLocked()
	}

	if !quorate {
		for _, n := range e.nodes {
			if n.state == NodeMember && wire.FlagQDeviceCastVote.Has(n.flags) && wire.FlagQDeviceMasterWins.Has(n.flags) {
				quorate = true
				break
			}
		}
	}

	changed := quorate != e.quorate
	e.quorate = quorate
	if quorate {
		my.flags |= uint32(wire.FlagQuorate)
	} else {
		my.flags &^= uint32(wire.FlagQuorate)
	}

	var snapshot []NodeInfo
	if changed {
		snapshot = e.snapshotLocked(total, highest, q)
	}
	trackers := make([]*tracker, 0, len(e.trackers))
	for _, t := range e.trackers {
		trackers = append(trackers, t)
	}
	ringID := e.ringID
	ledger := e.ledger
	e.mu.Unlock()

	if changed {
		if e.facade != nil {
			e.facade.NotifyQuorateChange(quorate)
		}
		for _, t := range trackers {
			t.fn(quorate, snapshot)
		}
		if ledger != nil {
			if err := ledger.AppendTransition(quorate, ringID, total, q); err != nil && e.logger != nil {
				e.logger.Error("votequorum: failed to append quorum-transition ledger entry", zap.Error(err))
			}
		}
	}
}

func (e *Engine) snapshotLocked(total, highest, q uint32) []NodeInfo {
	out := make([]NodeInfo, 0, len(e.nodes))
	for _, n := range e.nodes {
		out = append(out, NodeInfo{
			NodeID: n.nodeID, State: n.state, Votes: n.votes, ExpectedVotes: n.expectedVotes,
			HighestExpected: highest, TotalVotes: total, Quorum: q, Flags: n.flags,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out
}

// applyATBLocked implements spec §4.3 step 6. Must be called with e.mu held.
func (e *Engine) applyATBLocked() bool {
	switch e.cfg.ATBMode {
	case ATBLowest:
		return containsNode(e.memberList, e.extremeEverMemberLocked(true))
	case ATBHighest:
		return containsNode(e.memberList, e.extremeEverMemberLocked(false))
	case ATBList:
		for _, id := range e.cfg.ATBNodeList {
			if containsNode(e.memberList, id) {
				return true
			}
			if containsNode(e.transList, id) {
				// An earlier-listed node was on the other side of the
				// split; defer to it rather than assert quorum we can't
				// prove alone (see DESIGN.md's Open Question decision).
				return false
			}
		}
		return false
	default:
		return false
	}
}

func (e *Engine) extremeEverMemberLocked(lowest bool) wire.NodeID {
	var extreme wire.NodeID
	first := true
	for id := range e.nodes {
		if first || (lowest && id < extreme) || (!lowest && id > extreme) {
			extreme = id
			first = false
		}
	}
	return extreme
}

func (e *Engine) maybeUpdateBarrier(expected uint32) {
	if !e.cfg.ExpectedVotesTracking {
		return
	}
	e.mu.Lock()
	if expected <= e.evBarrier {
		e.mu.Unlock()
		return
	}
	e.evBarrier = expected
	e.mu.Unlock()
	if err := e.store.Save(expected); err != nil && e.logger != nil {
		e.logger.Error("votequorum: failed to persist expected-votes barrier", zap.Error(err), zap.Uint32("value", expected))
	}
}

// forceBarrier sets the expected-votes barrier unconditionally, including
// downward, for the two sanctioned explicit-override paths: an operator's
// SetExpected under AllowDownscale, and an automatic last-man-standing
// reduction.
func (e *Engine) forceBarrier(value uint32) {
	if !e.cfg.ExpectedVotesTracking {
		return
	}
	e.mu.Lock()
	if value == e.evBarrier {
		e.mu.Unlock()
		return
	}
	e.evBarrier = value
	e.mu.Unlock()
	if err := e.store.Save(value); err != nil && e.logger != nil {
		e.logger.Error("votequorum: failed to persist expected-votes barrier override", zap.Error(err), zap.Uint32("value", value))
	}
}

func containsNode(list []wire.NodeID, id wire.NodeID) bool {
	for _, v := range list {
		if v == id {
			return true
		}
	}
	return false
}

func maxU32(a, b uint32) uint32 {
	if a > b {
		return a
	}
	return b
}

func byteOrderOf(t wire.OrderTag) binary.ByteOrder {
	if t == wire.OrderBigEndian {
		return binary.BigEndian
	}
	return binary.LittleEndian
}
