package votequorum

import (
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/clusterkit/qcored/internal/quorum"
	"github.com/clusterkit/qcored/internal/timer"
	"github.com/clusterkit/qcored/internal/totem/simnet"
	"github.com/clusterkit/qcored/internal/wire"
)

// wireEngine hooks eng's exec handlers up to node's default group, mimicking
// what the production service.Registry dispatch would do for a single
// registered engine, without pulling in the full SYNC engine.
func wireEngine(t *testing.T, node *simnet.Node, eng *Engine) {
	t.Helper()
	handlers := eng.ExecHandlers()
	recv := func(sender wire.NodeID, data []byte, order wire.OrderTag) {
		if len(data) < wire.HeaderSize {
			return
		}
		header, err := wire.DecodeHeader(data[:wire.HeaderSize])
		if err != nil || header.ServiceID != wire.ServiceVotequorum {
			return
		}
		h, ok := handlers[header.FunctionID]
		if !ok {
			return
		}
		if err := h(sender, wire.Frame{Header: header, Body: data[wire.HeaderSize:]}); err != nil {
			t.Errorf("exec handler for function %d: %v", header.FunctionID, err)
		}
	}
	if err := node.GroupsInitialize("", recv); err != nil {
		t.Fatalf("GroupsInitialize: %v", err)
	}
	if err := node.GroupsJoin(""); err != nil {
		t.Fatalf("GroupsJoin: %v", err)
	}
}

type harness struct {
	net     *simnet.Network
	engines map[wire.NodeID]*Engine
}

func newHarness(t *testing.T, ids []wire.NodeID, cfg Config) *harness {
	t.Helper()
	h, _, _ := newHarnessWithStores(t, ids, cfg, timer.New(time.Now), nil)
	return h
}

// newHarnessWithStores builds a harness sharing a single timer.Core (so
// tests can drive fake time with Expire) and, when stores is non-nil, a
// per-node BarrierStore instead of NoopBarrierStore{}.
func newHarnessWithStores(t *testing.T, ids []wire.NodeID, cfg Config, timers *timer.Core, stores map[wire.NodeID]BarrierStore) (*harness, *timer.Core, map[wire.NodeID]*Engine) {
	t.Helper()
	net := simnet.NewNetwork()
	engines := make(map[wire.NodeID]*Engine)
	for _, id := range ids {
		node := net.AttachNode(id, wire.HostOrderTag)
		facade := quorum.New(zap.NewNop())
		facade.OnFatalHandler(func(ev quorum.FatalEvent) { t.Errorf("unexpected fatal event: %+v", ev) })
		var store BarrierStore = NoopBarrierStore{}
		if stores != nil {
			store = stores[id]
		}
		eng := New(id, cfg, node, timers, facade, store, zap.NewNop())
		wireEngine(t, node, eng)
		engines[id] = eng
	}
	return &harness{net: net, engines: engines}, timers, engines
}

// memBarrierStore is an in-memory BarrierStore fake for tests exercising
// ev_barrier persistence, unlike NoopBarrierStore which always loads 0.
type memBarrierStore struct{ v uint32 }

func (s *memBarrierStore) Load() (uint32, error) { return s.v, nil }
func (s *memBarrierStore) Save(v uint32) error   { s.v = v; return nil }

func (h *harness) sync(t *testing.T, ids []wire.NodeID, ring wire.RingID) {
	t.Helper()
	for _, id := range ids {
		if err := h.engines[id].SyncInit(ids, ids, ring); err != nil {
			t.Fatalf("node %d sync_init: %v", id, err)
		}
	}
	for i := 0; i < 10; i++ {
		allDone := true
		for _, id := range ids {
			done, err := h.engines[id].SyncProcess()
			if err != nil {
				t.Fatalf("node %d sync_process: %v", id, err)
			}
			if !done {
				allDone = false
			}
		}
		h.net.Pump()
		if allDone {
			break
		}
	}
	for _, id := range ids {
		if err := h.engines[id].SyncActivate(); err != nil {
			t.Fatalf("node %d sync_activate: %v", id, err)
		}
	}
}

func TestEngine_SingleNode_QuorateByDefault(t *testing.T) {
	h := newHarness(t, []wire.NodeID{1}, DefaultConfig())
	if !h.engines[1].IsQuorate() {
		t.Error("expected a lone node to be quorate with default config")
	}
}

func TestEngine_TwoNode_BothQuorateAfterSync(t *testing.T) {
	ids := []wire.NodeID{1, 2}
	cfg := DefaultConfig()
	cfg.TwoNode = true
	h := newHarness(t, ids, cfg)

	h.sync(t, ids, wire.RingID{Rep: 1, Seq: 1})

	for _, id := range ids {
		if !h.engines[id].IsQuorate() {
			t.Errorf("node %d: expected quorate under two_node after exchanging NODEINFO", id)
		}
		info, err := h.engines[id].GetInfo(nil)
		if err != nil {
			t.Fatalf("node %d GetInfo: %v", id, err)
		}
		if info.TotalVotes != 2 {
			t.Errorf("node %d: expected total votes 2, got %d", id, info.TotalVotes)
		}
	}
}

func TestEngine_ThreeNode_MinorityPartitionNotQuorate(t *testing.T) {
	ids := []wire.NodeID{1, 2, 3}
	h := newHarness(t, ids, DefaultConfig())
	h.sync(t, ids, wire.RingID{Rep: 1, Seq: 1})

	for _, id := range ids {
		if !h.engines[id].IsQuorate() {
			t.Fatalf("node %d: expected quorate with full 3-node membership", id)
		}
	}

	// Node 3 drops out; nodes 1,2 re-run SYNC as the surviving majority.
	majority := []wire.NodeID{1, 2}
	h.sync(t, majority, wire.RingID{Rep: 1, Seq: 2})

	for _, id := range majority {
		if !h.engines[id].IsQuorate() {
			t.Errorf("node %d: expected the 2-of-3 survivor set to remain quorate", id)
		}
	}
}

func TestEngine_WaitForAll_BlocksUntilExpectedVotesSeen(t *testing.T) {
	ids := []wire.NodeID{1, 2}
	cfg := DefaultConfig()
	cfg.WaitForAll = true
	cfg.ExpectedVotesDefault = 2
	h := newHarness(t, ids, cfg)

	if h.engines[1].IsQuorate() {
		t.Fatal("expected WFA-armed node to start non-quorate")
	}

	h.sync(t, ids, wire.RingID{Rep: 1, Seq: 1})

	for _, id := range ids {
		if !h.engines[id].IsQuorate() {
			t.Errorf("node %d: expected WFA to disarm once all expected votes were observed", id)
		}
	}
}

func TestEngine_SetExpected_PropagatesViaReconfigure(t *testing.T) {
	ids := []wire.NodeID{1, 2}
	h := newHarness(t, ids, DefaultConfig())
	h.sync(t, ids, wire.RingID{Rep: 1, Seq: 1})

	if err := h.engines[1].SetExpected(5); err != nil {
		t.Fatalf("SetExpected: %v", err)
	}
	h.net.Pump()

	info, err := h.engines[2].GetInfo(&ids[0])
	if err != nil {
		t.Fatalf("node 2 GetInfo(node 1): %v", err)
	}
	if info.ExpectedVotes != 5 {
		t.Errorf("expected node 2's view of node 1's expected votes to be 5, got %d", info.ExpectedVotes)
	}
}

func TestEngine_SetVotes_UnknownNode_ReturnsErrNameNotFound(t *testing.T) {
	h := newHarness(t, []wire.NodeID{1}, DefaultConfig())
	if err := h.engines[1].SetVotes(99, 3); err != ErrNameNotFound {
		t.Errorf("expected ErrNameNotFound, got %v", err)
	}
}

func TestEngine_QDeviceRegister_DisabledReturnsErrAccess(t *testing.T) {
	h := newHarness(t, []wire.NodeID{1}, DefaultConfig())
	if err := h.engines[1].QDeviceRegister("qdev0"); err != ErrAccess {
		t.Errorf("expected ErrAccess when qdevice is disabled, got %v", err)
	}
}

func TestEngine_QDeviceRegisterAndPoll_CastsVote(t *testing.T) {
	ids := []wire.NodeID{1}
	cfg := DefaultConfig()
	cfg.QDeviceEnabled = true
	cfg.QDeviceVotes = 1
	h := newHarness(t, ids, cfg)

	if err := h.engines[1].QDeviceRegister("qdev0"); err != nil {
		t.Fatalf("QDeviceRegister: %v", err)
	}
	h.net.Pump()

	h.sync(t, ids, wire.RingID{Rep: 1, Seq: 1})

	if err := h.engines[1].QDevicePoll("qdev0", true, wire.RingID{Rep: 1, Seq: 1}); err != nil {
		t.Fatalf("QDevicePoll: %v", err)
	}

	info, err := h.engines[1].GetInfo(nil)
	if err != nil {
		t.Fatalf("GetInfo: %v", err)
	}
	if info.TotalVotes != 2 {
		t.Errorf("expected qdevice's cast vote to add 1 to total votes (got %d)", info.TotalVotes)
	}
}

func TestEngine_QDevicePoll_WrongRingID_ReturnsErrMessageError(t *testing.T) {
	h := newHarness(t, []wire.NodeID{1}, func() Config {
		c := DefaultConfig()
		c.QDeviceEnabled = true
		return c
	}())
	if err := h.engines[1].QDeviceRegister("qdev0"); err != nil {
		t.Fatalf("QDeviceRegister: %v", err)
	}
	h.net.Pump()
	err := h.engines[1].QDevicePoll("qdev0", true, wire.RingID{Rep: 99, Seq: 99})
	if err != ErrMessageError {
		t.Errorf("expected ErrMessageError for a stale ring id, got %v", err)
	}
}

func TestEngine_TrackStart_NotifiedOnQuorateChange(t *testing.T) {
	ids := []wire.NodeID{1, 2}
	cfg := DefaultConfig()
	cfg.WaitForAll = true
	cfg.ExpectedVotesDefault = 2
	h := newHarness(t, ids, cfg)

	var mu sync.Mutex
	var notified bool
	if err := h.engines[1].TrackStart(1, 0, func(quorate bool, nodes []NodeInfo) {
		mu.Lock()
		notified = notified || quorate
		mu.Unlock()
	}); err != nil {
		t.Fatalf("TrackStart: %v", err)
	}
	if err := h.engines[1].TrackStart(1, 0, func(bool, []NodeInfo) {}); err != ErrExist {
		t.Errorf("expected ErrExist on duplicate TrackStart, got %v", err)
	}

	h.sync(t, ids, wire.RingID{Rep: 1, Seq: 1})

	mu.Lock()
	got := notified
	mu.Unlock()
	if !got {
		t.Error("expected tracker callback to fire once the cluster became quorate")
	}
}

func TestEngine_TrackStop_UnknownCtx_ReturnsErrNotExist(t *testing.T) {
	h := newHarness(t, []wire.NodeID{1}, DefaultConfig())
	if err := h.engines[1].TrackStop(42); err != ErrNotExist {
		t.Errorf("expected ErrNotExist, got %v", err)
	}
}

func TestEngine_WaitForAll_ClearsWFAStatusFlagOnDisarm(t *testing.T) {
	ids := []wire.NodeID{1, 2}
	cfg := DefaultConfig()
	cfg.WaitForAll = true
	cfg.ExpectedVotesDefault = 2
	h := newHarness(t, ids, cfg)

	before, err := h.engines[1].GetInfo(nil)
	if err != nil {
		t.Fatalf("GetInfo before sync: %v", err)
	}
	if !wire.FlagWFAStatus.Has(before.Flags) {
		t.Fatal("expected WFASTATUS set on a WFA-armed node before all votes are seen")
	}

	h.sync(t, ids, wire.RingID{Rep: 1, Seq: 1})

	after, err := h.engines[1].GetInfo(nil)
	if err != nil {
		t.Fatalf("GetInfo after sync: %v", err)
	}
	if wire.FlagWFAStatus.Has(after.Flags) {
		t.Error("expected WFASTATUS cleared once WFA disarmed after seeing all expected votes")
	}
}

func TestEngine_CancelWaitForAll_ClearsWFAStatusFlag(t *testing.T) {
	ids := []wire.NodeID{1, 2}
	cfg := DefaultConfig()
	cfg.WaitForAll = true
	cfg.ExpectedVotesDefault = 2
	h := newHarness(t, ids, cfg)

	if err := h.engines[1].CancelWaitForAll(); err != nil {
		t.Fatalf("CancelWaitForAll: %v", err)
	}
	h.net.Pump()

	info, err := h.engines[1].GetInfo(nil)
	if err != nil {
		t.Fatalf("GetInfo: %v", err)
	}
	if wire.FlagWFAStatus.Has(info.Flags) {
		t.Error("expected WFASTATUS cleared after an explicit CancelWaitForAll")
	}
}

func TestEngine_EvBarrier_FloorsHighestExpected(t *testing.T) {
	ids := []wire.NodeID{1}
	cfg := DefaultConfig()
	cfg.ExpectedVotesTracking = true
	cfg.ExpectedVotesDefault = 1
	store := &memBarrierStore{v: 5}
	h, _, _ := newHarnessWithStores(t, ids, cfg, timer.New(time.Now), map[wire.NodeID]BarrierStore{1: store})

	info, err := h.engines[1].GetInfo(nil)
	if err != nil {
		t.Fatalf("GetInfo: %v", err)
	}
	if info.HighestExpected != 5 {
		t.Errorf("HighestExpected = %d, want the persisted ev_barrier (5) to floor the node's own expected_votes (1)", info.HighestExpected)
	}
}

func TestEngine_SetExpected_RejectsDownscaleBelowBarrierByDefault(t *testing.T) {
	ids := []wire.NodeID{1}
	cfg := DefaultConfig()
	cfg.ExpectedVotesTracking = true
	store := &memBarrierStore{}
	h, _, _ := newHarnessWithStores(t, ids, cfg, timer.New(time.Now), map[wire.NodeID]BarrierStore{1: store})

	if err := h.engines[1].SetExpected(10); err != nil {
		t.Fatalf("SetExpected(10): %v", err)
	}
	if err := h.engines[1].SetExpected(3); err != ErrInvalidParam {
		t.Errorf("SetExpected(3) after barrier raised to 10 = %v, want ErrInvalidParam", err)
	}
}

func TestEngine_SetExpected_AllowDownscalePermitsLoweringBarrier(t *testing.T) {
	ids := []wire.NodeID{1}
	cfg := DefaultConfig()
	cfg.ExpectedVotesTracking = true
	cfg.AllowDownscale = true
	store := &memBarrierStore{}
	h, _, _ := newHarnessWithStores(t, ids, cfg, timer.New(time.Now), map[wire.NodeID]BarrierStore{1: store})

	if err := h.engines[1].SetExpected(10); err != nil {
		t.Fatalf("SetExpected(10): %v", err)
	}
	if err := h.engines[1].SetExpected(3); err != nil {
		t.Fatalf("SetExpected(3) with AllowDownscale: %v", err)
	}
	if store.v != 3 {
		t.Errorf("persisted barrier = %d, want 3 after an explicit allow-downscale override", store.v)
	}

	info, err := h.engines[1].GetInfo(nil)
	if err != nil {
		t.Fatalf("GetInfo: %v", err)
	}
	if info.HighestExpected != 3 {
		t.Errorf("HighestExpected = %d, want 3 once the barrier itself was lowered", info.HighestExpected)
	}
}

func TestEngine_LastManStanding_ReducesExpectedVotesAfterStabilizationWindow(t *testing.T) {
	ids := []wire.NodeID{1, 2, 3}
	cfg := DefaultConfig()
	cfg.LastManStanding = true
	cfg.LastManStandingWindow = 10 * time.Second
	cfg.ExpectedVotesTracking = true
	cfg.ExpectedVotesDefault = 3

	now := time.Unix(0, 0)
	timers := timer.New(func() time.Time { return now })
	stores := map[wire.NodeID]BarrierStore{1: &memBarrierStore{}, 2: &memBarrierStore{}, 3: &memBarrierStore{}}
	h, _, _ := newHarnessWithStores(t, ids, cfg, timers, stores)

	h.sync(t, ids, wire.RingID{Rep: 1, Seq: 1})
	for _, id := range ids {
		if !h.engines[id].IsQuorate() {
			t.Fatalf("node %d: expected quorate with full 3-node membership", id)
		}
	}

	survivors := []wire.NodeID{1, 2}
	h.sync(t, survivors, wire.RingID{Rep: 1, Seq: 2})
	for _, id := range survivors {
		if !h.engines[id].IsQuorate() {
			t.Fatalf("node %d: expected the 2-of-3 survivor set to stay quorate", id)
		}
	}

	now = now.Add(cfg.LastManStandingWindow)
	timers.Expire()
	h.net.Pump()

	info, err := h.engines[1].GetInfo(nil)
	if err != nil {
		t.Fatalf("GetInfo: %v", err)
	}
	if info.ExpectedVotes != 2 {
		t.Errorf("node 1 expected_votes = %d, want 2 after last-man-standing reduced it to the surviving vote total", info.ExpectedVotes)
	}
}

func TestEngine_QDevicePollTimeout_ClearsFlagsAndRemulticasts(t *testing.T) {
	ids := []wire.NodeID{1, 2}
	cfg := DefaultConfig()
	cfg.QDeviceEnabled = true
	cfg.QDeviceTimeout = 10 * time.Second

	now := time.Unix(0, 0)
	timers := timer.New(func() time.Time { return now })
	h, _, _ := newHarnessWithStores(t, ids, cfg, timers, nil)

	h.sync(t, ids, wire.RingID{Rep: 1, Seq: 1})

	if err := h.engines[1].QDeviceRegister("qdev0"); err != nil {
		t.Fatalf("QDeviceRegister: %v", err)
	}
	h.net.Pump()
	if err := h.engines[1].QDevicePoll("qdev0", true, wire.RingID{Rep: 1, Seq: 1}); err != nil {
		t.Fatalf("QDevicePoll: %v", err)
	}
	h.net.Pump()

	info, err := h.engines[1].GetInfo(nil)
	if err != nil {
		t.Fatalf("GetInfo: %v", err)
	}
	if !wire.FlagQDeviceAlive.Has(info.Flags) || !wire.FlagQDeviceCastVote.Has(info.Flags) {
		t.Fatalf("expected QDEVICE_ALIVE|QDEVICE_CAST_VOTE set right after a poll, got flags=%#x", info.Flags)
	}

	now = now.Add(cfg.QDeviceTimeout)
	timers.Expire()
	h.net.Pump()

	info, err = h.engines[1].GetInfo(nil)
	if err != nil {
		t.Fatalf("GetInfo after timeout: %v", err)
	}
	if wire.FlagQDeviceAlive.Has(info.Flags) || wire.FlagQDeviceCastVote.Has(info.Flags) {
		t.Errorf("expected QDEVICE_ALIVE|QDEVICE_CAST_VOTE cleared after qdevice_timeout of silence, got flags=%#x", info.Flags)
	}

	peerView, err := h.engines[2].GetInfo(&ids[0])
	if err != nil {
		t.Fatalf("node 2 GetInfo(node 1): %v", err)
	}
	if wire.FlagQDeviceAlive.Has(peerView.Flags) {
		t.Error("expected the re-multicast NODEINFO to propagate the cleared QDEVICE_ALIVE flag to node 2")
	}
}
