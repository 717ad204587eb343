package cpg

import (
	"sync"
	"testing"

	"go.uber.org/zap"

	"github.com/clusterkit/qcored/internal/quorum"
	"github.com/clusterkit/qcored/internal/totem/simnet"
	"github.com/clusterkit/qcored/internal/wire"
)

func wireEngine(t *testing.T, node *simnet.Node, eng *Engine) {
	t.Helper()
	handlers := eng.ExecHandlers()
	recv := func(sender wire.NodeID, data []byte, order wire.OrderTag) {
		if len(data) < wire.HeaderSize {
			return
		}
		header, err := wire.DecodeHeader(data[:wire.HeaderSize])
		if err != nil || header.ServiceID != wire.ServiceCPG {
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

func newHarness(t *testing.T, ids []wire.NodeID) *harness {
	t.Helper()
	net := simnet.NewNetwork()
	engines := make(map[wire.NodeID]*Engine)
	for _, id := range ids {
		node := net.AttachNode(id, wire.HostOrderTag)
		facade := quorum.New(zap.NewNop())
		facade.OnFatalHandler(func(ev quorum.FatalEvent) { t.Errorf("unexpected fatal event: %+v", ev) })
		eng := New(id, node, facade, zap.NewNop())
		wireEngine(t, node, eng)
		engines[id] = eng
	}
	return &harness{net: net, engines: engines}
}

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

func TestEngine_Join_UnjoinedToJoinStarted(t *testing.T) {
	h := newHarness(t, []wire.NodeID{1})
	handle, err := h.engines[1].Join("g1", 100, nil, nil)
	if err != nil {
		t.Fatalf("Join: %v", err)
	}
	st, err := h.engines[1].State(handle)
	if err != nil {
		t.Fatalf("State: %v", err)
	}
	if st != "JOIN_STARTED" {
		t.Errorf("expected JOIN_STARTED immediately after Join, got %s", st)
	}
}

func TestEngine_Join_Duplicate_ReturnsErrExist(t *testing.T) {
	h := newHarness(t, []wire.NodeID{1})
	if _, err := h.engines[1].Join("g1", 100, nil, nil); err != nil {
		t.Fatalf("first Join: %v", err)
	}
	if _, err := h.engines[1].Join("g1", 100, nil, nil); err != ErrExist {
		t.Errorf("expected ErrExist on duplicate (group,pid) join, got %v", err)
	}
}

func TestEngine_Leave_Unjoined_ReturnsErrNotExist(t *testing.T) {
	h := newHarness(t, []wire.NodeID{1})
	if err := h.engines[1].Leave(Handle(999)); err != ErrNotExist {
		t.Errorf("expected ErrNotExist leaving an unknown handle, got %v", err)
	}
}

func TestEngine_Mcast_BeforeJoin_ReturnsErrNotExist(t *testing.T) {
	h := newHarness(t, []wire.NodeID{1})
	if err := h.engines[1].Mcast(Handle(999), []byte("hi")); err != ErrNotExist {
		t.Errorf("expected ErrNotExist mcasting on an unknown handle, got %v", err)
	}
}

func TestEngine_SyncRound_CompletesLocalJoin(t *testing.T) {
	ids := []wire.NodeID{1}
	h := newHarness(t, ids)
	handle, err := h.engines[1].Join("g1", 100, nil, nil)
	if err != nil {
		t.Fatalf("Join: %v", err)
	}
	h.net.Pump()

	h.sync(t, ids, wire.RingID{Rep: 1, Seq: 1})

	st, err := h.engines[1].State(handle)
	if err != nil {
		t.Fatalf("State: %v", err)
	}
	if st != "JOIN_COMPLETED" {
		t.Errorf("expected JOIN_COMPLETED after a SYNC round observed the self PROCJOIN, got %s", st)
	}
}

func TestEngine_TwoNode_JoinPropagatesAndDelivers(t *testing.T) {
	ids := []wire.NodeID{1, 2}
	h := newHarness(t, ids)

	h1, err := h.engines[1].Join("g1", 100, nil, nil)
	if err != nil {
		t.Fatalf("node 1 Join: %v", err)
	}
	h.net.Pump()

	var mu sync.Mutex
	var delivered []byte
	h2, err := h.engines[2].Join("g1", 200, func(group string, senderNode wire.NodeID, senderPID uint32, payload []byte, frag wire.FragType) {
		mu.Lock()
		delivered = append([]byte(nil), payload...)
		mu.Unlock()
	}, nil)
	if err != nil {
		t.Fatalf("node 2 Join: %v", err)
	}
	h.net.Pump()

	h.sync(t, ids, wire.RingID{Rep: 1, Seq: 1})

	st1, _ := h.engines[1].State(h1)
	st2, _ := h.engines[2].State(h2)
	if st1 != "JOIN_COMPLETED" || st2 != "JOIN_COMPLETED" {
		t.Fatalf("expected both descriptors JOIN_COMPLETED after SYNC, got node1=%s node2=%s", st1, st2)
	}

	if err := h.engines[1].Mcast(h1, []byte("hello")); err != nil {
		t.Fatalf("Mcast: %v", err)
	}
	h.net.Pump()

	mu.Lock()
	got := string(delivered)
	mu.Unlock()
	if got != "hello" {
		t.Errorf("expected node 2 to receive the mcast payload, got %q", got)
	}
}

func TestEngine_Leave_ThenSync_ReturnsToUnjoined(t *testing.T) {
	ids := []wire.NodeID{1}
	h := newHarness(t, ids)
	handle, err := h.engines[1].Join("g1", 100, nil, nil)
	if err != nil {
		t.Fatalf("Join: %v", err)
	}
	h.net.Pump()
	h.sync(t, ids, wire.RingID{Rep: 1, Seq: 1})

	if err := h.engines[1].Leave(handle); err != nil {
		t.Fatalf("Leave: %v", err)
	}
	h.net.Pump()
	h.sync(t, ids, wire.RingID{Rep: 1, Seq: 2})

	st, err := h.engines[1].State(handle)
	if err != nil {
		t.Fatalf("State: %v", err)
	}
	if st != "UNJOINED" {
		t.Errorf("expected UNJOINED after a PROCLEAVE round, got %s", st)
	}
}

func TestEngine_Downlist_RemovesDepartedNodeGroupMembers(t *testing.T) {
	ids := []wire.NodeID{1, 2}
	h := newHarness(t, ids)

	if _, err := h.engines[1].Join("g1", 100, nil, nil); err != nil {
		t.Fatalf("node 1 Join: %v", err)
	}
	if _, err := h.engines[2].Join("g1", 200, nil, nil); err != nil {
		t.Fatalf("node 2 Join: %v", err)
	}
	h.net.Pump()
	h.sync(t, ids, wire.RingID{Rep: 1, Seq: 1})

	if got := len(h.engines[1].IterationSnapshot("g1")); got != 2 {
		t.Fatalf("expected 2 group members before node 2 departs, got %d", got)
	}

	// Node 2 drops out of the ring; node 1 runs SYNC alone and should
	// reconcile g1's membership down to just itself via the DOWNLIST phase.
	survivor := []wire.NodeID{1}
	h.engines[1].SyncInit(survivor, survivor, wire.RingID{Rep: 1, Seq: 2})
	for i := 0; i < 10; i++ {
		done, err := h.engines[1].SyncProcess()
		if err != nil {
			t.Fatalf("sync_process: %v", err)
		}
		h.net.Pump()
		if done {
			break
		}
	}
	if err := h.engines[1].SyncActivate(); err != nil {
		t.Fatalf("sync_activate: %v", err)
	}

	members := h.engines[1].IterationSnapshot("g1")
	if len(members) != 1 || members[0].NodeID != 1 {
		t.Errorf("expected only node 1's entry to survive the downlist reconciliation, got %+v", members)
	}
}

func TestEngine_ZCB_AllocExecuteFree(t *testing.T) {
	h := newHarness(t, []wire.NodeID{1})
	eng := h.engines[1]

	if _, err := eng.ZCBAlloc("block0", 64); err != nil {
		t.Fatalf("ZCBAlloc: %v", err)
	}
	addr := []byte{1, 2, 3, 4}
	if err := eng.ZCBExecute("block0", addr); err != nil {
		t.Fatalf("ZCBExecute: %v", err)
	}
	region, err := eng.ZCBAlloc("block0", 64)
	if err != nil {
		t.Fatalf("re-ZCBAlloc: %v", err)
	}
	if region[0] != 1 || region[1] != 2 || region[2] != 3 || region[3] != 4 {
		t.Errorf("expected the executed server address to survive re-alloc, got %v", region[:4])
	}
	if err := eng.ZCBFree("block0"); err != nil {
		t.Fatalf("ZCBFree: %v", err)
	}
	if err := eng.ZCBFree("block0"); err != ErrNotExist {
		t.Errorf("expected ErrNotExist freeing an already-freed block, got %v", err)
	}
}

func TestEngine_Reassemble_ThreeFragments(t *testing.T) {
	h := newHarness(t, []wire.NodeID{1})
	eng := h.engines[1]

	if _, done := eng.Reassemble("g1", 2, 9, wire.FragFirst, 9, []byte("abc")); done {
		t.Fatal("did not expect completion on FragFirst")
	}
	if _, done := eng.Reassemble("g1", 2, 9, wire.FragContinued, 9, []byte("def")); done {
		t.Fatal("did not expect completion on FragContinued")
	}
	whole, done := eng.Reassemble("g1", 2, 9, wire.FragLast, 9, []byte("ghi"))
	if !done {
		t.Fatal("expected completion on FragLast")
	}
	if string(whole) != "abcdefghi" {
		t.Errorf("expected reassembled payload %q, got %q", "abcdefghi", whole)
	}
}
