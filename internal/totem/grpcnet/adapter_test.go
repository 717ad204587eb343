package grpcnet

import (
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/clusterkit/qcored/internal/totem"
	"github.com/clusterkit/qcored/internal/wire"
)

func newTestAdapter(t *testing.T, id wire.NodeID, addr string, peers []PeerConfig) *Adapter {
	t.Helper()
	a, err := New(Config{
		NodeID:         id,
		ListenAddr:     addr,
		Peers:          peers,
		HealthInterval: 30 * time.Millisecond,
		HealthTimeout:  100 * time.Millisecond,
		Logger:         zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("New(node %d): %v", id, err)
	}
	t.Cleanup(func() { a.Close() })
	return a
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !cond() {
		t.Fatal("condition not met before timeout")
	}
}

func TestAdapter_TwoNode_SequencerMcastDelivers(t *testing.T) {
	peers1 := []PeerConfig{{NodeID: 1, Addr: "127.0.0.1:58901"}, {NodeID: 2, Addr: "127.0.0.1:58902"}}
	peers2 := []PeerConfig{{NodeID: 1, Addr: "127.0.0.1:58901"}, {NodeID: 2, Addr: "127.0.0.1:58902"}}

	a1 := newTestAdapter(t, 1, "127.0.0.1:58901", peers1)
	a2 := newTestAdapter(t, 2, "127.0.0.1:58902", peers2)

	var mu sync.Mutex
	var received []byte
	a1.GroupsInitialize("", func(sender wire.NodeID, data []byte, order wire.OrderTag) {})
	a1.GroupsJoin("")
	a2.GroupsInitialize("", func(sender wire.NodeID, data []byte, order wire.OrderTag) {
		mu.Lock()
		received = append([]byte(nil), data...)
		mu.Unlock()
	})
	a2.GroupsJoin("")

	// Node 1 has the lower id, so it is the sequencer once the mesh
	// stabilizes; wait for both sides to see each other as alive before
	// exercising Mcast so the outbound-to-sequencer stream exists.
	waitFor(t, 2*time.Second, func() bool { return a2.currentSequencer() == 1 })

	if err := a2.Mcast([][]byte{[]byte("hello")}, totem.GuaranteeAgreed); err != nil {
		t.Fatalf("Mcast from non-sequencer: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return string(received) == "hello"
	})
}

func TestAdapter_SelfSequencer_DeliversLocally(t *testing.T) {
	a1 := newTestAdapter(t, 1, "127.0.0.1:58903", nil)

	var mu sync.Mutex
	var received []byte
	a1.GroupsInitialize("", func(sender wire.NodeID, data []byte, order wire.OrderTag) {
		mu.Lock()
		received = append([]byte(nil), data...)
		mu.Unlock()
	})
	a1.GroupsJoin("")

	if err := a1.Mcast([][]byte{[]byte("solo")}, totem.GuaranteeAgreed); err != nil {
		t.Fatalf("Mcast: %v", err)
	}

	mu.Lock()
	got := string(received)
	mu.Unlock()
	if got != "solo" {
		t.Errorf("expected local delivery as sole member's own sequencer, got %q", got)
	}
}

func TestAdapter_IfaceString(t *testing.T) {
	a1 := newTestAdapter(t, 1, "127.0.0.1:58904", []PeerConfig{{NodeID: 2, Addr: "127.0.0.1:58905"}})
	if got := a1.IfaceString(1); got != "127.0.0.1:58904" {
		t.Errorf("expected self address, got %q", got)
	}
	if got := a1.IfaceString(2); got != "127.0.0.1:58905" {
		t.Errorf("expected peer address, got %q", got)
	}
	if got := a1.IfaceString(99); got != "unknown" {
		t.Errorf("expected unknown for unconfigured node, got %q", got)
	}
}
