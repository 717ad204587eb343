// Package simnet is an in-process, deterministic totem.Adapter used by
// unit tests and cmd/vqsim. It has no network stack: every node lives in
// the same process and Mcast/partition changes enqueue delivery work onto
// a single FIFO the caller drains with Pump, so tests can drive exact
// scenarios (partition, heal, node loss) without timing flakiness and
// without a sender's own Mcast call reentering a peer that hasn't yet
// reacted to the same view change.
//
// Grounded on the teacher's in-memory gossip fanout (internal/gossip/
// server.go's broadcast loop delivers to a fixed peer slice in index
// order); simnet replaces "broadcast immediately" with "enqueue, then
// drain in registration order" to get the same determinism without
// synchronous reentrancy.
package simnet

import (
	"fmt"
	"sort"
	"sync"

	"github.com/clusterkit/qcored/internal/totem"
	"github.com/clusterkit/qcored/internal/wire"
)

// Network is the shared simulated medium a set of Nodes attach to.
type Network struct {
	mu         sync.Mutex
	nodes      map[wire.NodeID]*Node
	partitions map[wire.NodeID]int // node id -> partition id
	ringSeq    uint64

	qmu   sync.Mutex
	queue []func()
}

// NewNetwork creates an empty simulated network. Every node starts in
// partition 0 (one fully connected cluster) once attached.
func NewNetwork() *Network {
	return &Network{
		nodes:      make(map[wire.NodeID]*Node),
		partitions: make(map[wire.NodeID]int),
	}
}

func (n *Network) enqueue(fn func()) {
	n.qmu.Lock()
	n.queue = append(n.queue, fn)
	n.qmu.Unlock()
}

// Pump drains every queued delivery (Mcasts and view-change notices) in
// FIFO order, including deliveries enqueued as a side effect of earlier
// ones, until the queue runs dry. Tests call this after Start/SetPartition
// to advance the simulated cluster to quiescence.
func (n *Network) Pump() {
	for {
		n.qmu.Lock()
		if len(n.queue) == 0 {
			n.qmu.Unlock()
			return
		}
		fn := n.queue[0]
		n.queue = n.queue[1:]
		n.qmu.Unlock()
		fn()
	}
}

// Node is one simulated cluster member's totem.Adapter.
type Node struct {
	net   *Network
	id    wire.NodeID
	order wire.OrderTag

	mu     sync.Mutex
	groups map[string]totem.RecvFunc
	joined map[string]bool
	onView totem.ViewChangeFunc
	member []wire.NodeID
	ring   wire.RingID
}

// AttachNode creates a Node for id and adds it to the network's partition 0.
// order is handed to receivers as the RecvFunc order argument for every
// frame this node sends; the frame bytes, including the OrderTag in their
// header, are delivered exactly as the sending engine encoded them.
func (n *Network) AttachNode(id wire.NodeID, order wire.OrderTag) *Node {
	n.mu.Lock()
	defer n.mu.Unlock()
	node := &Node{
		net:    n,
		id:     id,
		order:  order,
		groups: make(map[string]totem.RecvFunc),
		joined: make(map[string]bool),
	}
	n.nodes[id] = node
	n.partitions[id] = 0
	return node
}

var _ totem.Adapter = (*Node)(nil)

func (nd *Node) MyNodeID() wire.NodeID { return nd.id }
func (nd *Node) MyFamily() string      { return "simnet" }
func (nd *Node) IfaceString(id wire.NodeID) string {
	return fmt.Sprintf("simnet:%d", id)
}

func (nd *Node) GroupsInitialize(group string, recv totem.RecvFunc) error {
	nd.mu.Lock()
	defer nd.mu.Unlock()
	nd.groups[group] = recv
	return nil
}

func (nd *Node) GroupsJoin(group string) error {
	nd.mu.Lock()
	defer nd.mu.Unlock()
	if _, ok := nd.groups[group]; !ok {
		return fmt.Errorf("simnet: node %d: join %q before initialize", nd.id, group)
	}
	nd.joined[group] = true
	return nil
}

func (nd *Node) OnViewChange(fn totem.ViewChangeFunc) {
	nd.mu.Lock()
	defer nd.mu.Unlock()
	nd.onView = fn
}

// mcastToGroup snapshots the sender's current partition and the recipient
// byte buffer immediately, but defers actual delivery to the network's
// queue so a chain of Mcast calls triggered by view changes or by other
// deliveries resolves breadth-first, in the order they were issued.
func (nd *Node) mcastToGroup(group string, iov [][]byte, _ totem.Guarantee) error {
	nd.net.mu.Lock()
	part := nd.net.partitions[nd.id]
	var targets []*Node
	for id, p := range nd.net.partitions {
		if p == part {
			targets = append(targets, nd.net.nodes[id])
		}
	}
	nd.net.mu.Unlock()

	sort.Slice(targets, func(i, j int) bool { return targets[i].id < targets[j].id })

	var buf []byte
	for _, chunk := range iov {
		buf = append(buf, chunk...)
	}

	sender := nd.id
	order := nd.order
	nd.net.enqueue(func() {
		for _, t := range targets {
			t.mu.Lock()
			joined := t.joined[group]
			recv := t.groups[group]
			t.mu.Unlock()
			if !joined || recv == nil {
				continue
			}
			recv(sender, buf, order)
		}
	})
	return nil
}

// Mcast implements totem.Adapter.Mcast for the default group "" — engines
// that need named groups (CPG) use MulticastGroup directly via a type
// assertion, mirroring how the spec keeps CPG's named groups orthogonal
// to the single-group SYNC/VOTEQUORUM traffic.
func (nd *Node) Mcast(iov [][]byte, guarantee totem.Guarantee) error {
	return nd.mcastToGroup("", iov, guarantee)
}

// MulticastGroup sends iov to a specific named group, for callers (CPG)
// that are not content with the default unnamed group.
func (nd *Node) MulticastGroup(group string, iov [][]byte, guarantee totem.Guarantee) error {
	return nd.mcastToGroup(group, iov, guarantee)
}

// SetPartition repartitions the network: parts maps an arbitrary
// partition id to the member node ids in it. Every node not mentioned
// keeps its previous partition. The ring sequence advances once, and every
// attached node, moved or not, has its view-change callback enqueued with
// the transitional list (old ring-mates also present in the new
// partition), the new member list, and the new ring id.
// Call Pump after SetPartition to actually deliver the notices (and
// whatever SYNC traffic those callbacks trigger).
func (n *Network) SetPartition(parts map[int][]wire.NodeID) {
	n.mu.Lock()

	oldPartitions := make(map[wire.NodeID]int, len(n.partitions))
	for k, v := range n.partitions {
		oldPartitions[k] = v
	}

	newPartitionOf := make(map[wire.NodeID]int)
	for pid, members := range parts {
		for _, id := range members {
			newPartitionOf[id] = pid
		}
	}
	for id, pid := range oldPartitions {
		if _, reassigned := newPartitionOf[id]; !reassigned {
			newPartitionOf[id] = pid
		}
	}
	n.partitions = newPartitionOf

	membersByPartition := make(map[int][]wire.NodeID)
	for id, pid := range newPartitionOf {
		membersByPartition[pid] = append(membersByPartition[pid], id)
	}
	for pid := range membersByPartition {
		sort.Slice(membersByPartition[pid], func(i, j int) bool {
			return membersByPartition[pid][i] < membersByPartition[pid][j]
		})
	}

	n.ringSeq++
	seq := n.ringSeq

	type notice struct {
		node       *Node
		transList  []wire.NodeID
		memberList []wire.NodeID
		ring       wire.RingID
	}
	var notices []notice

	for _, members := range membersByPartition {
		rep := members[0]
		ring := wire.RingID{Rep: rep, Seq: seq}
		for _, id := range members {
			node := n.nodes[id]
			if node == nil {
				continue
			}
			var trans []wire.NodeID
			for _, prevMate := range node.member {
				for _, m := range members {
					if m == prevMate {
						trans = append(trans, prevMate)
						break
					}
				}
			}
			notices = append(notices, notice{node: node, transList: trans, memberList: members, ring: ring})
		}
	}
	n.mu.Unlock()

	for _, no := range notices {
		no := no
		no.node.mu.Lock()
		no.node.member = no.memberList
		no.node.ring = no.ring
		cb := no.node.onView
		no.node.mu.Unlock()
		if cb != nil {
			n.enqueue(func() { cb(no.transList, no.memberList, no.ring) })
		}
	}
}

// Partition returns id's current partition number.
func (n *Network) Partition(id wire.NodeID) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.partitions[id]
}
