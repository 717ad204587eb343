// Package main — cmd/vqsim/main.go
//
// vqsim is the informative CLI test harness (spec §6): an interactive
// driver over internal/totem/simnet that lets an operator script
// partition/heal/qdevice scenarios against real Votequorum/CPG/SYNC
// engines without a network.
//
// Commands (one per line on stdin):
//
//	up <part>:<ids>          attach/move the comma-separated node ids into partition <part>
//	down <ids>               isolate the comma-separated node ids into their own partitions
//	move <part>:<ids>...     place each part:ids group in turn as up does (one view change per group)
//	join <p1> <p2>...        merge the named partitions into one
//	qdevice on|off <ids>     register/unregister a synthetic qdevice on the named node ids
//	autofence on|off         exit 1 the moment any node observes non-quorate
//	timeout <ms>             bound how long "assert on" waits for convergence
//	sync on|off              auto-pump the network after every state change (default on)
//	assert on|off            after each pump, fail loudly if live nodes in one
//	                         partition disagree on quorate-ness
//	show                     print per-node state
//	exit                     quit
//
// Exit codes: 0 clean, 1 autofenced, 2 assertion-timeout.
package main

import (
	"bufio"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/clusterkit/qcored/internal/cpg"
	"github.com/clusterkit/qcored/internal/quorum"
	"github.com/clusterkit/qcored/internal/service"
	"github.com/clusterkit/qcored/internal/sync"
	"github.com/clusterkit/qcored/internal/timer"
	"github.com/clusterkit/qcored/internal/totem"
	"github.com/clusterkit/qcored/internal/totem/simnet"
	"github.com/clusterkit/qcored/internal/votequorum"
	"github.com/clusterkit/qcored/internal/wire"
)

type simNode struct {
	id       wire.NodeID
	node     *simnet.Node
	facade   *quorum.Facade
	registry *service.Registry
	vq       *votequorum.Engine
	cpg      *cpg.Engine
	sync     *sync.Engine
}

// sim owns the whole scripted cluster: the simulated medium, every
// attached node, and the harness's own toggles.
type sim struct {
	log           *zap.Logger
	net           *simnet.Network
	nodes         map[wire.NodeID]*simNode
	expectedVotes uint32

	autofence bool
	autoSync  bool
	assertOn  bool
	timeout   time.Duration

	exitCode int
}

func main() {
	expectedVotes := 0
	flagArgs := os.Args[1:]
	for i := 0; i < len(flagArgs); i++ {
		if flagArgs[i] == "-expected" && i+1 < len(flagArgs) {
			expectedVotes, _ = strconv.Atoi(flagArgs[i+1])
		}
	}
	if expectedVotes <= 0 {
		expectedVotes = 3
	}

	s := &sim{
		log:           zap.NewNop(),
		net:           simnet.NewNetwork(),
		nodes:         make(map[wire.NodeID]*simNode),
		expectedVotes: uint32(expectedVotes),
		autoSync:      true,
		timeout:       time.Second,
	}

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if !s.dispatch(line) {
			break
		}
	}
	os.Exit(s.exitCode)
}

func (s *sim) dispatch(line string) bool {
	fields := strings.Fields(line)
	cmd := fields[0]
	args := fields[1:]

	switch cmd {
	case "up":
		for _, group := range args {
			s.up(group)
		}
	case "down":
		for _, group := range args {
			s.down(group)
		}
	case "move":
		for _, group := range args {
			s.up(group)
		}
	case "join":
		s.join(args)
	case "qdevice":
		if len(args) >= 2 {
			s.qdevice(args[0], args[1])
		}
	case "autofence":
		if len(args) >= 1 {
			s.autofence = args[0] == "on"
		}
	case "timeout":
		if len(args) >= 1 {
			if ms, err := strconv.Atoi(args[0]); err == nil {
				s.timeout = time.Duration(ms) * time.Millisecond
			}
		}
	case "sync":
		if len(args) >= 1 {
			s.autoSync = args[0] == "on"
		}
	case "assert":
		if len(args) >= 1 {
			s.assertOn = args[0] == "on"
		}
	case "show":
		s.show()
	case "exit":
		return false
	default:
		fmt.Fprintf(os.Stderr, "vqsim: unknown command %q\n", cmd)
	}

	if s.autoSync {
		s.net.Pump()
		s.afterPump()
	}
	return s.exitCode == 0
}

// ensureNode attaches a fresh simNode if id hasn't been seen before.
func (s *sim) ensureNode(id wire.NodeID) *simNode {
	if n, ok := s.nodes[id]; ok {
		return n
	}
	node := s.net.AttachNode(id, wire.HostOrderTag)
	facade := quorum.New(s.log)
	timers := timer.New(nil)
	registry := service.NewRegistry()

	vqCfg := votequorum.DefaultConfig()
	vqCfg.ExpectedVotesDefault = s.expectedVotes
	vq := votequorum.New(id, vqCfg, node, timers, facade, votequorum.NoopBarrierStore{}, s.log)
	facade.Initialize(vq)
	_ = registry.Register(vq)

	cpgEng := cpg.New(id, node, facade, s.log)
	_ = registry.Register(cpgEng)

	syncEng, err := sync.New(node, registry, timers, facade, s.log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "vqsim: node %d sync init: %v\n", id, err)
		os.Exit(1)
	}
	node.OnViewChange(func(transList, memberList []wire.NodeID, ringID wire.RingID) {
		syncEng.SaveTransitional(memberList, ringID)
		_ = syncEng.Start(memberList, ringID)
	})
	_ = node.GroupsInitialize("", dispatchFrame(registry))
	_ = node.GroupsJoin("")

	sn := &simNode{id: id, node: node, facade: facade, registry: registry, vq: vq, cpg: cpgEng, sync: syncEng}
	s.nodes[id] = sn
	return sn
}

func dispatchFrame(registry *service.Registry) totem.RecvFunc {
	return func(sender wire.NodeID, data []byte, order wire.OrderTag) {
		if len(data) < wire.HeaderSize {
			return
		}
		header, err := wire.DecodeHeader(data[:wire.HeaderSize])
		if err != nil {
			return
		}
		frame := wire.Frame{Header: header, Body: data[wire.HeaderSize:]}
		_ = registry.Dispatch(sender, frame)
	}
}

// currentPartitions snapshots part id -> member ids for every node
// currently attached.
func (s *sim) currentPartitions() map[int][]wire.NodeID {
	parts := make(map[int][]wire.NodeID)
	for id := range s.nodes {
		p := s.net.Partition(id)
		parts[p] = append(parts[p], id)
	}
	return parts
}

// up attaches (if new) and places the ids in "<part>:<id>,<id>..." into
// partition part, leaving every other node's partition untouched.
func (s *sim) up(group string) {
	part, ids, err := parsePartGroup(group)
	if err != nil {
		fmt.Fprintf(os.Stderr, "vqsim: %v\n", err)
		return
	}
	for _, id := range ids {
		s.ensureNode(id)
	}
	parts := s.currentPartitions()
	for _, id := range ids {
		for p, members := range parts {
			parts[p] = removeID(members, id)
		}
	}
	parts[part] = append(parts[part], ids...)
	s.net.SetPartition(parts)
}

// down isolates every id in the comma-separated list into its own
// single-member partition, simulating a hard link failure to every peer.
func (s *sim) down(group string) {
	ids, err := parseIDList(group)
	if err != nil {
		fmt.Fprintf(os.Stderr, "vqsim: %v\n", err)
		return
	}
	parts := s.currentPartitions()
	for _, id := range ids {
		s.ensureNode(id)
		for p, members := range parts {
			parts[p] = removeID(members, id)
		}
		parts[isolationPartition(id)] = []wire.NodeID{id}
	}
	s.net.SetPartition(parts)
}

// join merges every named partition's members into the lowest-numbered
// one among them.
func (s *sim) join(partArgs []string) {
	if len(partArgs) == 0 {
		return
	}
	var names []int
	for _, a := range partArgs {
		p, err := strconv.Atoi(a)
		if err != nil {
			fmt.Fprintf(os.Stderr, "vqsim: join: bad partition id %q\n", a)
			return
		}
		names = append(names, p)
	}
	sort.Ints(names)
	target := names[0]

	parts := s.currentPartitions()
	var merged []wire.NodeID
	for _, p := range names {
		merged = append(merged, parts[p]...)
		delete(parts, p)
	}
	parts[target] = merged
	s.net.SetPartition(parts)
}

// qdevice registers or unregisters a synthetic quorum device named
// "qdeviceN" (N the node id) on every listed node, casting a
// vote for the target's current ring immediately on "on".
func (s *sim) qdevice(onOff, idList string) {
	ids, err := parseIDList(idList)
	if err != nil {
		fmt.Fprintf(os.Stderr, "vqsim: %v\n", err)
		return
	}
	for _, id := range ids {
		n, ok := s.nodes[id]
		if !ok {
			continue
		}
		name := fmt.Sprintf("qdevice%d", id)
		switch onOff {
		case "on":
			if err := n.vq.QDeviceRegister(name); err != nil {
				fmt.Fprintf(os.Stderr, "vqsim: node %d qdevice register: %v\n", id, err)
				continue
			}
			info, err := n.vq.GetInfo(nil)
			if err == nil {
				_ = n.vq.QDevicePoll(name, true, wire.RingID{Rep: id, Seq: uint64(info.Votes)})
			}
		case "off":
			_ = n.vq.QDeviceUnregister(name)
		}
	}
}

// afterPump runs the harness's own post-convergence checks: autofence and
// assert. Both read engine state that only settles once the queued
// view-change/SYNC traffic has fully drained.
func (s *sim) afterPump() {
	if s.autofence {
		for id, n := range s.nodes {
			if !n.vq.IsQuorate() {
				fmt.Fprintf(os.Stderr, "vqsim: node %d non-quorate — autofencing\n", id)
				s.exitCode = 1
				return
			}
		}
	}
	if s.assertOn {
		deadline := time.Now().Add(s.timeout)
		for {
			if s.partitionsAgree() {
				return
			}
			if time.Now().After(deadline) {
				fmt.Fprintln(os.Stderr, "vqsim: assertion timeout — partition members disagree on quorate-ness")
				s.exitCode = 2
				return
			}
			s.net.Pump()
		}
	}
}

// partitionsAgree reports whether every member of each simnet partition
// currently reports the same quorate-ness.
func (s *sim) partitionsAgree() bool {
	byPart := s.currentPartitions()
	for _, ids := range byPart {
		var first bool
		var set bool
		for _, id := range ids {
			n, ok := s.nodes[id]
			if !ok {
				continue
			}
			q := n.vq.IsQuorate()
			if !set {
				first, set = q, true
				continue
			}
			if q != first {
				return false
			}
		}
	}
	return true
}

func (s *sim) show() {
	ids := make([]wire.NodeID, 0, len(s.nodes))
	for id := range s.nodes {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	fmt.Printf("%-6s %-6s %-10s %-6s %-10s %-8s\n", "node", "part", "quorate", "votes", "expected", "quorum")
	for _, id := range ids {
		n := s.nodes[id]
		info, err := n.vq.GetInfo(nil)
		if err != nil {
			fmt.Printf("%-6d error: %v\n", id, err)
			continue
		}
		fmt.Printf("%-6d %-6d %-10v %-6d %-10d %-8d\n",
			id, s.net.Partition(id), n.vq.IsQuorate(), info.Votes, info.ExpectedVotes, info.Quorum)
	}
}

func isolationPartition(id wire.NodeID) int {
	return 1_000_000 + int(id)
}

func removeID(ids []wire.NodeID, target wire.NodeID) []wire.NodeID {
	out := ids[:0]
	for _, id := range ids {
		if id != target {
			out = append(out, id)
		}
	}
	return out
}

// parsePartGroup parses "<part>:<id>,<id>,...".
func parsePartGroup(s string) (int, []wire.NodeID, error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return 0, nil, fmt.Errorf("expected <part>:<ids>, got %q", s)
	}
	part, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, nil, fmt.Errorf("bad partition id %q: %w", parts[0], err)
	}
	ids, err := parseIDList(parts[1])
	if err != nil {
		return 0, nil, err
	}
	return part, ids, nil
}

// parseIDList parses a comma-separated list of node ids.
func parseIDList(s string) ([]wire.NodeID, error) {
	fields := strings.Split(s, ",")
	ids := make([]wire.NodeID, 0, len(fields))
	for _, f := range fields {
		v, err := strconv.ParseUint(strings.TrimSpace(f), 10, 32)
		if err != nil {
			return nil, fmt.Errorf("bad node id %q: %w", f, err)
		}
		ids = append(ids, wire.NodeID(v))
	}
	return ids, nil
}
