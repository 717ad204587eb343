// Package grpcnet is the production totem.Adapter: a full-mesh gRPC
// transport carrying already wire.Header-encoded service frames between
// nodes, grounded on the gossip layer's mTLS server/dial pattern
// (internal/gossip/server.go) and extended with the sequencer-based
// total-order mcast scheme simnet gets for free from its single
// in-process queue.
//
// Every configured peer is dialed at startup and on every health-probe
// recovery, in both directions, so each ordered pair ends up with two
// independent client streams (one per dial direction). Total order is
// achieved by designating the numerically lowest live node id as
// sequencer: every other node forwards its Mcast payloads to the
// sequencer's inbound stream instead of broadcasting them itself, and the
// sequencer stamps a monotonically increasing sequence number before
// rebroadcasting to every peer that has an open stream to it. A node
// delivers a payload locally only when it arrives carrying a nonzero
// sequence number — i.e. only once the sequencer has ordered it.
package grpcnet

import (
	"context"
	"fmt"
	"io"
	"net"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/clusterkit/qcored/internal/totem"
	"github.com/clusterkit/qcored/internal/totem/grpcnet/gossippb"
	"github.com/clusterkit/qcored/internal/wire"
)

// PeerConfig names one other ring member's dial address.
type PeerConfig struct {
	NodeID wire.NodeID
	Addr   string
}

// Config parameterizes a grpcnet Adapter. Peers should list every other
// ring member known at startup; nodes discovered later only arrive via
// an operator restarting this node with an updated Peers list — dynamic
// peer discovery is out of scope.
type Config struct {
	NodeID         wire.NodeID
	ListenAddr     string
	Peers          []PeerConfig
	TLS            *TLSConfig
	HealthInterval time.Duration
	HealthTimeout  time.Duration
	Logger         *zap.Logger
}

// Adapter implements totem.Adapter over a full mesh of gRPC connections.
type Adapter struct {
	cfg    Config
	logger *zap.Logger

	mu     sync.Mutex
	groups map[string]totem.RecvFunc
	joined map[string]bool
	onView totem.ViewChangeFunc

	connMu   sync.Mutex
	conns    map[wire.NodeID]*grpc.ClientConn
	outbound map[wire.NodeID]gossippb.TotemGossip_GossipClient
	inbound  map[wire.NodeID]gossippb.TotemGossip_GossipServer

	viewMu sync.Mutex
	alive  map[wire.NodeID]bool
	member []wire.NodeID
	ring   wire.RingID

	seqMu   sync.Mutex
	nextSeq uint64

	grpcServer *grpc.Server
	stopCh     chan struct{}
	wg         sync.WaitGroup
}

var _ totem.Adapter = (*Adapter)(nil)

// New starts the gRPC server, dials every configured peer (failures are
// logged and retried by the health loop rather than failing startup —
// a ring should come up even if peers aren't listening yet), and begins
// periodic health probing.
func New(cfg Config) (*Adapter, error) {
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = 2 * time.Second
	}
	if cfg.HealthTimeout <= 0 {
		cfg.HealthTimeout = time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &Adapter{
		cfg:      cfg,
		logger:   logger,
		groups:   make(map[string]totem.RecvFunc),
		joined:   make(map[string]bool),
		conns:    make(map[wire.NodeID]*grpc.ClientConn),
		outbound: make(map[wire.NodeID]gossippb.TotemGossip_GossipClient),
		inbound:  make(map[wire.NodeID]gossippb.TotemGossip_GossipServer),
		alive:    map[wire.NodeID]bool{cfg.NodeID: true},
		member:   []wire.NodeID{cfg.NodeID},
		ring:     wire.RingID{Rep: cfg.NodeID, Seq: 1},
		stopCh:   make(chan struct{}),
	}
	if err := a.startServer(); err != nil {
		return nil, err
	}
	for _, p := range cfg.Peers {
		if p.NodeID == cfg.NodeID {
			continue
		}
		if err := a.dialPeer(p); err != nil {
			a.logger.Warn("grpcnet: initial dial failed, will retry via health probing",
				zap.Uint32("peer", uint32(p.NodeID)), zap.Error(err))
			a.alive[p.NodeID] = false
			continue
		}
		a.alive[p.NodeID] = true
	}
	a.wg.Add(1)
	go a.healthLoop()
	return a, nil
}

func (a *Adapter) startServer() error {
	var opts []grpc.ServerOption
	if a.cfg.TLS != nil {
		tlsCfg, err := buildServerTLS(*a.cfg.TLS)
		if err != nil {
			return err
		}
		opts = append(opts, grpc.Creds(credentials.NewTLS(tlsCfg)))
	} else {
		opts = append(opts, grpc.Creds(insecure.NewCredentials()))
	}
	a.grpcServer = grpc.NewServer(opts...)
	gossippb.RegisterTotemGossipServer(a.grpcServer, &gossipServer{a: a})

	lis, err := net.Listen("tcp", a.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("grpcnet: listen %s: %w", a.cfg.ListenAddr, err)
	}
	a.logger.Info("grpcnet: listening", zap.String("addr", a.cfg.ListenAddr), zap.Uint32("node_id", uint32(a.cfg.NodeID)))
	go func() {
		if err := a.grpcServer.Serve(lis); err != nil {
			a.logger.Debug("grpcnet: server stopped", zap.Error(err))
		}
	}()
	return nil
}

func (a *Adapter) dialPeer(p PeerConfig) error {
	var dialOpts []grpc.DialOption
	if a.cfg.TLS != nil {
		tlsCfg, err := buildClientTLS(*a.cfg.TLS)
		if err != nil {
			return err
		}
		dialOpts = append(dialOpts, grpc.WithTransportCredentials(credentials.NewTLS(tlsCfg)))
	} else {
		dialOpts = append(dialOpts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}
	dialCtx, cancelDial := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancelDial()
	conn, err := grpc.DialContext(dialCtx, p.Addr, append(dialOpts, grpc.WithBlock())...)
	if err != nil {
		return fmt.Errorf("grpcnet: dial %s: %w", p.Addr, err)
	}

	client := gossippb.NewTotemGossipClient(conn)
	streamCtx, cancel := context.WithCancel(context.Background())
	stream, err := client.Gossip(streamCtx)
	if err != nil {
		cancel()
		conn.Close()
		return fmt.Errorf("grpcnet: open gossip stream to %s: %w", p.Addr, err)
	}

	a.connMu.Lock()
	if old, ok := a.conns[p.NodeID]; ok {
		old.Close()
	}
	a.conns[p.NodeID] = conn
	a.outbound[p.NodeID] = stream
	a.connMu.Unlock()

	a.wg.Add(1)
	go a.readOutboundStream(p.NodeID, stream, cancel)
	return nil
}

func (a *Adapter) readOutboundStream(peerID wire.NodeID, stream gossippb.TotemGossip_GossipClient, cancel context.CancelFunc) {
	defer a.wg.Done()
	defer cancel()
	for {
		frame, err := stream.Recv()
		if err != nil {
			a.logger.Debug("grpcnet: outbound stream to peer closed", zap.Uint32("peer", uint32(peerID)), zap.Error(err))
			a.connMu.Lock()
			if a.outbound[peerID] == stream {
				// Drop the dead connection so the next health probe re-dials.
				delete(a.outbound, peerID)
				if c, ok := a.conns[peerID]; ok {
					c.Close()
					delete(a.conns, peerID)
				}
			}
			a.connMu.Unlock()
			a.markDead(peerID)
			return
		}
		a.onFrame(frame)
	}
}

func (a *Adapter) markDead(id wire.NodeID) {
	a.viewMu.Lock()
	was := a.alive[id]
	a.alive[id] = false
	a.viewMu.Unlock()
	if was {
		a.recomputeView()
	}
}

// gossipServer adapts Adapter to gossippb.TotemGossipServer.
type gossipServer struct {
	gossippb.UnimplementedTotemGossipServer
	a *Adapter
}

func (s *gossipServer) Join(ctx context.Context, req *gossippb.JoinRequest) (*gossippb.JoinResponse, error) {
	return &gossippb.JoinResponse{Accepted: true, Members: s.a.snapshotMembersInfo()}, nil
}

func (s *gossipServer) Health(ctx context.Context, req *gossippb.HealthRequest) (*gossippb.HealthResponse, error) {
	ring := s.a.currentRing()
	return &gossippb.HealthResponse{
		NodeID:  uint32(s.a.cfg.NodeID),
		Alive:   true,
		RingRep: uint32(ring.Rep),
		RingSeq: uint32(ring.Seq),
	}, nil
}

func (s *gossipServer) Gossip(stream gossippb.TotemGossip_GossipServer) error {
	for {
		frame, err := stream.Recv()
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		s.a.registerInbound(wire.NodeID(frame.FromNode), stream)
		s.a.onFrame(frame)
	}
}

func (a *Adapter) registerInbound(from wire.NodeID, stream gossippb.TotemGossip_GossipServer) {
	a.connMu.Lock()
	a.inbound[from] = stream
	a.connMu.Unlock()
}

func (a *Adapter) snapshotMembersInfo() []gossippb.MemberInfo {
	out := []gossippb.MemberInfo{{NodeID: uint32(a.cfg.NodeID), Addr: a.cfg.ListenAddr}}
	for _, p := range a.cfg.Peers {
		if p.NodeID == a.cfg.NodeID {
			continue
		}
		out = append(out, gossippb.MemberInfo{NodeID: uint32(p.NodeID), Addr: p.Addr})
	}
	return out
}

func (a *Adapter) currentRing() wire.RingID {
	a.viewMu.Lock()
	defer a.viewMu.Unlock()
	return a.ring
}

func (a *Adapter) currentSequencer() wire.NodeID {
	a.viewMu.Lock()
	defer a.viewMu.Unlock()
	if len(a.member) == 0 {
		return a.cfg.NodeID
	}
	return a.member[0]
}

// onFrame is the single entry point for every frame arriving over any
// stream, inbound or outbound. A nonzero Seq means some node has already
// stamped it as the sequencer; it is delivered as-is. A zero Seq is a raw
// submission, only acted on if this node currently believes itself to be
// the sequencer.
func (a *Adapter) onFrame(frame *gossippb.Frame) {
	if frame.Seq != 0 {
		a.deliverOrdered(frame)
		return
	}
	if a.currentSequencer() != a.cfg.NodeID {
		a.logger.Debug("grpcnet: dropping unsequenced submission, not currently sequencer",
			zap.Uint32("from", frame.FromNode))
		return
	}
	ordered := &gossippb.Frame{FromNode: frame.FromNode, Seq: a.assignSeq(), Payload: frame.Payload}
	a.deliverOrdered(ordered)
	a.broadcastOrdered(ordered)
}

func (a *Adapter) assignSeq() uint64 {
	a.seqMu.Lock()
	defer a.seqMu.Unlock()
	a.nextSeq++
	return a.nextSeq
}

func (a *Adapter) deliverOrdered(frame *gossippb.Frame) {
	a.mu.Lock()
	recv, ok := a.groups[""]
	joined := a.joined[""]
	a.mu.Unlock()
	if ok && joined {
		recv(wire.NodeID(frame.FromNode), frame.Payload, wire.HostOrderTag)
	}
}

func (a *Adapter) broadcastOrdered(frame *gossippb.Frame) {
	a.connMu.Lock()
	streams := make([]gossippb.TotemGossip_GossipServer, 0, len(a.inbound))
	for _, st := range a.inbound {
		streams = append(streams, st)
	}
	a.connMu.Unlock()
	for _, st := range streams {
		if err := st.Send(frame); err != nil {
			a.logger.Warn("grpcnet: broadcast send failed", zap.Error(err))
		}
	}
}

// Mcast implements totem.Adapter. Non-sequencer nodes forward to the
// sequencer's inbound stream rather than broadcasting directly.
func (a *Adapter) Mcast(iov [][]byte, guarantee totem.Guarantee) error {
	payload := concatIOV(iov)
	seqNode := a.currentSequencer()
	if seqNode == a.cfg.NodeID {
		frame := &gossippb.Frame{FromNode: uint32(a.cfg.NodeID), Seq: a.assignSeq(), Payload: payload}
		a.deliverOrdered(frame)
		a.broadcastOrdered(frame)
		return nil
	}
	a.connMu.Lock()
	stream, ok := a.outbound[seqNode]
	a.connMu.Unlock()
	if !ok {
		return fmt.Errorf("grpcnet: no connection to sequencer node %d", seqNode)
	}
	frame := &gossippb.Frame{FromNode: uint32(a.cfg.NodeID), Seq: 0, Payload: payload}
	if err := stream.Send(frame); err != nil {
		return fmt.Errorf("grpcnet: submit to sequencer %d: %w", seqNode, err)
	}
	return nil
}

func (a *Adapter) GroupsInitialize(group string, recv totem.RecvFunc) error {
	a.mu.Lock()
	a.groups[group] = recv
	a.mu.Unlock()
	return nil
}

func (a *Adapter) GroupsJoin(group string) error {
	a.mu.Lock()
	a.joined[group] = true
	a.mu.Unlock()
	return nil
}

func (a *Adapter) OnViewChange(fn totem.ViewChangeFunc) {
	a.mu.Lock()
	a.onView = fn
	a.mu.Unlock()
}

func (a *Adapter) MyNodeID() wire.NodeID { return a.cfg.NodeID }

func (a *Adapter) MyFamily() string { return "grpcnet" }

func (a *Adapter) IfaceString(id wire.NodeID) string {
	if id == a.cfg.NodeID {
		return a.cfg.ListenAddr
	}
	for _, p := range a.cfg.Peers {
		if p.NodeID == id {
			return p.Addr
		}
	}
	return "unknown"
}

func (a *Adapter) healthLoop() {
	defer a.wg.Done()
	ticker := time.NewTicker(a.cfg.HealthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-a.stopCh:
			return
		case <-ticker.C:
			a.probeAll()
		}
	}
}

func (a *Adapter) probeAll() {
	newAlive := map[wire.NodeID]bool{a.cfg.NodeID: true}
	for _, p := range a.cfg.Peers {
		if p.NodeID == a.cfg.NodeID {
			continue
		}
		newAlive[p.NodeID] = a.probeOne(p)
	}

	a.viewMu.Lock()
	changed := len(newAlive) != len(a.alive)
	if !changed {
		for id, was := range a.alive {
			if newAlive[id] != was {
				changed = true
				break
			}
		}
	}
	a.alive = newAlive
	a.viewMu.Unlock()

	if changed {
		a.recomputeView()
	}
}

func (a *Adapter) probeOne(p PeerConfig) bool {
	a.connMu.Lock()
	conn, ok := a.conns[p.NodeID]
	a.connMu.Unlock()
	if !ok {
		if err := a.dialPeer(p); err != nil {
			return false
		}
		a.connMu.Lock()
		conn = a.conns[p.NodeID]
		a.connMu.Unlock()
	}
	client := gossippb.NewTotemGossipClient(conn)
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.HealthTimeout)
	defer cancel()
	resp, err := client.Health(ctx, &gossippb.HealthRequest{NodeID: uint32(a.cfg.NodeID)})
	if err != nil {
		return false
	}
	return resp.Alive
}

func (a *Adapter) recomputeView() {
	a.viewMu.Lock()
	members := make([]wire.NodeID, 0, len(a.alive))
	for id, alive := range a.alive {
		if alive {
			members = append(members, id)
		}
	}
	sort.Slice(members, func(i, j int) bool { return members[i] < members[j] })
	old := a.member
	a.member = members
	newRing := wire.RingID{Seq: a.ring.Seq + 1}
	if len(members) > 0 {
		newRing.Rep = members[0]
	}
	a.ring = newRing
	a.viewMu.Unlock()

	a.mu.Lock()
	onView := a.onView
	a.mu.Unlock()
	if onView != nil {
		onView(old, members, newRing)
	}
}

// Close stops the health loop and server and tears down every peer
// connection. It does not block waiting for in-flight RPCs beyond
// GracefulStop's own drain.
func (a *Adapter) Close() error {
	close(a.stopCh)
	if a.grpcServer != nil {
		a.grpcServer.GracefulStop()
	}
	a.connMu.Lock()
	for _, c := range a.conns {
		c.Close()
	}
	a.connMu.Unlock()
	a.wg.Wait()
	return nil
}

func concatIOV(iov [][]byte) []byte {
	total := 0
	for _, b := range iov {
		total += len(b)
	}
	out := make([]byte, 0, total)
	for _, b := range iov {
		out = append(out, b...)
	}
	return out
}
