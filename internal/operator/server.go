// Package operator — server.go
//
// Unix domain socket server for qcored operator overrides.
//
// Protocol: one JSON request, one newline-terminated JSON response, per
// connection.
// Socket path: /run/qcored/operator.sock (configurable).
// Permissions: 0600, owned by root. Only root can connect.
//
// Commands (JSON request → JSON response):
//
//	{"cmd":"getinfo","node_id":2}
//	  → Returns the votequorum view of a node (or the local node if
//	    node_id is omitted).
//	  → Response: {"ok":true,"node":{"node_id":2,"state":0,"votes":1,...}}
//
//	{"cmd":"setexpected","expected_votes":5}
//	  → Raises (or, with allow_downscale, lowers) expected_votes.
//	  → Response: {"ok":true}
//
//	{"cmd":"setvotes","node_id":2,"votes":2}
//	  → Reassigns a node's vote weight.
//	  → Response: {"ok":true}
//
//	{"cmd":"qdevice_register","name":"qdevice0"}
//	{"cmd":"qdevice_unregister","name":"qdevice0"}
//	{"cmd":"qdevice_poll","name":"qdevice0","cast_vote":true,"ring_rep":1,"ring_seq":4}
//	{"cmd":"qdevice_master_wins","name":"qdevice0","allow":true}
//	  → Mirror votequorum.Engine's QDevice* operations.
//
//	{"cmd":"cpg_members","group":"order-book"}
//	  → Returns the local replica's CPG membership snapshot for a group.
//	  → Response: {"ok":true,"members":[{"node_id":1,"pid":100},...]}
//
//	{"cmd":"ledger"}
//	  → Returns the quorum-transition audit ledger.
//	  → Response: {"ok":true,"ledger":[{"quorate":true,...},...]}
//
// Security:
//   - Socket is created with 0600 permissions; only root can connect.
//   - Each connection is handled in a separate goroutine.
//   - Max concurrent connections: 4 (operator use only, not high-throughput).
//   - Max request size: 4096 bytes (prevents memory exhaustion).
//   - Connection timeout: 10s read, 10s write.
package operator

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/clusterkit/qcored/internal/cpg"
	"github.com/clusterkit/qcored/internal/storage"
	"github.com/clusterkit/qcored/internal/votequorum"
	"github.com/clusterkit/qcored/internal/wire"
)

const (
	maxConcurrentConns = 4
	maxRequestBytes    = 4096
	connTimeout        = 10 * time.Second
)

// VoteQuorum is the subset of votequorum.Engine the operator server drives.
type VoteQuorum interface {
	GetInfo(id *wire.NodeID) (votequorum.NodeInfo, error)
	SetExpected(n uint32) error
	SetVotes(nodeID wire.NodeID, v uint32) error
	QDeviceRegister(name string) error
	QDeviceUnregister(name string) error
	QDevicePoll(name string, castVote bool, ringID wire.RingID) error
	QDeviceMasterWins(name string, allow bool) error
}

// CPG is the subset of cpg.Engine the operator server drives.
type CPG interface {
	IterationSnapshot(group string) []cpg.ProcessInfo
}

// Ledger is the subset of storage.DB the operator server drives.
type Ledger interface {
	ReadLedger() ([]storage.LedgerEntry, error)
}

// Request is the JSON structure for operator commands.
type Request struct {
	Cmd           string `json:"cmd"`
	NodeID        uint32 `json:"node_id,omitempty"`
	ExpectedVotes uint32 `json:"expected_votes,omitempty"`
	Votes         uint32 `json:"votes,omitempty"`
	Name          string `json:"name,omitempty"`
	CastVote      bool   `json:"cast_vote,omitempty"`
	RingRep       uint32 `json:"ring_rep,omitempty"`
	RingSeq       uint64 `json:"ring_seq,omitempty"`
	Allow         bool   `json:"allow,omitempty"`
	Group         string `json:"group,omitempty"`
}

// NodeInfoView is the JSON-serializable projection of votequorum.NodeInfo.
type NodeInfoView struct {
	NodeID          uint32 `json:"node_id"`
	State           int    `json:"state"`
	Votes           uint32 `json:"votes"`
	ExpectedVotes   uint32 `json:"expected_votes"`
	HighestExpected uint32 `json:"highest_expected"`
	TotalVotes      uint32 `json:"total_votes"`
	Quorum          uint32 `json:"quorum"`
	Flags           uint32 `json:"flags"`
	QDeviceVotes    uint32 `json:"qdevice_votes"`
	QDeviceName     string `json:"qdevice_name,omitempty"`
}

// CPGMemberView is the JSON-serializable projection of cpg.ProcessInfo.
type CPGMemberView struct {
	NodeID uint32 `json:"node_id"`
	PID    uint32 `json:"pid"`
}

// Response is the JSON structure for operator command responses.
type Response struct {
	OK      bool                  `json:"ok"`
	Error   string                `json:"error,omitempty"`
	Node    *NodeInfoView         `json:"node,omitempty"`
	Members []CPGMemberView       `json:"members,omitempty"`
	Ledger  []storage.LedgerEntry `json:"ledger,omitempty"`
}

// Server is the operator Unix domain socket server.
type Server struct {
	socketPath string
	votequorum VoteQuorum
	cpg        CPG
	ledger     Ledger
	log        *zap.Logger
	sem        chan struct{}
}

// NewServer creates an operator Server.
func NewServer(socketPath string, vq VoteQuorum, group CPG, ledger Ledger, log *zap.Logger) *Server {
	return &Server{
		socketPath: socketPath,
		votequorum: vq,
		cpg:        group,
		ledger:     ledger,
		log:        log,
		sem:        make(chan struct{}, maxConcurrentConns),
	}
}

// ListenAndServe starts the operator socket server.
// Removes any stale socket file before binding. Blocks until ctx is
// cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("operator: remove stale socket %q: %w", s.socketPath, err)
	}

	if err := os.MkdirAll(filepath.Dir(s.socketPath), 0o700); err != nil {
		return fmt.Errorf("operator: mkdir %q: %w", filepath.Dir(s.socketPath), err)
	}

	lis, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("operator: listen %q: %w", s.socketPath, err)
	}
	defer lis.Close()

	if err := os.Chmod(s.socketPath, 0o600); err != nil {
		return fmt.Errorf("operator: chmod %q: %w", s.socketPath, err)
	}

	s.log.Info("operator socket listening", zap.String("path", s.socketPath))

	go func() {
		<-ctx.Done()
		lis.Close()
	}()

	for {
		conn, err := lis.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				s.log.Error("operator: accept error", zap.Error(err))
				continue
			}
		}

		select {
		case s.sem <- struct{}{}:
		default:
			s.log.Warn("operator: max connections reached, rejecting")
			_ = conn.Close()
			continue
		}

		go func(c net.Conn) {
			defer func() { <-s.sem }()
			defer c.Close()
			s.handleConn(c)
		}(conn)
	}
}

// handleConn handles a single operator connection: reads one JSON
// request, executes the command, writes one JSON response.
func (s *Server) handleConn(conn net.Conn) {
	_ = conn.SetDeadline(time.Now().Add(connTimeout))

	buf := make([]byte, maxRequestBytes)
	n, err := conn.Read(buf)
	if err != nil && err != io.EOF {
		s.log.Warn("operator: read error", zap.Error(err))
		return
	}

	var req Request
	if err := json.Unmarshal(buf[:n], &req); err != nil {
		s.writeResponse(conn, Response{OK: false, Error: "invalid JSON: " + err.Error()})
		return
	}

	resp := s.dispatch(req)
	s.writeResponse(conn, resp)
}

func (s *Server) dispatch(req Request) Response {
	switch req.Cmd {
	case "getinfo":
		return s.cmdGetInfo(req)
	case "setexpected":
		return s.cmdSetExpected(req)
	case "setvotes":
		return s.cmdSetVotes(req)
	case "qdevice_register":
		return s.cmdQDeviceRegister(req)
	case "qdevice_unregister":
		return s.cmdQDeviceUnregister(req)
	case "qdevice_poll":
		return s.cmdQDevicePoll(req)
	case "qdevice_master_wins":
		return s.cmdQDeviceMasterWins(req)
	case "cpg_members":
		return s.cmdCPGMembers(req)
	case "ledger":
		return s.cmdLedger()
	default:
		return Response{OK: false, Error: fmt.Sprintf("unknown command %q", req.Cmd)}
	}
}

func (s *Server) cmdGetInfo(req Request) Response {
	var id *wire.NodeID
	if req.NodeID != 0 {
		n := wire.NodeID(req.NodeID)
		id = &n
	}
	info, err := s.votequorum.GetInfo(id)
	if err != nil {
		return Response{OK: false, Error: err.Error()}
	}
	return Response{OK: true, Node: &NodeInfoView{
		NodeID:          uint32(info.NodeID),
		State:           int(info.State),
		Votes:           info.Votes,
		ExpectedVotes:   info.ExpectedVotes,
		HighestExpected: info.HighestExpected,
		TotalVotes:      info.TotalVotes,
		Quorum:          info.Quorum,
		Flags:           info.Flags,
		QDeviceVotes:    info.QDeviceVotes,
		QDeviceName:     info.QDeviceName,
	}}
}

func (s *Server) cmdSetExpected(req Request) Response {
	if req.ExpectedVotes == 0 {
		return Response{OK: false, Error: "expected_votes required for setexpected"}
	}
	if err := s.votequorum.SetExpected(req.ExpectedVotes); err != nil {
		return Response{OK: false, Error: err.Error()}
	}
	s.log.Info("operator: expected_votes set", zap.Uint32("expected_votes", req.ExpectedVotes))
	return Response{OK: true}
}

func (s *Server) cmdSetVotes(req Request) Response {
	if req.NodeID == 0 {
		return Response{OK: false, Error: "node_id required for setvotes"}
	}
	if err := s.votequorum.SetVotes(wire.NodeID(req.NodeID), req.Votes); err != nil {
		return Response{OK: false, Error: err.Error()}
	}
	s.log.Info("operator: votes set", zap.Uint32("node_id", req.NodeID), zap.Uint32("votes", req.Votes))
	return Response{OK: true}
}

func (s *Server) cmdQDeviceRegister(req Request) Response {
	if req.Name == "" {
		return Response{OK: false, Error: "name required for qdevice_register"}
	}
	if err := s.votequorum.QDeviceRegister(req.Name); err != nil {
		return Response{OK: false, Error: err.Error()}
	}
	return Response{OK: true}
}

func (s *Server) cmdQDeviceUnregister(req Request) Response {
	if req.Name == "" {
		return Response{OK: false, Error: "name required for qdevice_unregister"}
	}
	if err := s.votequorum.QDeviceUnregister(req.Name); err != nil {
		return Response{OK: false, Error: err.Error()}
	}
	return Response{OK: true}
}

func (s *Server) cmdQDevicePoll(req Request) Response {
	if req.Name == "" {
		return Response{OK: false, Error: "name required for qdevice_poll"}
	}
	ring := wire.RingID{Rep: wire.NodeID(req.RingRep), Seq: req.RingSeq}
	if err := s.votequorum.QDevicePoll(req.Name, req.CastVote, ring); err != nil {
		return Response{OK: false, Error: err.Error()}
	}
	return Response{OK: true}
}

func (s *Server) cmdQDeviceMasterWins(req Request) Response {
	if req.Name == "" {
		return Response{OK: false, Error: "name required for qdevice_master_wins"}
	}
	if err := s.votequorum.QDeviceMasterWins(req.Name, req.Allow); err != nil {
		return Response{OK: false, Error: err.Error()}
	}
	return Response{OK: true}
}

func (s *Server) cmdCPGMembers(req Request) Response {
	if req.Group == "" {
		return Response{OK: false, Error: "group required for cpg_members"}
	}
	if s.cpg == nil {
		return Response{OK: false, Error: "cpg introspection not configured"}
	}
	entries := s.cpg.IterationSnapshot(req.Group)
	members := make([]CPGMemberView, 0, len(entries))
	for _, e := range entries {
		members = append(members, CPGMemberView{NodeID: uint32(e.NodeID), PID: e.PID})
	}
	return Response{OK: true, Members: members}
}

func (s *Server) cmdLedger() Response {
	if s.ledger == nil {
		return Response{OK: false, Error: "ledger not configured"}
	}
	entries, err := s.ledger.ReadLedger()
	if err != nil {
		return Response{OK: false, Error: err.Error()}
	}
	return Response{OK: true, Ledger: entries}
}

func (s *Server) writeResponse(conn net.Conn, resp Response) {
	data, _ := json.Marshal(resp)
	data = append(data, '\n')
	_, _ = conn.Write(data)
}
