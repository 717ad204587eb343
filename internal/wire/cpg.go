package wire

import (
	"encoding/binary"
	"fmt"
	"math/bits"
)

// CPG function ids, spec §6.
const (
	FuncProcJoin     FunctionID = 1
	FuncProcLeave    FunctionID = 2
	FuncMcast        FunctionID = 3
	FuncPartialMcast FunctionID = 4
	FuncDownlist     FunctionID = 5
	FuncJoinlist     FunctionID = 6
	FuncDownlistOld  FunctionID = 0xffff // forward-compat: log and drop.
)

// MaxGroupNameLen is the CPG group name size cap, spec §3.
const MaxGroupNameLen = 128

// ProcessorCountMax bounds the Downlist node id array, spec §6.
const ProcessorCountMax = 384

// ProcJoinReason distinguishes PROCJOIN from PROCLEAVE (same wire type).
type ProcJoinReason uint8

const (
	ReasonJoin     ProcJoinReason = 1
	ReasonLeave    ProcJoinReason = 2
	ReasonProcDown ProcJoinReason = 3
	ReasonNodeDown ProcJoinReason = 4
)

// ProcJoin carries both PROCJOIN and PROCLEAVE: {group_name, pid, reason}.
type ProcJoin struct {
	GroupName string
	PID       uint32
	Reason    ProcJoinReason
}

func (m ProcJoin) Encode() []byte {
	buf := make([]byte, MaxGroupNameLen+4+1)
	copy(buf[0:MaxGroupNameLen], m.GroupName)
	binary.LittleEndian.PutUint32(buf[MaxGroupNameLen:MaxGroupNameLen+4], m.PID)
	buf[MaxGroupNameLen+4] = byte(m.Reason)
	return buf
}

func DecodeProcJoin(buf []byte, order binary.ByteOrder) (ProcJoin, error) {
	if len(buf) < MaxGroupNameLen+5 {
		return ProcJoin{}, fmt.Errorf("wire: short ProcJoin (%d bytes)", len(buf))
	}
	return ProcJoin{
		GroupName: cstring(buf[0:MaxGroupNameLen]),
		PID:       order.Uint32(buf[MaxGroupNameLen : MaxGroupNameLen+4]),
		Reason:    ProcJoinReason(buf[MaxGroupNameLen+4]),
	}, nil
}

func (m *ProcJoin) ConvertEndian() { m.PID = bits.ReverseBytes32(m.PID) }

// Mcast is the CPG MCAST frame: {group_name, msglen, pid, source, bytes[]}.
type Mcast struct {
	GroupName string
	MsgLen    uint32
	PID       uint32
	Source    NodeID
	Payload   []byte
}

func (m Mcast) Encode() []byte {
	head := make([]byte, MaxGroupNameLen+12)
	copy(head[0:MaxGroupNameLen], m.GroupName)
	binary.LittleEndian.PutUint32(head[MaxGroupNameLen:MaxGroupNameLen+4], m.MsgLen)
	binary.LittleEndian.PutUint32(head[MaxGroupNameLen+4:MaxGroupNameLen+8], m.PID)
	binary.LittleEndian.PutUint32(head[MaxGroupNameLen+8:MaxGroupNameLen+12], uint32(m.Source))
	return append(head, m.Payload...)
}

func DecodeMcast(buf []byte, order binary.ByteOrder) (Mcast, error) {
	if len(buf) < MaxGroupNameLen+12 {
		return Mcast{}, fmt.Errorf("wire: short Mcast (%d bytes)", len(buf))
	}
	m := Mcast{
		GroupName: cstring(buf[0:MaxGroupNameLen]),
		MsgLen:    order.Uint32(buf[MaxGroupNameLen : MaxGroupNameLen+4]),
		PID:       order.Uint32(buf[MaxGroupNameLen+4 : MaxGroupNameLen+8]),
		Source:    NodeID(order.Uint32(buf[MaxGroupNameLen+8 : MaxGroupNameLen+12])),
	}
	m.Payload = append([]byte(nil), buf[MaxGroupNameLen+12:]...)
	return m, nil
}

func (m *Mcast) ConvertEndian() {
	m.MsgLen = bits.ReverseBytes32(m.MsgLen)
	m.PID = bits.ReverseBytes32(m.PID)
	m.Source = NodeID(bits.ReverseBytes32(uint32(m.Source)))
}

// FragType identifies a PARTIAL_MCAST fragment's role.
type FragType uint8

const (
	FragFirst     FragType = 1
	FragContinued FragType = 2
	FragLast      FragType = 3
)

// PartialMcast is a fragment of a larger CPG message: {group_name, msglen,
// fraglen, pid, type, source, bytes[]}. msglen is the total reassembled
// length; fraglen is this frame's payload length.
type PartialMcast struct {
	GroupName string
	MsgLen    uint32
	FragLen   uint32
	PID       uint32
	Type      FragType
	Source    NodeID
	Payload   []byte
}

func (m PartialMcast) Encode() []byte {
	head := make([]byte, MaxGroupNameLen+17)
	copy(head[0:MaxGroupNameLen], m.GroupName)
	off := MaxGroupNameLen
	binary.LittleEndian.PutUint32(head[off:off+4], m.MsgLen)
	binary.LittleEndian.PutUint32(head[off+4:off+8], m.FragLen)
	binary.LittleEndian.PutUint32(head[off+8:off+12], m.PID)
	head[off+12] = byte(m.Type)
	binary.LittleEndian.PutUint32(head[off+13:off+17], uint32(m.Source))
	return append(head, m.Payload...)
}

func DecodePartialMcast(buf []byte, order binary.ByteOrder) (PartialMcast, error) {
	if len(buf) < MaxGroupNameLen+17 {
		return PartialMcast{}, fmt.Errorf("wire: short PartialMcast (%d bytes)", len(buf))
	}
	off := MaxGroupNameLen
	m := PartialMcast{
		GroupName: cstring(buf[0:MaxGroupNameLen]),
		MsgLen:    order.Uint32(buf[off : off+4]),
		FragLen:   order.Uint32(buf[off+4 : off+8]),
		PID:       order.Uint32(buf[off+8 : off+12]),
		Type:      FragType(buf[off+12]),
		Source:    NodeID(order.Uint32(buf[off+13 : off+17])),
	}
	m.Payload = append([]byte(nil), buf[off+17:]...)
	return m, nil
}

func (m *PartialMcast) ConvertEndian() {
	m.MsgLen = bits.ReverseBytes32(m.MsgLen)
	m.FragLen = bits.ReverseBytes32(m.FragLen)
	m.PID = bits.ReverseBytes32(m.PID)
	m.Source = NodeID(bits.ReverseBytes32(uint32(m.Source)))
}

// Downlist is the CPG DOWNLIST message: {sender, old_members_count,
// left_count, left_nodes[left_count]}. The C original backs left_nodes
// with a fixed nodeids[PROCESSOR_COUNT_MAX] array and relies on the
// datagram length to bound the read; this port instead encodes an
// explicit left_count so DecodeDownlist is self-contained, and still caps
// the slice at ProcessorCountMax as the array bound implied.
type Downlist struct {
	SenderNodeID    NodeID
	OldMembersCount uint32
	LeftNodes       []NodeID
}

func (m Downlist) Encode() []byte {
	n := len(m.LeftNodes)
	if n > ProcessorCountMax {
		n = ProcessorCountMax
	}
	buf := make([]byte, 12+4*n)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(m.SenderNodeID))
	binary.LittleEndian.PutUint32(buf[4:8], m.OldMembersCount)
	binary.LittleEndian.PutUint32(buf[8:12], uint32(n))
	for i := 0; i < n; i++ {
		binary.LittleEndian.PutUint32(buf[12+4*i:16+4*i], uint32(m.LeftNodes[i]))
	}
	return buf
}

func DecodeDownlist(buf []byte, order binary.ByteOrder) (Downlist, error) {
	if len(buf) < 12 {
		return Downlist{}, fmt.Errorf("wire: short Downlist (%d bytes)", len(buf))
	}
	count := int(order.Uint32(buf[8:12]))
	if count > ProcessorCountMax || len(buf) < 12+4*count {
		return Downlist{}, fmt.Errorf("wire: Downlist left_count %d inconsistent with body length %d", count, len(buf))
	}
	m := Downlist{
		SenderNodeID:    NodeID(order.Uint32(buf[0:4])),
		OldMembersCount: order.Uint32(buf[4:8]),
	}
	for i := 0; i < count; i++ {
		m.LeftNodes = append(m.LeftNodes, NodeID(order.Uint32(buf[12+4*i:16+4*i])))
	}
	return m, nil
}

func (m *Downlist) ConvertEndian() {
	m.SenderNodeID = NodeID(bits.ReverseBytes32(uint32(m.SenderNodeID)))
	m.OldMembersCount = bits.ReverseBytes32(m.OldMembersCount)
	for i := range m.LeftNodes {
		m.LeftNodes[i] = NodeID(bits.ReverseBytes32(uint32(m.LeftNodes[i])))
	}
}

// JoinlistEntry is one (pid, group) pair carried in a JOINLIST message.
type JoinlistEntry struct {
	PID       uint32
	GroupName string
}

// Joinlist is the CPG JOINLIST message: {header, (pid, group_name)*}.
type Joinlist struct {
	SenderNodeID NodeID
	Entries      []JoinlistEntry
}

func (m Joinlist) Encode() []byte {
	buf := make([]byte, 4, 4+len(m.Entries)*(4+MaxGroupNameLen))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(m.SenderNodeID))
	for _, e := range m.Entries {
		entry := make([]byte, 4+MaxGroupNameLen)
		binary.LittleEndian.PutUint32(entry[0:4], e.PID)
		copy(entry[4:], e.GroupName)
		buf = append(buf, entry...)
	}
	return buf
}

func DecodeJoinlist(buf []byte, order binary.ByteOrder) (Joinlist, error) {
	if len(buf) < 4 {
		return Joinlist{}, fmt.Errorf("wire: short Joinlist (%d bytes)", len(buf))
	}
	m := Joinlist{SenderNodeID: NodeID(order.Uint32(buf[0:4]))}
	rest := buf[4:]
	stride := 4 + MaxGroupNameLen
	if len(rest)%stride != 0 {
		return Joinlist{}, fmt.Errorf("wire: Joinlist body not a multiple of entry size")
	}
	for off := 0; off < len(rest); off += stride {
		m.Entries = append(m.Entries, JoinlistEntry{
			PID:       order.Uint32(rest[off : off+4]),
			GroupName: cstring(rest[off+4 : off+stride]),
		})
	}
	return m, nil
}

func (m *Joinlist) ConvertEndian() {
	m.SenderNodeID = NodeID(bits.ReverseBytes32(uint32(m.SenderNodeID)))
	for i := range m.Entries {
		m.Entries[i].PID = bits.ReverseBytes32(m.Entries[i].PID)
	}
}
