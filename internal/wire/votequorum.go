package wire

import (
	"encoding/binary"
	"fmt"
	"math/bits"
)

// Votequorum function ids, spec §6.
const (
	FuncNodeInfo           FunctionID = 1
	FuncReconfigure        FunctionID = 2
	FuncQDeviceReg         FunctionID = 3
	FuncQDeviceReconfigure FunctionID = 4
)

// NodeFlag is a bit in a votequorum node's flags set (spec §3).
type NodeFlag uint32

const (
	FlagQuorate NodeFlag = 1 << iota
	FlagLeaving
	FlagWFAStatus
	FlagFirst
	FlagQDeviceRegistered
	FlagQDeviceAlive
	FlagQDeviceCastVote
	FlagQDeviceMasterWins
)

func (f NodeFlag) Has(flags uint32) bool { return flags&uint32(f) != 0 }

// NodeInfo is the votequorum NODEINFO message: {nodeid, votes,
// expected_votes, flags} (16B + header per spec §6).
type NodeInfo struct {
	NodeID         NodeID
	Votes          uint32
	ExpectedVotes  uint32
	Flags          uint32
}

// Encode serializes NodeInfo in host order.
func (m NodeInfo) Encode() []byte {
	buf := make([]byte, 16)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(m.NodeID))
	binary.LittleEndian.PutUint32(buf[4:8], m.Votes)
	binary.LittleEndian.PutUint32(buf[8:12], m.ExpectedVotes)
	binary.LittleEndian.PutUint32(buf[12:16], m.Flags)
	return buf
}

// DecodeNodeInfo parses a NodeInfo body encoded in the given order.
func DecodeNodeInfo(buf []byte, order binary.ByteOrder) (NodeInfo, error) {
	if len(buf) < 16 {
		return NodeInfo{}, fmt.Errorf("wire: short NodeInfo (%d bytes)", len(buf))
	}
	return NodeInfo{
		NodeID:        NodeID(order.Uint32(buf[0:4])),
		Votes:         order.Uint32(buf[4:8]),
		ExpectedVotes: order.Uint32(buf[8:12]),
		Flags:         order.Uint32(buf[12:16]),
	}, nil
}

// ConvertEndian swaps all fields in place; needed only because fields were
// parsed with the sender's order but a caller passed raw host-order memory.
// Present for Convertible symmetry with the C original, where fields are
// read directly from a mutable wire buffer.
func (m *NodeInfo) ConvertEndian() {
	m.NodeID = NodeID(bits.ReverseBytes32(uint32(m.NodeID)))
	m.Votes = bits.ReverseBytes32(m.Votes)
	m.ExpectedVotes = bits.ReverseBytes32(m.ExpectedVotes)
	m.Flags = bits.ReverseBytes32(m.Flags)
}

// ReconfigureParam selects which field a RECONFIGURE message updates.
type ReconfigureParam uint8

const (
	ReconfigExpectedVotes ReconfigureParam = 1
	ReconfigNodeVotes     ReconfigureParam = 2
	ReconfigCancelWFA     ReconfigureParam = 3
)

// Reconfigure is the votequorum RECONFIGURE message:
// {nodeid, value, param: u8}.
type Reconfigure struct {
	NodeID NodeID
	Value  uint32
	Param  ReconfigureParam
}

func (m Reconfigure) Encode() []byte {
	buf := make([]byte, 12)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(m.NodeID))
	binary.LittleEndian.PutUint32(buf[4:8], m.Value)
	buf[8] = byte(m.Param)
	return buf
}

func DecodeReconfigure(buf []byte, order binary.ByteOrder) (Reconfigure, error) {
	if len(buf) < 12 {
		return Reconfigure{}, fmt.Errorf("wire: short Reconfigure (%d bytes)", len(buf))
	}
	return Reconfigure{
		NodeID: NodeID(order.Uint32(buf[0:4])),
		Value:  order.Uint32(buf[4:8]),
		Param:  ReconfigureParam(buf[8]),
	}, nil
}

func (m *Reconfigure) ConvertEndian() {
	m.NodeID = NodeID(bits.ReverseBytes32(uint32(m.NodeID)))
	m.Value = bits.ReverseBytes32(m.Value)
}

// QDeviceOp distinguishes register/unregister on the QDEVICE_REG message.
type QDeviceOp uint8

const (
	QDeviceOpRegister   QDeviceOp = 1
	QDeviceOpUnregister QDeviceOp = 2
)

// MaxQDeviceNameLen is the fixed name field length, spec §6.
const MaxQDeviceNameLen = 255

// QDeviceReg is the votequorum QDEVICE_REG message: {op, name[255]}.
type QDeviceReg struct {
	Op   QDeviceOp
	Name string
}

func (m QDeviceReg) Encode() []byte {
	buf := make([]byte, 1+MaxQDeviceNameLen)
	buf[0] = byte(m.Op)
	copy(buf[1:], m.Name)
	return buf
}

func DecodeQDeviceReg(buf []byte) (QDeviceReg, error) {
	if len(buf) < 1+MaxQDeviceNameLen {
		return QDeviceReg{}, fmt.Errorf("wire: short QDeviceReg (%d bytes)", len(buf))
	}
	return QDeviceReg{Op: QDeviceOp(buf[0]), Name: cstring(buf[1 : 1+MaxQDeviceNameLen])}, nil
}

// QDeviceReg has no multi-byte integer fields to swap.
func (m *QDeviceReg) ConvertEndian() {}

// QDeviceReconfigure is the votequorum QDEVICE_RECONFIGURE message:
// {old[255], new[255]}.
type QDeviceReconfigure struct {
	OldName string
	NewName string
}

func (m QDeviceReconfigure) Encode() []byte {
	buf := make([]byte, 2*MaxQDeviceNameLen)
	copy(buf[0:MaxQDeviceNameLen], m.OldName)
	copy(buf[MaxQDeviceNameLen:], m.NewName)
	return buf
}

func DecodeQDeviceReconfigure(buf []byte) (QDeviceReconfigure, error) {
	if len(buf) < 2*MaxQDeviceNameLen {
		return QDeviceReconfigure{}, fmt.Errorf("wire: short QDeviceReconfigure (%d bytes)", len(buf))
	}
	return QDeviceReconfigure{
		OldName: cstring(buf[0:MaxQDeviceNameLen]),
		NewName: cstring(buf[MaxQDeviceNameLen : 2*MaxQDeviceNameLen]),
	}, nil
}

func (m *QDeviceReconfigure) ConvertEndian() {}

// cstring trims a fixed-width, NUL-padded field down to its string content.
func cstring(buf []byte) string {
	for i, b := range buf {
		if b == 0 {
			return string(buf[:i])
		}
	}
	return string(buf)
}
