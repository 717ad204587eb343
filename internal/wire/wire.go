// Package wire defines the on-ring byte encoding for every replicated
// message the core exchanges: the common header plus the per-service
// structs from spec §6.
//
// Every message carries the sender's native byte order in the header's
// OrderTag field. A receiver whose host order differs from the sender's
// calls the message's ConvertEndian method on a mutable copy before
// dispatch, per spec §4.1's byte-order policy.
package wire

import (
	"encoding/binary"
	"fmt"
)

// NodeID is an unsigned 32-bit identifier, unique within a cluster.
type NodeID uint32

// QDeviceNodeID is the reserved pseudo-node id for the external quorum device.
const QDeviceNodeID NodeID = 0

// RingID is an ordered pair (representative node, sequence). Two ring ids
// are equal iff both fields are equal.
type RingID struct {
	Rep NodeID
	Seq uint64
}

// Equal reports whether r and o name the same ring.
func (r RingID) Equal(o RingID) bool { return r.Rep == o.Rep && r.Seq == o.Seq }

// Less implements the lexicographic ordering used by the ring-id
// monotonicity invariant (spec §8 property 1).
func (r RingID) Less(o RingID) bool {
	if r.Rep != o.Rep {
		return r.Rep < o.Rep
	}
	return r.Seq < o.Seq
}

func (r RingID) String() string { return fmt.Sprintf("(%d,%d)", r.Rep, r.Seq) }

// OrderTag identifies the byte order a message was encoded with.
type OrderTag uint8

const (
	OrderLittleEndian OrderTag = 0
	OrderBigEndian    OrderTag = 1
)

// HostOrderTag is this process's native wire order. The core always
// encodes little-endian, and Header.Encode always writes this tag.
const HostOrderTag = OrderLittleEndian

func (t OrderTag) byteOrder() binary.ByteOrder {
	if t == OrderBigEndian {
		return binary.BigEndian
	}
	return binary.LittleEndian
}

// FunctionID identifies a message's meaning within its service.
type FunctionID uint16

// ServiceID identifies which engine a message belongs to.
type ServiceID uint16

const (
	ServiceSync       ServiceID = 1
	ServiceVotequorum ServiceID = 2
	ServiceCPG        ServiceID = 3
)

// HeaderSize is the encoded size of Header in bytes, 8-byte aligned.
const HeaderSize = 16

// Header is the common prefix of every replicated message:
// {id: u32 (service_id<<16 | function_id), size: u32, error: u32}, plus
// the OrderTag and padding this port adds to reach natural 8-byte alignment.
type Header struct {
	ServiceID  ServiceID
	FunctionID FunctionID
	Size       uint32
	Error      uint32
	Order      OrderTag
}

// ID packs ServiceID and FunctionID into the wire's single u32 id field.
func (h Header) ID() uint32 {
	return uint32(h.ServiceID)<<16 | uint32(h.FunctionID)
}

// Encode writes the header in the host's native order.
func (h Header) Encode() []byte {
	buf := make([]byte, HeaderSize)
	order := HostOrderTag.byteOrder()
	order.PutUint32(buf[0:4], h.ID())
	order.PutUint32(buf[4:8], h.Size)
	order.PutUint32(buf[8:12], h.Error)
	buf[12] = byte(HostOrderTag)
	return buf
}

// DecodeHeader parses a header, deriving the sender's byte order from the
// embedded OrderTag rather than assuming the host's.
func DecodeHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, fmt.Errorf("wire: short header (%d bytes)", len(buf))
	}
	tag := OrderTag(buf[12])
	order := tag.byteOrder()
	id := order.Uint32(buf[0:4])
	return Header{
		ServiceID:  ServiceID(id >> 16),
		FunctionID: FunctionID(id & 0xffff),
		Size:       order.Uint32(buf[4:8]),
		Error:      order.Uint32(buf[8:12]),
		Order:      tag,
	}, nil
}

// NeedsConvert reports whether a message decoded with this header's order
// requires ConvertEndian before use on this host.
func (h Header) NeedsConvert() bool { return h.Order != HostOrderTag }

// Frame is a decoded header plus its still-order-tagged tail, as handed to
// a service engine's exec dispatch table.
type Frame struct {
	Header Header
	Body   []byte
}

// Convertible is implemented by every wire message body. The exec
// handlers call it on a decoded message; service.Registry.Dispatch does
// not.
type Convertible interface {
	// ConvertEndian swaps every multi-byte field in place. Called exactly
	// once, only when the frame's OrderTag differs from HostOrderTag.
	ConvertEndian()
}
