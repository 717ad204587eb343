// Package gossippb defines the wire messages the grpcnet Totem Adapter
// exchanges between nodes. There is no .proto file behind these types —
// protoc is not available to this build — but the byte layout is real
// protobuf wire format, produced and consumed with
// google.golang.org/protobuf/encoding/protowire, the same low-level
// varint/tag primitives protoc-gen-go itself builds on. That keeps the
// protobuf dependency genuinely exercised instead of stubbed out behind a
// hand-faked generated-code facade.
package gossippb

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// ErrTruncated is returned when a message buffer ends mid-field.
var ErrTruncated = errors.New("gossippb: truncated message")

// Frame carries one already wire.Header-encoded service frame (the same
// bytes totem.Adapter.Mcast's iov would concatenate to) plus the
// sequencer metadata grpcnet's ordering layer needs: which node produced
// it, and the global sequence number the current sequencer assigned. Seq
// is zero for an unsequenced submission travelling from an ordinary node
// to the sequencer; the sequencer fills it in before rebroadcasting.
type Frame struct {
	FromNode uint32
	Seq      uint64
	Payload  []byte
}

func (f *Frame) Marshal() ([]byte, error) {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(f.FromNode))
	b = protowire.AppendTag(b, 2, protowire.VarintType)
	b = protowire.AppendVarint(b, f.Seq)
	b = protowire.AppendTag(b, 3, protowire.BytesType)
	b = protowire.AppendBytes(b, f.Payload)
	return b, nil
}

func (f *Frame) Unmarshal(b []byte) error {
	*f = Frame{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return ErrTruncated
		}
		b = b[n:]
		switch num {
		case 1:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return ErrTruncated
			}
			f.FromNode = uint32(v)
			b = b[n:]
		case 2:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return ErrTruncated
			}
			f.Seq = v
			b = b[n:]
		case 3:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return ErrTruncated
			}
			f.Payload = append([]byte(nil), v...)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return ErrTruncated
			}
			b = b[n:]
		}
	}
	return nil
}

// MemberInfo is one entry of a JoinResponse's full-mesh peer list.
type MemberInfo struct {
	NodeID uint32
	Addr   string
}

func (m *MemberInfo) marshalInto(b []byte, field protowire.Number) []byte {
	var mb []byte
	mb = protowire.AppendTag(mb, 1, protowire.VarintType)
	mb = protowire.AppendVarint(mb, uint64(m.NodeID))
	mb = protowire.AppendTag(mb, 2, protowire.BytesType)
	mb = protowire.AppendString(mb, m.Addr)
	b = protowire.AppendTag(b, field, protowire.BytesType)
	b = protowire.AppendBytes(b, mb)
	return b
}

func (m *MemberInfo) unmarshal(b []byte) error {
	*m = MemberInfo{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return ErrTruncated
		}
		b = b[n:]
		switch num {
		case 1:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return ErrTruncated
			}
			m.NodeID = uint32(v)
			b = b[n:]
		case 2:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return ErrTruncated
			}
			m.Addr = string(v)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return ErrTruncated
			}
			b = b[n:]
		}
	}
	return nil
}

// JoinRequest announces the calling node's id and dial-back address to a
// peer it is establishing a full-mesh link with.
type JoinRequest struct {
	NodeID uint32
	Addr   string
}

func (r *JoinRequest) Marshal() ([]byte, error) {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(r.NodeID))
	b = protowire.AppendTag(b, 2, protowire.BytesType)
	b = protowire.AppendString(b, r.Addr)
	return b, nil
}

func (r *JoinRequest) Unmarshal(b []byte) error {
	*r = JoinRequest{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return ErrTruncated
		}
		b = b[n:]
		switch num {
		case 1:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return ErrTruncated
			}
			r.NodeID = uint32(v)
			b = b[n:]
		case 2:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return ErrTruncated
			}
			r.Addr = string(v)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return ErrTruncated
			}
			b = b[n:]
		}
	}
	return nil
}

// JoinResponse returns the accepting node's current full-mesh peer list,
// so a newly joining node can dial the rest of the ring without a
// separate discovery round.
type JoinResponse struct {
	Accepted bool
	Members  []MemberInfo
}

func (r *JoinResponse) Marshal() ([]byte, error) {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, protowire.EncodeBool(r.Accepted))
	for i := range r.Members {
		b = r.Members[i].marshalInto(b, 2)
	}
	return b, nil
}

func (r *JoinResponse) Unmarshal(b []byte) error {
	*r = JoinResponse{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return ErrTruncated
		}
		b = b[n:]
		switch num {
		case 1:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return ErrTruncated
			}
			r.Accepted = protowire.DecodeBool(v)
			b = b[n:]
		case 2:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return ErrTruncated
			}
			var m MemberInfo
			if err := m.unmarshal(v); err != nil {
				return err
			}
			r.Members = append(r.Members, m)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return ErrTruncated
			}
			b = b[n:]
		}
	}
	return nil
}

// HealthRequest is a liveness probe, identifying the asking node so the
// responder can log which peer is polling it.
type HealthRequest struct {
	NodeID uint32
}

func (r *HealthRequest) Marshal() ([]byte, error) {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(r.NodeID))
	return b, nil
}

func (r *HealthRequest) Unmarshal(b []byte) error {
	*r = HealthRequest{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return ErrTruncated
		}
		b = b[n:]
		switch num {
		case 1:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return ErrTruncated
			}
			r.NodeID = uint32(v)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return ErrTruncated
			}
			b = b[n:]
		}
	}
	return nil
}

// HealthResponse reports the responder's node id, liveness, and current
// ring id so a caller can cross-check for a ring-id regression without a
// second RPC.
type HealthResponse struct {
	NodeID  uint32
	Alive   bool
	RingRep uint32
	RingSeq uint32
}

func (r *HealthResponse) Marshal() ([]byte, error) {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(r.NodeID))
	b = protowire.AppendTag(b, 2, protowire.VarintType)
	b = protowire.AppendVarint(b, protowire.EncodeBool(r.Alive))
	b = protowire.AppendTag(b, 3, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(r.RingRep))
	b = protowire.AppendTag(b, 4, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(r.RingSeq))
	return b, nil
}

func (r *HealthResponse) Unmarshal(b []byte) error {
	*r = HealthResponse{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return ErrTruncated
		}
		b = b[n:]
		switch num {
		case 1:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return ErrTruncated
			}
			r.NodeID = uint32(v)
			b = b[n:]
		case 2:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return ErrTruncated
			}
			r.Alive = protowire.DecodeBool(v)
			b = b[n:]
		case 3:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return ErrTruncated
			}
			r.RingRep = uint32(v)
			b = b[n:]
		case 4:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return ErrTruncated
			}
			r.RingSeq = uint32(v)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return ErrTruncated
			}
			b = b[n:]
		}
	}
	return nil
}

// Message is implemented by every gossippb type; the grpcCodec uses it to
// marshal/unmarshal without a reflection-based descriptor.
type Message interface {
	Marshal() ([]byte, error)
	Unmarshal([]byte) error
}

var (
	_ Message = (*Frame)(nil)
	_ Message = (*JoinRequest)(nil)
	_ Message = (*JoinResponse)(nil)
	_ Message = (*HealthRequest)(nil)
	_ Message = (*HealthResponse)(nil)
)

func requireMessage(v interface{}) (Message, error) {
	m, ok := v.(Message)
	if !ok {
		return nil, fmt.Errorf("gossippb: %T does not implement Message", v)
	}
	return m, nil
}
