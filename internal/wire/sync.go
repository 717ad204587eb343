package wire

import (
	"encoding/binary"
	"fmt"
	"math/bits"
)

// SYNC function ids, spec §6.
const (
	FuncBarrier       FunctionID = 1
	FuncServiceBuild  FunctionID = 2
	FuncMembDetermine FunctionID = 3
)

// MaxSyncServices bounds SERVICE_BUILD's service_list array, spec §6.
const MaxSyncServices = 128

// Barrier is the SYNC BARRIER message: {ring_id}.
type Barrier struct {
	RingID RingID
}

func (m Barrier) Encode() []byte {
	buf := make([]byte, 12)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(m.RingID.Rep))
	binary.LittleEndian.PutUint64(buf[4:12], m.RingID.Seq)
	return buf
}

func DecodeBarrier(buf []byte, order binary.ByteOrder) (Barrier, error) {
	if len(buf) < 12 {
		return Barrier{}, fmt.Errorf("wire: short Barrier (%d bytes)", len(buf))
	}
	return Barrier{RingID: RingID{
		Rep: NodeID(order.Uint32(buf[0:4])),
		Seq: order.Uint64(buf[4:12]),
	}}, nil
}

func (m *Barrier) ConvertEndian() {
	m.RingID.Rep = NodeID(bits.ReverseBytes32(uint32(m.RingID.Rep)))
	m.RingID.Seq = bits.ReverseBytes64(m.RingID.Seq)
}

// ServiceBuild is the SYNC SERVICE_BUILD message:
// {ring_id, service_list_entries, service_list[128]}.
type ServiceBuild struct {
	RingID      RingID
	ServiceList []ServiceID
}

func (m ServiceBuild) Encode() []byte {
	buf := make([]byte, 12+4+2*MaxSyncServices)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(m.RingID.Rep))
	binary.LittleEndian.PutUint64(buf[4:12], m.RingID.Seq)
	binary.LittleEndian.PutUint32(buf[12:16], uint32(len(m.ServiceList)))
	for i, s := range m.ServiceList {
		if i >= MaxSyncServices {
			break
		}
		binary.LittleEndian.PutUint16(buf[16+2*i:18+2*i], uint16(s))
	}
	return buf
}

func DecodeServiceBuild(buf []byte, order binary.ByteOrder) (ServiceBuild, error) {
	if len(buf) < 16 {
		return ServiceBuild{}, fmt.Errorf("wire: short ServiceBuild (%d bytes)", len(buf))
	}
	m := ServiceBuild{RingID: RingID{
		Rep: NodeID(order.Uint32(buf[0:4])),
		Seq: order.Uint64(buf[4:12]),
	}}
	n := order.Uint32(buf[12:16])
	if n > MaxSyncServices || len(buf) < int(16+2*n) {
		return ServiceBuild{}, fmt.Errorf("wire: ServiceBuild entry count %d out of range", n)
	}
	for i := uint32(0); i < n; i++ {
		m.ServiceList = append(m.ServiceList, ServiceID(order.Uint16(buf[16+2*i:18+2*i])))
	}
	return m, nil
}

func (m *ServiceBuild) ConvertEndian() {
	m.RingID.Rep = NodeID(bits.ReverseBytes32(uint32(m.RingID.Rep)))
	m.RingID.Seq = bits.ReverseBytes64(m.RingID.Seq)
	for i := range m.ServiceList {
		m.ServiceList[i] = ServiceID(bits.ReverseBytes16(uint16(m.ServiceList[i])))
	}
}

// MembDetermine is the SYNC MEMB_DETERMINE message: {ring_id}.
type MembDetermine struct {
	RingID RingID
}

func (m MembDetermine) Encode() []byte { return Barrier(m).Encode() }

func DecodeMembDetermine(buf []byte, order binary.ByteOrder) (MembDetermine, error) {
	b, err := DecodeBarrier(buf, order)
	return MembDetermine(b), err
}

func (m *MembDetermine) ConvertEndian() { (*Barrier)(m).ConvertEndian() }
