package wire

import (
	"encoding/binary"
	"testing"
)

func TestHeader_EncodeDecodeRoundTrip(t *testing.T) {
	h := Header{ServiceID: ServiceVotequorum, FunctionID: 7, Size: 42, Error: 0}
	buf := h.Encode()
	if len(buf) != HeaderSize {
		t.Fatalf("Encode length = %d, want %d", len(buf), HeaderSize)
	}
	got, err := DecodeHeader(buf)
	if err != nil {
		t.Fatalf("DecodeHeader: %v", err)
	}
	if got.ServiceID != h.ServiceID || got.FunctionID != h.FunctionID || got.Size != h.Size {
		t.Fatalf("DecodeHeader = %+v, want %+v", got, h)
	}
	if got.Order != HostOrderTag {
		t.Fatalf("Order = %v, want host order %v", got.Order, HostOrderTag)
	}
	if got.NeedsConvert() {
		t.Error("header encoded in host order must not need conversion")
	}
}

func TestDecodeHeader_ShortBuffer(t *testing.T) {
	if _, err := DecodeHeader(make([]byte, HeaderSize-1)); err == nil {
		t.Error("expected error decoding a short header")
	}
}

func TestDecodeHeader_ForeignOrder(t *testing.T) {
	buf := make([]byte, HeaderSize)
	id := uint32(ServiceCPG)<<16 | uint32(3)
	binary.BigEndian.PutUint32(buf[0:4], id)
	binary.BigEndian.PutUint32(buf[4:8], 99)
	buf[12] = byte(OrderBigEndian)

	h, err := DecodeHeader(buf)
	if err != nil {
		t.Fatalf("DecodeHeader: %v", err)
	}
	if h.ServiceID != ServiceCPG || h.FunctionID != 3 || h.Size != 99 {
		t.Fatalf("DecodeHeader misparsed big-endian header: %+v", h)
	}
	if !h.NeedsConvert() {
		t.Error("a header tagged with a foreign order must need conversion")
	}
}

func TestRingID_LessAndEqual(t *testing.T) {
	a := RingID{Rep: 1, Seq: 5}
	b := RingID{Rep: 1, Seq: 6}
	c := RingID{Rep: 2, Seq: 0}

	if !a.Less(b) {
		t.Error("(1,5) should be less than (1,6)")
	}
	if !b.Less(c) {
		t.Error("(1,6) should be less than (2,0), representative dominates sequence")
	}
	if a.Equal(b) {
		t.Error("(1,5) must not equal (1,6)")
	}
	if !a.Equal(RingID{Rep: 1, Seq: 5}) {
		t.Error("identical ring ids must compare equal")
	}
}

func TestBarrier_EncodeDecodeRoundTrip(t *testing.T) {
	m := Barrier{RingID: RingID{Rep: 3, Seq: 1009}}
	got, err := DecodeBarrier(m.Encode(), binary.LittleEndian)
	if err != nil {
		t.Fatalf("DecodeBarrier: %v", err)
	}
	if !got.RingID.Equal(m.RingID) {
		t.Fatalf("DecodeBarrier = %+v, want %+v", got, m)
	}
}

func TestBarrier_ConvertEndian_Involution(t *testing.T) {
	m := Barrier{RingID: RingID{Rep: 0xAABBCCDD, Seq: 0x1122334455667788}}
	orig := m
	m.ConvertEndian()
	if m.RingID.Equal(orig.RingID) {
		t.Error("ConvertEndian must change a nonzero ring id's bytes")
	}
	m.ConvertEndian()
	if !m.RingID.Equal(orig.RingID) {
		t.Error("ConvertEndian applied twice must be the identity")
	}
}

func TestServiceBuild_EncodeDecodeRoundTrip(t *testing.T) {
	m := ServiceBuild{
		RingID:      RingID{Rep: 1, Seq: 4},
		ServiceList: []ServiceID{ServiceSync, ServiceVotequorum, ServiceCPG},
	}
	got, err := DecodeServiceBuild(m.Encode(), binary.LittleEndian)
	if err != nil {
		t.Fatalf("DecodeServiceBuild: %v", err)
	}
	if !got.RingID.Equal(m.RingID) || len(got.ServiceList) != len(m.ServiceList) {
		t.Fatalf("DecodeServiceBuild = %+v, want %+v", got, m)
	}
	for i := range m.ServiceList {
		if got.ServiceList[i] != m.ServiceList[i] {
			t.Fatalf("ServiceList[%d] = %v, want %v", i, got.ServiceList[i], m.ServiceList[i])
		}
	}
}

func TestDecodeServiceBuild_RejectsOversizedCount(t *testing.T) {
	buf := make([]byte, 16)
	binary.LittleEndian.PutUint32(buf[12:16], MaxSyncServices+1)
	if _, err := DecodeServiceBuild(buf, binary.LittleEndian); err == nil {
		t.Error("expected error when entry count exceeds MaxSyncServices")
	}
}
