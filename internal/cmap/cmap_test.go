package cmap

import "testing"

func TestMap_SetGetDelete(t *testing.T) {
	m := New()
	if err := m.Set("quorum.expected_votes", Value{Type: TypeUint32, I: 3}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	v, ok := m.Get("quorum.expected_votes")
	if !ok || v.I != 3 {
		t.Fatalf("Get = %+v, %v, want I=3, true", v, ok)
	}

	if err := m.Delete("quorum.expected_votes"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok := m.Get("quorum.expected_votes"); ok {
		t.Error("key should be gone after Delete")
	}
}

func TestMap_Set_RejectsKeyLengthOutOfRange(t *testing.T) {
	m := New()
	if err := m.Set("ab", Value{}); err == nil {
		t.Error("expected error for a key shorter than minKeyLen")
	}
}

func TestMap_SetReadOnly_BlocksExternalWritesNotInternal(t *testing.T) {
	m := New()
	m.SetReadOnly("nodelist.")
	if err := m.Set("nodelist.node1.ip", Value{Type: TypeString, S: "10.0.0.1"}); err != ErrAccess {
		t.Fatalf("Set on read-only prefix = %v, want ErrAccess", err)
	}
	if err := m.SetInternal("nodelist.node1.ip", Value{Type: TypeString, S: "10.0.0.1"}); err != nil {
		t.Fatalf("SetInternal must bypass read-only protection: %v", err)
	}
	v, ok := m.Get("nodelist.node1.ip")
	if !ok || v.S != "10.0.0.1" {
		t.Fatalf("Get after SetInternal = %+v, %v", v, ok)
	}
}

func TestMap_AdjustInt(t *testing.T) {
	m := New()
	got, err := m.AdjustInt("votequorum.total_votes", 5)
	if err != nil {
		t.Fatalf("AdjustInt: %v", err)
	}
	if got != 5 {
		t.Fatalf("AdjustInt on an unset key = %d, want 5", got)
	}
	got, err = m.AdjustInt("votequorum.total_votes", -2)
	if err != nil {
		t.Fatalf("AdjustInt: %v", err)
	}
	if got != 3 {
		t.Fatalf("AdjustInt cumulative = %d, want 3", got)
	}
}

func TestMap_Prefix(t *testing.T) {
	m := New()
	_ = m.Set("runtime.votequorum.two_node", Value{Type: TypeUint8, I: 1})
	_ = m.Set("runtime.votequorum.wait_for_all", Value{Type: TypeUint8, I: 0})
	_ = m.Set("runtime.cpg.enabled", Value{Type: TypeUint8, I: 1})

	got := m.Prefix("runtime.votequorum.")
	if len(got) != 2 {
		t.Fatalf("Prefix matched %d keys, want 2: %v", len(got), SortedKeys(got))
	}
	if _, ok := got["runtime.cpg.enabled"]; ok {
		t.Error("Prefix must not match a key outside the requested prefix")
	}
}

func TestMap_TrackAdd_NotifiesOnAddModifyDelete(t *testing.T) {
	m := New()
	var events []EventKind
	id := m.TrackAdd("quorum.", EventAdd|EventModify|EventDelete, func(ev EventKind, key string, newVal, oldVal Value, userData any) {
		events = append(events, ev)
	}, nil)

	_ = m.Set("quorum.state", Value{Type: TypeString, S: "quorate"})
	_ = m.Set("quorum.state", Value{Type: TypeString, S: "not_quorate"})
	_ = m.Delete("quorum.state")

	if len(events) != 3 || events[0] != EventAdd || events[1] != EventModify || events[2] != EventDelete {
		t.Fatalf("events = %v, want [Add Modify Delete]", events)
	}

	m.TrackDel(id)
	events = nil
	_ = m.Set("quorum.state", Value{Type: TypeString, S: "quorate"})
	if len(events) != 0 {
		t.Error("no events should fire after TrackDel")
	}
}

func TestMap_TrackAdd_IgnoresKeysOutsidePrefix(t *testing.T) {
	m := New()
	var fired bool
	m.TrackAdd("cpg.", EventAdd, func(EventKind, string, Value, Value, any) { fired = true }, nil)
	_ = m.Set("quorum.state", Value{Type: TypeString, S: "quorate"})
	if fired {
		t.Error("subscription scoped to cpg. must not fire for a quorum. key")
	}
}
