package service

import (
	"testing"

	"github.com/clusterkit/qcored/internal/wire"
)

type fakeEngine struct {
	id       wire.ServiceID
	name     string
	handlers map[wire.FunctionID]ExecHandler
}

func (f *fakeEngine) ID() wire.ServiceID   { return f.id }
func (f *fakeEngine) Name() string         { return f.name }
func (f *fakeEngine) Priority() int        { return 0 }
func (f *fakeEngine) LibInit() error       { return nil }
func (f *fakeEngine) LibExit() error       { return nil }
func (f *fakeEngine) ExecHandlers() map[wire.FunctionID]ExecHandler {
	return f.handlers
}
func (f *fakeEngine) SyncInit([]wire.NodeID, []wire.NodeID, wire.RingID) error { return nil }
func (f *fakeEngine) SyncProcess() (bool, error)                              { return true, nil }
func (f *fakeEngine) SyncActivate() error                                     { return nil }
func (f *fakeEngine) SyncAbort()                                              {}
func (f *fakeEngine) ConfChg(ConfChgEvent)                                    {}

func TestRegistry_RegisterLookupIDs(t *testing.T) {
	r := NewRegistry()
	sync := &fakeEngine{id: wire.ServiceSync, name: "sync"}
	vq := &fakeEngine{id: wire.ServiceVotequorum, name: "votequorum"}

	// Register out of id order to verify IDs() sorts.
	if err := r.Register(vq); err != nil {
		t.Fatalf("Register(vq): %v", err)
	}
	if err := r.Register(sync); err != nil {
		t.Fatalf("Register(sync): %v", err)
	}

	got, ok := r.Lookup(wire.ServiceSync)
	if !ok || got.Name() != "sync" {
		t.Fatalf("Lookup(ServiceSync) = %v, %v", got, ok)
	}

	if _, ok := r.Lookup(wire.ServiceCPG); ok {
		t.Error("Lookup on an unregistered service id should report not-found")
	}

	ids := r.IDs()
	if len(ids) != 2 || ids[0] != wire.ServiceSync || ids[1] != wire.ServiceVotequorum {
		t.Fatalf("IDs() = %v, want ascending [%d %d]", ids, wire.ServiceSync, wire.ServiceVotequorum)
	}
}

func TestRegistry_Register_DuplicateIDRejected(t *testing.T) {
	r := NewRegistry()
	e := &fakeEngine{id: wire.ServiceCPG, name: "cpg"}
	if err := r.Register(e); err != nil {
		t.Fatalf("first Register: %v", err)
	}
	if err := r.Register(&fakeEngine{id: wire.ServiceCPG, name: "cpg-2"}); err == nil {
		t.Error("expected an error registering a second engine under the same service id")
	}
}

func TestRegistry_Dispatch_RoutesByServiceAndFunction(t *testing.T) {
	r := NewRegistry()
	var gotSender wire.NodeID
	var gotBody []byte
	e := &fakeEngine{
		id:   wire.ServiceVotequorum,
		name: "votequorum",
		handlers: map[wire.FunctionID]ExecHandler{
			5: func(sender wire.NodeID, frame wire.Frame) error {
				gotSender = sender
				gotBody = frame.Body
				return nil
			},
		},
	}
	if err := r.Register(e); err != nil {
		t.Fatalf("Register: %v", err)
	}

	frame := wire.Frame{Header: wire.Header{ServiceID: wire.ServiceVotequorum, FunctionID: 5}, Body: []byte("hi")}
	if err := r.Dispatch(42, frame); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if gotSender != 42 || string(gotBody) != "hi" {
		t.Fatalf("handler received (sender=%d, body=%q), want (42, %q)", gotSender, gotBody, "hi")
	}
}

func TestRegistry_Dispatch_UnknownServiceOrFunction(t *testing.T) {
	r := NewRegistry()
	e := &fakeEngine{id: wire.ServiceCPG, name: "cpg", handlers: map[wire.FunctionID]ExecHandler{}}
	if err := r.Register(e); err != nil {
		t.Fatalf("Register: %v", err)
	}

	if err := r.Dispatch(1, wire.Frame{Header: wire.Header{ServiceID: wire.ServiceSync}}); err == nil {
		t.Error("Dispatch to an unregistered service id should error")
	}
	if err := r.Dispatch(1, wire.Frame{Header: wire.Header{ServiceID: wire.ServiceCPG, FunctionID: 9}}); err == nil {
		t.Error("Dispatch to an unknown function id should error")
	}
}
