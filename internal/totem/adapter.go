// Package totem defines the Adapter interface every engine programs
// against (spec §4.1): ordered multicast, view-change notification, named
// delivery groups, and node identity. internal/totem/simnet and
// internal/totem/grpcnet provide two interchangeable implementations.
package totem

import "github.com/clusterkit/qcored/internal/wire"

// Guarantee names a delivery guarantee Mcast can be asked for. AGREED is
// the only one this core relies on: all correct members deliver the same
// ordered stream, and a message delivered on one correct member is
// eventually delivered on every correct member of the same ring.
type Guarantee int

const (
	GuaranteeAgreed Guarantee = iota
)

// RecvFunc is a named-group receive callback:
// (sender_nodeid, bytes, order). Senders outside a joined group are
// ignored by the adapter before RecvFunc is ever called.
type RecvFunc func(sender wire.NodeID, data []byte, order wire.OrderTag)

// ViewChangeFunc is invoked on every membership transition with the
// transitional list, the new member list, and the new ring id. Ring ids
// are strictly increasing across consecutive calls on the same node.
type ViewChangeFunc func(transList, memberList []wire.NodeID, ringID wire.RingID)

// Adapter is the capability set the SYNC/VOTEQUORUM/CPG engines consume
// from the totem substrate.
type Adapter interface {
	// Mcast sends iov as one logical message with the given guarantee.
	Mcast(iov [][]byte, guarantee Guarantee) error

	// GroupsInitialize registers a named delivery group with its receive
	// callback. Calling it twice for the same name replaces the callback.
	GroupsInitialize(group string, recv RecvFunc) error

	// GroupsJoin marks this node as a member of group, so GroupsInitialize's
	// traffic on that name actually reaches it. A node must join a group
	// before its Mcast calls tagged for that group are delivered locally.
	GroupsJoin(group string) error

	// OnViewChange registers the callback invoked on every ring change.
	// Only one callback may be registered; registering again replaces it.
	OnViewChange(fn ViewChangeFunc)

	MyNodeID() wire.NodeID
	MyFamily() string

	// IfaceString renders a node id for logs, e.g. "10.0.0.3:5405".
	IfaceString(id wire.NodeID) string
}
