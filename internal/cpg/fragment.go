package cpg

import "github.com/clusterkit/qcored/internal/wire"

// Reassembler accumulates PARTIAL_MCAST fragments for one (group, source,
// pid) stream in FragFirst..FragLast order. It is deliberately not
// concurrency-safe on its own — callers hold Engine.mu while touching the
// reassembly map.
type Reassembler struct {
	total   uint32
	buf     []byte
	started bool
}

// Add appends one fragment. It returns the reassembled payload and true
// once a FragLast fragment completes the message; otherwise it returns
// (nil, false) and keeps accumulating.
//
// A FragFirst received while already mid-message discards the prior
// partial buffer — the sender's own transition_counter invariant
// (PartialMcast) is what actually prevents this in the normal case; this
// is just the reassembler's defense against a dropped FragLast.
func (r *Reassembler) Add(frag wire.FragType, totalLen uint32, payload []byte) ([]byte, bool) {
	switch frag {
	case wire.FragFirst:
		r.buf = append([]byte(nil), payload...)
		r.total = totalLen
		r.started = true
	case wire.FragContinued:
		if !r.started {
			return nil, false
		}
		r.buf = append(r.buf, payload...)
	case wire.FragLast:
		if !r.started {
			r.buf = append([]byte(nil), payload...)
		} else {
			r.buf = append(r.buf, payload...)
		}
		out := r.buf
		r.buf = nil
		r.started = false
		return out, true
	}
	return nil, false
}

// reassemble runs one PARTIAL_MCAST frame through the engine's per-stream
// reassembler and returns the whole message once a FragLast completes it;
// it delivers nothing to local subscribers itself. Unlike deliverToGroup's per-fragment call (used for
// unbuffered mid-stream visibility by some local consumers), this is the
// path a client that only wants whole messages should use.
func (e *Engine) reassemble(group string, source wire.NodeID, pid uint32, frag wire.FragType, totalLen uint32, payload []byte) ([]byte, bool) {
	key := reassemblyKey{group: group, source: source, pid: pid}
	e.mu.Lock()
	r, ok := e.reassembly[key]
	if !ok {
		r = &Reassembler{}
		e.reassembly[key] = r
	}
	e.mu.Unlock()

	out, done := r.Add(frag, totalLen, payload)
	if done {
		e.mu.Lock()
		delete(e.reassembly, key)
		e.mu.Unlock()
	}
	return out, done
}
