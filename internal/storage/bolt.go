// Package storage is the persistence layer for the quorum core: the
// votequorum expected-votes barrier (a raw 4-byte host-order file,
// fdatasync-flushed per the spec), a bbolt-backed quorum-transition audit
// ledger, and a CPG process-info snapshot for crash recovery. The ACID
// bucket-transaction style is carried over unchanged from the teacher's
// BoltDB storage layer; the schema itself is new.
package storage

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
	"golang.org/x/sys/unix"

	"github.com/clusterkit/qcored/internal/wire"
)

const (
	// DefaultDBPath is the default bbolt file location for the
	// quorum-transition ledger and CPG snapshot.
	DefaultDBPath = "/var/lib/qcored/qcored.db"

	// DefaultEvBarrierPath is the default raw expected-votes barrier file.
	DefaultEvBarrierPath = "/var/lib/qcored/ev_barrier"

	// SchemaVersion is the current bbolt database schema version.
	SchemaVersion = "1"

	bucketLedger      = "quorum_ledger"
	bucketCPGSnapshot = "cpg_snapshot"
	bucketMeta        = "meta"
)

// --- ev_barrier: raw 4-byte host-order file ---------------------------

// EvBarrierStore persists the expected-votes high-water mark as a single
// 4-byte host-order uint32 file, flushed with an fdatasync-equivalent
// call on every write so a crash can never observe a barrier value lower
// than one a prior process already committed to. It implements
// votequorum.BarrierStore.
type EvBarrierStore struct {
	path string
}

// NewEvBarrierStore returns a store backed by the file at path. The file
// is created by the first Save if it does not already exist.
func NewEvBarrierStore(path string) *EvBarrierStore {
	return &EvBarrierStore{path: path}
}

// Load reads the persisted barrier value. A missing file is not an
// error — it reads as 0, matching a freshly provisioned node.
func (s *EvBarrierStore) Load() (uint32, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("storage: read ev_barrier %q: %w", s.path, err)
	}
	if len(data) < 4 {
		return 0, fmt.Errorf("storage: ev_barrier %q truncated: %d bytes", s.path, len(data))
	}
	return binary.NativeEndian.Uint32(data[:4]), nil
}

// Save overwrites the barrier file with v and fdatasyncs it before
// returning, so the write survives a crash immediately after this call.
func (s *EvBarrierStore) Save(v uint32) error {
	f, err := os.OpenFile(s.path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return fmt.Errorf("storage: open ev_barrier %q: %w", s.path, err)
	}
	defer f.Close()

	var buf [4]byte
	binary.NativeEndian.PutUint32(buf[:], v)
	if _, err := f.WriteAt(buf[:], 0); err != nil {
		return fmt.Errorf("storage: write ev_barrier %q: %w", s.path, err)
	}
	if err := unix.Fdatasync(int(f.Fd())); err != nil {
		return fmt.Errorf("storage: fdatasync ev_barrier %q: %w", s.path, err)
	}
	return nil
}

// --- quorum-transition audit ledger (bbolt) ---------------------------

// LedgerEntry is one chained-hash audit record of a quorate/non-quorate
// transition. DecisionHash/ParentHash form the same sha256 hash chain
// the quorum façade's fatal-event history uses, so both ledgers can be
// cross-referenced by an operator without reconciling two different
// integrity schemes.
type LedgerEntry struct {
	Timestamp     time.Time   `json:"timestamp"`
	Quorate       bool        `json:"quorate"`
	RingRep       wire.NodeID `json:"ring_rep"`
	RingSeq       uint64      `json:"ring_seq"`
	TotalVotes    uint32      `json:"total_votes"`
	ExpectedVotes uint32      `json:"expected_votes"`
	DecisionHash  string      `json:"decision_hash"`
	ParentHash    string      `json:"parent_hash"`
}

// CPGSnapshotEntry is one (node, pid, group) membership row persisted
// for crash-recovery inspection. It intentionally mirrors
// cpg.ProcessInfo's shape without importing internal/cpg — callers
// adapt.
type CPGSnapshotEntry struct {
	NodeID    wire.NodeID `json:"node_id"`
	PID       uint32      `json:"pid"`
	GroupName string      `json:"group_name"`
}

// DB wraps a bbolt instance with typed accessors for the quorum-transition
// ledger and the CPG snapshot.
type DB struct {
	db         *bolt.DB
	ledgerMu   sync.Mutex
	ledgerHead string
}

// Open opens (or creates) the bbolt database at path and initializes its
// buckets and schema version.
func Open(path string) (*DB, error) {
	bdb, err := bolt.Open(path, 0o600, &bolt.Options{
		Timeout:      5 * time.Second,
		FreelistType: bolt.FreelistArrayType,
	})
	if err != nil {
		return nil, fmt.Errorf("storage: bolt.Open(%q): %w", path, err)
	}

	d := &DB{db: bdb}
	if err := d.db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{bucketLedger, bucketCPGSnapshot, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("CreateBucketIfNotExists(%q): %w", name, err)
			}
		}
		meta := tx.Bucket([]byte(bucketMeta))
		if meta.Get([]byte("schema_version")) == nil {
			if err := meta.Put([]byte("schema_version"), []byte(SchemaVersion)); err != nil {
				return fmt.Errorf("write schema_version: %w", err)
			}
		}
		return nil
	}); err != nil {
		_ = bdb.Close()
		return nil, fmt.Errorf("storage: database initialisation failed: %w", err)
	}

	if err := d.checkSchemaVersion(); err != nil {
		_ = bdb.Close()
		return nil, err
	}
	if err := d.restoreLedgerHead(); err != nil {
		_ = bdb.Close()
		return nil, err
	}
	return d, nil
}

func (d *DB) checkSchemaVersion() error {
	return d.db.View(func(tx *bolt.Tx) error {
		meta := tx.Bucket([]byte(bucketMeta))
		v := meta.Get([]byte("schema_version"))
		if string(v) != SchemaVersion {
			return fmt.Errorf("storage: schema version mismatch: database has %q, agent requires %q", string(v), SchemaVersion)
		}
		return nil
	})
}

// restoreLedgerHead seeds ledgerHead from the most recent ledger entry so
// a restarted process continues the same hash chain instead of starting
// a new one that would look like tampering to an auditor diffing the
// full history.
func (d *DB) restoreLedgerHead() error {
	return d.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketLedger))
		c := b.Cursor()
		_, v := c.Last()
		if v == nil {
			return nil
		}
		var entry LedgerEntry
		if err := json.Unmarshal(v, &entry); err != nil {
			return fmt.Errorf("restore ledger head: %w", err)
		}
		d.ledgerHead = entry.DecisionHash
		return nil
	})
}

// Close closes the underlying bbolt file.
func (d *DB) Close() error {
	return d.db.Close()
}

func ledgerKey(t time.Time) []byte {
	// Fixed-width nanoseconds (RFC3339Nano trims trailing zeros) so the
	// bucket's byte order is the entries' time order.
	return []byte(t.UTC().Format("2006-01-02T15:04:05.000000000Z07:00"))
}

// AppendTransition implements votequorum.TransitionLedger: it writes one
// chained-hash LedgerEntry per quorate-ness change.
func (d *DB) AppendTransition(quorate bool, ringID wire.RingID, totalVotes, expectedVotes uint32) error {
	d.ledgerMu.Lock()
	defer d.ledgerMu.Unlock()

	entry := LedgerEntry{
		Timestamp:     time.Now().UTC(),
		Quorate:       quorate,
		RingRep:       ringID.Rep,
		RingSeq:       ringID.Seq,
		TotalVotes:    totalVotes,
		ExpectedVotes: expectedVotes,
		ParentHash:    d.ledgerHead,
	}
	entry.DecisionHash = chainHash(entry)

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("storage: marshal ledger entry: %w", err)
	}
	if err := d.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketLedger))
		return b.Put(ledgerKey(entry.Timestamp), data)
	}); err != nil {
		return fmt.Errorf("storage: append ledger entry: %w", err)
	}
	d.ledgerHead = entry.DecisionHash
	return nil
}

// ReadLedger returns every recorded transition in chronological order,
// for the operator socket's `ledger` command.
func (d *DB) ReadLedger() ([]LedgerEntry, error) {
	var entries []LedgerEntry
	err := d.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketLedger))
		return b.ForEach(func(_, v []byte) error {
			var entry LedgerEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				return err
			}
			entries = append(entries, entry)
			return nil
		})
	})
	return entries, err
}

func chainHash(e LedgerEntry) string {
	h := sha256.New()
	fmt.Fprintf(h, "%t|%d|%d|%d|%d|%s", e.Quorate, e.RingRep, e.RingSeq, e.TotalVotes, e.ExpectedVotes, e.ParentHash)
	return hex.EncodeToString(h.Sum(nil))
}

// --- CPG snapshot -------------------------------------------------------

// PutCPGSnapshot overwrites the stored CPG membership snapshot. Called
// from cpg.Engine's SnapshotFunc hook after every successful SyncActivate.
func (d *DB) PutCPGSnapshot(ringID wire.RingID, entries []CPGSnapshotEntry) error {
	data, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("storage: marshal cpg snapshot: %w", err)
	}
	return d.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketCPGSnapshot))
		if err := b.Put([]byte("ring"), []byte(fmt.Sprintf("%d.%d", ringID.Rep, ringID.Seq))); err != nil {
			return err
		}
		return b.Put([]byte("entries"), data)
	})
}

// ReadCPGSnapshot returns the last persisted CPG snapshot, or (nil, "",
// nil) if none has been written yet.
func (d *DB) ReadCPGSnapshot() (entries []CPGSnapshotEntry, ring string, err error) {
	err = d.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketCPGSnapshot))
		ringBytes := b.Get([]byte("ring"))
		if ringBytes == nil {
			return nil
		}
		ring = string(ringBytes)
		data := b.Get([]byte("entries"))
		if data == nil {
			return nil
		}
		return json.Unmarshal(data, &entries)
	})
	return entries, ring, err
}
