// spentset.go - Concurrent double-spend ledger.
//
// The set answers one question atomically: has this serial been redeemed
// before, and if not, record it now. A blobloom filter in front short-circuits
// the common "definitely new" case; the sharded exact map is authoritative and
// distinguishes real repeats from filter false positives. The critical section
// is a single shard mutex around a map operation, no I/O.

package spentset

import (
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	fr "github.com/consensys/gnark-crypto/ecc/bw6-761/fr"
	"github.com/greatroar/blobloom"
)

// Serial is the fixed-width ledger key form of a spend serial.
type Serial = [fr.Bytes]byte

// Status is the outcome of an InsertIfAbsent call.
type Status int

const (
	Inserted Status = iota
	AlreadyPresent
)

// Entry is what the ledger keeps per accepted serial: first-seen time and
// the receipt's tag material (kept for the optional tracing extension).
type Entry struct {
	FirstSeen time.Time
	Tag       [fr.Bytes]byte
}

// DoubleSpendError reports a repeated serial. Terminal and non-retryable.
type DoubleSpendError struct {
	Serial    Serial
	FirstSeen time.Time
}

func (e *DoubleSpendError) Error() string {
	return fmt.Sprintf("spentset: serial %s already spent at %s",
		hex.EncodeToString(e.Serial[:8]), e.FirstSeen.Format(time.RFC3339))
}

// Set is the abstract atomic spent-serial collection. InsertIfAbsent must be
// atomic as a single operation; it is the only strictly serialized operation
// in the system.
type Set interface {
	Contains(serial Serial) bool
	InsertIfAbsent(serial Serial, tag [fr.Bytes]byte) (Status, Entry)
	Len() int
	Reset()
}

const numShards = 256

type shard struct {
	mu      sync.Mutex
	entries map[Serial]Entry
}

// ShardedSet is the in-memory Set implementation: a bloom pre-filter backed
// by 256 shards keyed by the serial's first byte to bound contention.
type ShardedSet struct {
	filterMu sync.RWMutex
	filter   *blobloom.SyncFilter
	capacity uint64
	fpRate   float64
	shards   [numShards]shard
}

var _ Set = (*ShardedSet)(nil)

// New creates a ShardedSet sized for the expected number of serials in one
// billing epoch and the acceptable pre-filter false-positive rate.
func New(capacity uint64, fpRate float64) *ShardedSet {
	s := &ShardedSet{
		filter:   blobloom.NewSyncOptimized(blobloom.Config{Capacity: capacity, FPRate: fpRate}),
		capacity: capacity,
		fpRate:   fpRate,
	}
	for i := range s.shards {
		s.shards[i].entries = make(map[Serial]Entry)
	}
	return s
}

// Contains reports whether the serial has been accepted before. A negative
// filter answer is definitive; a positive one falls through to the exact set.
func (s *ShardedSet) Contains(serial Serial) bool {
	s.filterMu.RLock()
	hit := s.filter.Has(xxhash.Sum64(serial[:]))
	s.filterMu.RUnlock()
	if !hit {
		return false
	}
	sh := &s.shards[serial[0]]
	sh.mu.Lock()
	_, ok := sh.entries[serial]
	sh.mu.Unlock()
	return ok
}

// InsertIfAbsent records the serial if it is new and reports which way it
// went. On AlreadyPresent the returned Entry is the original one, so callers
// can surface the first-seen time in a DoubleSpendError.
func (s *ShardedSet) InsertIfAbsent(serial Serial, tag [fr.Bytes]byte) (Status, Entry) {
	sh := &s.shards[serial[0]]
	sh.mu.Lock()
	if prev, ok := sh.entries[serial]; ok {
		sh.mu.Unlock()
		return AlreadyPresent, prev
	}
	e := Entry{FirstSeen: time.Now().UTC(), Tag: tag}
	sh.entries[serial] = e
	sh.mu.Unlock()

	s.filterMu.RLock()
	s.filter.Add(xxhash.Sum64(serial[:]))
	s.filterMu.RUnlock()
	return Inserted, e
}

// Len returns the number of accepted serials.
func (s *ShardedSet) Len() int {
	n := 0
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		n += len(sh.entries)
		sh.mu.Unlock()
	}
	return n
}

// Reset clears the set for a new billing epoch. Intended to be called from
// the external epoch-boundary hook while no redemptions are in flight.
func (s *ShardedSet) Reset() {
	s.filterMu.Lock()
	s.filter = blobloom.NewSyncOptimized(blobloom.Config{Capacity: s.capacity, FPRate: s.fpRate})
	s.filterMu.Unlock()
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		sh.entries = make(map[Serial]Entry)
		sh.mu.Unlock()
	}
}
