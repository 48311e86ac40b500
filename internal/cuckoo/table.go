// Package cuckoo implements a fixed-capacity associative index with
// two hash functions, 4-way buckets and displacement.
//
// Each bucket entry stores both the primary and the alternative
// signature of its key, so a displaced entry can still identify both
// of its buckets without rehashing the key. Free key slots are handed
// out by an SPSC ring pre-populated with the indices 1..entries; slot
// 0 is the null sentinel. The table is single-threaded.
package cuckoo

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"math/bits"

	"github.com/pktlat-platform/pktlat/common/go/xerror"
	"github.com/pktlat-platform/pktlat/internal/ring"
)

const (
	bucketEntries = 4
	entriesMin    = 8
	entriesMax    = 1 << 20

	hashSeed      = 7
	nullSignature = 0
)

var (
	// ErrNoSpace is returned by Add when neither bucket of the key can
	// be freed up by displacement, or all key slots are taken.
	ErrNoSpace = errors.New("no space in hash table")
	// ErrNotFound is returned by Delete for an absent key.
	ErrNotFound = errors.New("key not found")
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// signatures holds the two bucket signatures of one stored key: the
// hash for the bucket the entry currently sits in, and the hash for
// its alternative bucket. current == nullSignature marks a free entry.
type signatures struct {
	current uint32
	alt     uint32
}

type bucket struct {
	sigs [bucketEntries]signatures
	// Key slot per entry, plus the dummy index that always reads 0.
	keyIdx [bucketEntries + 1]uint32
	// Push-in-progress marks guarding the displacement recursion.
	pushed [bucketEntries]bool
}

// Table is a cuckoo hash index mapping fixed-length byte keys to u32
// values.
type Table struct {
	entries    uint32
	numBuckets uint32
	keyLen     uint32
	bucketMask uint32

	buckets   []bucket
	keyStore  []byte   // (entries+1) slots of keyLen bytes, slot 0 unused
	values    []uint32 // parallel to key slots
	freeSlots *ring.Ring
}

// New creates a table for the given key length and capacity. The
// capacity is clamped to at least 8 entries; the bucket count is the
// capacity rounded up to a power of two, divided by the bucket width.
func New(keyLen, entries uint32) (*Table, error) {
	if keyLen == 0 || entries == 0 {
		return nil, fmt.Errorf("invalid table parameters: key len %d, entries %d: %w",
			keyLen, entries, xerror.ErrBadParam)
	}
	if entries > entriesMax {
		return nil, fmt.Errorf("table capacity %d exceeds maximum %d: %w",
			entries, entriesMax, xerror.ErrOutOfRange)
	}
	if entries < entriesMin {
		entries = entriesMin
	}

	numBuckets := roundUpPow2(entries) / bucketEntries

	freeSlots, err := ring.New(4 * (entries + 1))
	if err != nil {
		return nil, fmt.Errorf("failed to create free-slot ring: %w", err)
	}

	t := &Table{
		entries:    entries,
		numBuckets: numBuckets,
		keyLen:     keyLen,
		bucketMask: numBuckets - 1,
		buckets:    make([]bucket, numBuckets),
		keyStore:   make([]byte, (entries+1)*keyLen),
		values:     make([]uint32, entries+1),
		freeSlots:  freeSlots,
	}

	// Slot zero is reserved for key misses.
	var idx [4]byte
	for i := uint32(1); i <= entries; i++ {
		binary.LittleEndian.PutUint32(idx[:], i)
		t.freeSlots.Put(idx[:])
	}
	return t, nil
}

// Close releases the free-slot ring memory.
func (t *Table) Close() error {
	return t.freeSlots.Close()
}

// Entries returns the table capacity.
func (t *Table) Entries() uint32 {
	return t.entries
}

func (t *Table) hash(key []byte) uint32 {
	sig := crc32.Update(hashSeed, castagnoli, key)
	if sig == nullSignature {
		// The null signature marks empty entries; remap so every real
		// key stays representable.
		sig = 1
	}
	return sig
}

// altHash derives the secondary hash from the primary one, so either
// bucket can recover the signature pair of a displaced key.
func altHash(primary uint32) uint32 {
	const (
		allBitsShift = 12
		altBitsXor   = 0x5bd1e995
	)
	tag := primary >> allBitsShift
	return primary ^ ((tag + 1) * altBitsXor)
}

func (t *Table) keySlot(idx uint32) []byte {
	return t.keyStore[idx*t.keyLen : (idx+1)*t.keyLen]
}

func (t *Table) takeSlot() (uint32, bool) {
	var buf [4]byte
	if t.freeSlots.Get(buf[:]) != 4 {
		return 0, false
	}
	return binary.LittleEndian.Uint32(buf[:]), true
}

func (t *Table) releaseSlot(idx uint32) {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], idx)
	t.freeSlots.Put(buf[:])
}

// makeSpace frees one entry of bkt by pushing a resident to its
// alternative bucket, recursing when every alternative is full. The
// pushed marks stop the recursion from re-entering a bucket entry that
// is already part of the displacement chain. Returns the freed entry
// index, or a negative value when nothing could be moved.
func (t *Table) makeSpace(bkt *bucket) int {
	var next [bucketEntries]*bucket

	for i := 0; i < bucketEntries; i++ {
		nextIdx := bkt.sigs[i].alt & t.bucketMask
		next[i] = &t.buckets[nextIdx]
		for j := 0; j < bucketEntries; j++ {
			if next[i].sigs[j].current == nullSignature {
				next[i].sigs[j] = signatures{current: bkt.sigs[i].alt, alt: bkt.sigs[i].current}
				next[i].keyIdx[j] = bkt.keyIdx[i]
				return i
			}
		}
	}

	// Every alternative bucket is full: push one entry deeper.
	i := 0
	for ; i < bucketEntries; i++ {
		if !bkt.pushed[i] {
			break
		}
	}
	if i == bucketEntries {
		return -1
	}

	bkt.pushed[i] = true
	ret := t.makeSpace(next[i])
	bkt.pushed[i] = false

	if ret >= 0 {
		next[i].sigs[ret] = signatures{current: bkt.sigs[i].alt, alt: bkt.sigs[i].current}
		next[i].keyIdx[ret] = bkt.keyIdx[i]
		return i
	}
	return ret
}

// Add inserts the key or updates its value in place. It returns the
// slot id under which the key is stored; the id is stable for the
// lifetime of the key and can index caller-side arrays.
func (t *Table) Add(key []byte, value uint32) (int32, error) {
	if uint32(len(key)) != t.keyLen {
		return -1, fmt.Errorf("key length %d, want %d: %w", len(key), t.keyLen, xerror.ErrBadParam)
	}

	sig := t.hash(key)
	alt := altHash(sig)
	prim := &t.buckets[sig&t.bucketMask]
	sec := &t.buckets[alt&t.bucketMask]

	// Reserve a slot up front; released again on update or failure.
	slotID, ok := t.takeSlot()
	if !ok {
		return -1, ErrNoSpace
	}

	// Key already in its primary location?
	for i := 0; i < bucketEntries; i++ {
		if prim.sigs[i].current == sig && prim.sigs[i].alt == alt &&
			bytes.Equal(t.keySlot(prim.keyIdx[i]), key) {
			t.releaseSlot(slotID)
			t.values[prim.keyIdx[i]] = value
			return int32(prim.keyIdx[i]) - 1, nil
		}
	}
	// ... or displaced into its secondary location?
	for i := 0; i < bucketEntries; i++ {
		if sec.sigs[i].alt == sig && sec.sigs[i].current == alt &&
			bytes.Equal(t.keySlot(sec.keyIdx[i]), key) {
			t.releaseSlot(slotID)
			t.values[sec.keyIdx[i]] = value
			return int32(sec.keyIdx[i]) - 1, nil
		}
	}

	copy(t.keySlot(slotID), key)
	t.values[slotID] = value

	for i := 0; i < bucketEntries; i++ {
		if prim.sigs[i].current == nullSignature {
			prim.sigs[i] = signatures{current: sig, alt: alt}
			prim.keyIdx[i] = slotID
			return int32(slotID) - 1, nil
		}
	}

	if ret := t.makeSpace(prim); ret >= 0 {
		prim.sigs[ret] = signatures{current: sig, alt: alt}
		prim.keyIdx[ret] = slotID
		return int32(slotID) - 1, nil
	}

	t.releaseSlot(slotID)
	return -1, ErrNoSpace
}

// Lookup returns the value stored under key.
func (t *Table) Lookup(key []byte) (uint32, bool) {
	if uint32(len(key)) != t.keyLen {
		return 0, false
	}

	sig := t.hash(key)
	bkt := &t.buckets[sig&t.bucketMask]
	for i := 0; i < bucketEntries; i++ {
		if bkt.sigs[i].current == sig && bkt.sigs[i].current != nullSignature &&
			bytes.Equal(t.keySlot(bkt.keyIdx[i]), key) {
			return t.values[bkt.keyIdx[i]], true
		}
	}

	alt := altHash(sig)
	bkt = &t.buckets[alt&t.bucketMask]
	for i := 0; i < bucketEntries; i++ {
		if bkt.sigs[i].current == alt && bkt.sigs[i].alt == sig &&
			bytes.Equal(t.keySlot(bkt.keyIdx[i]), key) {
			return t.values[bkt.keyIdx[i]], true
		}
	}
	return 0, false
}

// Delete removes the key and returns the slot id it was stored under.
func (t *Table) Delete(key []byte) (int32, error) {
	if uint32(len(key)) != t.keyLen {
		return -1, fmt.Errorf("key length %d, want %d: %w", len(key), t.keyLen, xerror.ErrBadParam)
	}

	sig := t.hash(key)
	bkt := &t.buckets[sig&t.bucketMask]
	for i := 0; i < bucketEntries; i++ {
		if bkt.sigs[i].current == sig && bkt.sigs[i].current != nullSignature &&
			bytes.Equal(t.keySlot(bkt.keyIdx[i]), key) {
			idx := bkt.keyIdx[i]
			bkt.sigs[i] = signatures{}
			t.releaseSlot(idx)
			return int32(idx) - 1, nil
		}
	}

	alt := altHash(sig)
	bkt = &t.buckets[alt&t.bucketMask]
	for i := 0; i < bucketEntries; i++ {
		if bkt.sigs[i].current == alt && bkt.sigs[i].alt == sig &&
			bytes.Equal(t.keySlot(bkt.keyIdx[i]), key) {
			idx := bkt.keyIdx[i]
			bkt.sigs[i] = signatures{}
			t.releaseSlot(idx)
			return int32(idx) - 1, nil
		}
	}
	return -1, ErrNotFound
}

// Iterate walks the table in bucket address order. The cursor must
// start at zero; it is advanced past the returned entry. The key slice
// aliases the table's key store and must not be modified.
func (t *Table) Iterate(next *uint32) (key []byte, value uint32, ok bool) {
	total := t.numBuckets * bucketEntries

	for *next < total {
		bkt := &t.buckets[*next/bucketEntries]
		i := *next % bucketEntries
		if bkt.sigs[i].current == nullSignature {
			*next++
			continue
		}
		idx := bkt.keyIdx[i]
		*next++
		return t.keySlot(idx), t.values[idx], true
	}
	return nil, 0, false
}

func roundUpPow2(v uint32) uint32 {
	if v <= 1 {
		return 1
	}
	return 1 << bits.Len32(v-1)
}
