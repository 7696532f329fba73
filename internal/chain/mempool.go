package chain

import (
	"encoding/binary"
	"hash"
	"sync"

	"github.com/steakknife/bloomfilter"
	prque "gopkg.in/karalabe/cookiejar.v2/collections/prque"

	"github.com/oib/aitbc/internal/errs"
)

// rawHash64 adapts a precomputed 64-bit digest to hash.Hash64, the shape
// github.com/steakknife/bloomfilter's Add/Contains expect.
type rawHash64 uint64

func (r rawHash64) Write(p []byte) (int, error) { return len(p), nil }
func (r rawHash64) Sum(b []byte) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(r))
	return append(b, buf[:]...)
}
func (r rawHash64) Reset()         {}
func (r rawHash64) Size() int      { return 8 }
func (r rawHash64) BlockSize() int { return 8 }
func (r rawHash64) Sum64() uint64  { return uint64(r) }

var _ hash.Hash64 = rawHash64(0)

func fnv64(s string) rawHash64 {
	var h uint64 = 14695981039346656037
	for i := 0; i < len(s); i++ {
		h ^= uint64(s[i])
		h *= 1099511628211
	}
	return rawHash64(h)
}

// Mempool is the set of pending, validated transactions awaiting block
// inclusion (spec.md §3's GLOSSARY). Ordering is (fee desc, arrival asc);
// a bloom filter of admitted receipt ids backs MightContainReceipt, a fast
// probabilistic duplicate pre-check ahead of the authoritative unique
// receipt_id index in storage. The proposer loop does not call it.
type Mempool struct {
	mu       sync.Mutex
	pq       *prque.Prque
	byHash   map[string]*Tx
	seenRecs *bloomfilter.Filter
	arrival  int64
}

// NewMempool builds an empty mempool sized for roughly maxExpected
// distinct receipt ids.
func NewMempool(maxExpected uint64) *Mempool {
	bf, err := bloomfilter.NewOptimal(maxExpected, 0.001)
	if err != nil {
		bf, _ = bloomfilter.NewOptimal(1024, 0.001)
	}
	return &Mempool{pq: prque.New(), byHash: map[string]*Tx{}, seenRecs: bf}
}

// MightContainReceipt is the probabilistic pre-check; false means
// definitely not present, true means maybe present (authoritative answer
// comes from storage's unique index at tx validation time).
func (m *Mempool) MightContainReceipt(receiptID string) bool {
	return m.seenRecs.Contains(fnv64(receiptID))
}

// Add inserts tx into the mempool, ordered by (fee desc, arrival asc).
func (m *Mempool) Add(tx *Tx) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	h := tx.Hash()
	if _, ok := m.byHash[h]; ok {
		return errs.ErrReplay
	}
	m.arrival++
	tx.arrival = m.arrival
	priority := int64(tx.Fee)*1_000_000_000 - tx.arrival
	m.pq.Push(tx, priority)
	m.byHash[h] = tx
	if tx.Kind == TxReceiptClaim && tx.Receipt != nil {
		m.seenRecs.Add(fnv64(tx.Receipt.ReceiptID))
	}
	return nil
}

// Len reports the number of pending transactions.
func (m *Mempool) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pq.Size()
}

// Empty reports whether the mempool holds zero transactions — the signal
// that gates block production (spec.md §4.5's strict invariant).
func (m *Mempool) Empty() bool { return m.Len() == 0 }

// Drain pops up to maxTxs transactions in priority order, stopping early
// if maxBytes (approximated by a per-tx fixed cost) would be exceeded.
func (m *Mempool) Drain(maxTxs int, maxBytes int) []*Tx {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Tx
	size := 0
	const approxTxBytes = 512
	for len(out) < maxTxs && !m.pq.Empty() {
		if size+approxTxBytes > maxBytes && maxBytes > 0 {
			break
		}
		item, _ := m.pq.Pop()
		tx := item.(*Tx)
		delete(m.byHash, tx.Hash())
		out = append(out, tx)
		size += approxTxBytes
	}
	return out
}

// Remove drops hash from the duplicate index only; a tx still queued for
// Drain stays queued. Nothing in this package calls it.
func (m *Mempool) Remove(hash string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.byHash, hash)
}
