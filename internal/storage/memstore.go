package storage

import (
	"sync"
	"time"

	"github.com/oib/aitbc/internal/errs"
)

// memStore is an in-memory Store, mirroring the teacher's
// database.NewMemDatabase() fallback for ephemeral nodes (node/service.go).
// It backs unit tests so C3/C4/C5 logic can be exercised without a live
// MySQL instance.
type memStore struct {
	mu       sync.Mutex
	jobs     map[string]*JobRow
	miners   map[string]*MinerRow
	receipts map[string]*ReceiptRow
	accounts map[string]*AccountRow
	escrows  map[string]*EscrowRow
	txIndex  map[string]*TxIndexRow
	match    map[string]*MatchStatusRow
	tenants  map[string]*TenantRow
}

// NewMemStore returns a fresh in-memory Store.
func NewMemStore() Store {
	return &memStore{
		jobs:     map[string]*JobRow{},
		miners:   map[string]*MinerRow{},
		receipts: map[string]*ReceiptRow{},
		accounts: map[string]*AccountRow{},
		escrows:  map[string]*EscrowRow{},
		txIndex:  map[string]*TxIndexRow{},
		match:    map[string]*MatchStatusRow{},
		tenants:  map[string]*TenantRow{},
	}
}

// Tx on the in-memory store has no real rollback; since every method below
// already takes the single mutex, nested calls within fn are safe as long
// as fn calls back into the same Store handle (which callers always do).
func (m *memStore) Tx(fn func(s Store) error) error {
	return fn(m)
}

func cp(j JobRow) *JobRow { return &j }

func (m *memStore) CreateJob(j *JobRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[j.ID]; ok {
		return errs.New(errs.Conflict, "JOB_EXISTS", "job already exists")
	}
	row := cp(*j)
	m.jobs[j.ID] = row
	return nil
}

func (m *memStore) GetJob(id string) (*JobRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, errs.New(errs.NotFound, "JOB_NOT_FOUND", "job not found")
	}
	out := *j
	return &out, nil
}

func (m *memStore) FindJobByIdempotencyKey(clientAddr, clientNonce string) (*JobRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, j := range m.jobs {
		if j.ClientAddr == clientAddr && j.ClientNonce == clientNonce {
			out := *j
			return &out, nil
		}
	}
	return nil, nil
}

func (m *memStore) UpdateJob(j *JobRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	row := cp(*j)
	m.jobs[j.ID] = row
	return nil
}

func (m *memStore) ListJobsPastDeadline(now time.Time, states []JobState) ([]*JobRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	wanted := map[JobState]bool{}
	for _, s := range states {
		wanted[s] = true
	}
	var out []*JobRow
	for _, j := range m.jobs {
		if j.Deadline.Before(now) && wanted[j.State] {
			row := *j
			out = append(out, &row)
		}
	}
	return out, nil
}

func (m *memStore) UpsertMiner(mi *MinerRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	row := *mi
	m.miners[mi.ID] = &row
	return nil
}

func (m *memStore) GetMiner(id string) (*MinerRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mi, ok := m.miners[id]
	if !ok {
		return nil, errs.New(errs.NotFound, "MINER_NOT_FOUND", "miner not found")
	}
	out := *mi
	return &out, nil
}

func (m *memStore) GetMinerByAPIKeyHash(hash string) (*MinerRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, mi := range m.miners {
		if mi.APIKeyHash == hash {
			out := *mi
			return &out, nil
		}
	}
	return nil, errs.ErrAuthFailed
}

func (m *memStore) GetMinerBySessionToken(token string) (*MinerRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, mi := range m.miners {
		if mi.SessionToken == token {
			out := *mi
			return &out, nil
		}
	}
	return nil, errs.ErrAuthFailed
}

func (m *memStore) ListMiners() ([]*MinerRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*MinerRow
	for _, mi := range m.miners {
		row := *mi
		out = append(out, &row)
	}
	return out, nil
}

func (m *memStore) UpdateMinerTrust(id string, delta float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	mi, ok := m.miners[id]
	if !ok {
		return errs.New(errs.NotFound, "MINER_NOT_FOUND", "miner not found")
	}
	mi.Trust = clamp01(mi.Trust + delta)
	return nil
}

func (m *memStore) InsertReceipt(r *ReceiptRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.receipts[r.ReceiptID]; ok {
		return errs.ErrReplay
	}
	row := *r
	m.receipts[r.ReceiptID] = &row
	return nil
}

func (m *memStore) GetReceipt(receiptID string) (*ReceiptRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.receipts[receiptID]
	if !ok {
		return nil, errs.New(errs.NotFound, "RECEIPT_NOT_FOUND", "receipt not found")
	}
	out := *r
	return &out, nil
}

func (m *memStore) MarkReceiptIncluded(receiptID string, height uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.receipts[receiptID]
	if !ok {
		return errs.New(errs.NotFound, "RECEIPT_NOT_FOUND", "receipt not found")
	}
	r.IncludedInBlock = height
	return nil
}

func (m *memStore) UpsertAccount(a *AccountRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	row := *a
	m.accounts[a.Address] = &row
	return nil
}

func (m *memStore) GetAccount(addr string) (*AccountRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[addr]
	if !ok {
		return &AccountRow{Address: addr}, nil
	}
	out := *a
	return &out, nil
}

func (m *memStore) ResetLedger() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.accounts {
		a.Balance = 0
		a.Nonce = 0
	}
	m.receipts = make(map[string]*ReceiptRow)
	return nil
}

func (m *memStore) UpsertEscrow(e *EscrowRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	row := *e
	row.UpdatedAt = time.Now()
	m.escrows[e.JobID] = &row
	return nil
}

func (m *memStore) GetEscrow(jobID string) (*EscrowRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.escrows[jobID]
	if !ok {
		return nil, errs.New(errs.NotFound, "ESCROW_NOT_FOUND", "escrow not found")
	}
	out := *e
	return &out, nil
}

func (m *memStore) InsertTxIndex(t *TxIndexRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	row := *t
	m.txIndex[t.Hash] = &row
	return nil
}

func (m *memStore) GetTxIndex(hash string) (*TxIndexRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.txIndex[hash]
	if !ok {
		return nil, errs.New(errs.NotFound, "TX_NOT_FOUND", "transaction not found")
	}
	out := *t
	return &out, nil
}

func (m *memStore) UpsertMatchStatus(ms *MatchStatusRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	row := *ms
	row.UpdatedAt = time.Now()
	m.match[ms.MinerID] = &row
	return nil
}

func (m *memStore) ListMatchStatus() ([]*MatchStatusRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*MatchStatusRow
	for _, ms := range m.match {
		row := *ms
		out = append(out, &row)
	}
	return out, nil
}

func (m *memStore) UpsertTenant(t *TenantRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	row := *t
	m.tenants[t.ID] = &row
	return nil
}

func (m *memStore) ListTenants() ([]*TenantRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*TenantRow
	for _, t := range m.tenants {
		row := *t
		out = append(out, &row)
	}
	return out, nil
}

func (m *memStore) DeleteTenant(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tenants, id)
	return nil
}
