// Package storage is C2: the relational persistence layer (spec.md §4.2)
// backed by github.com/jinzhu/gorm + github.com/go-sql-driver/mysql,
// plus the embedded KV layer (leveldb/badger) chain state uses instead of
// the relational store (see kv.go). The schema below is authoritative and
// independent of gorm's own vocabulary, per spec.md §4.2.
package storage

import "time"

// JobState is one of the states in spec.md §4.3's lifecycle diagram.
type JobState string

const (
	JobQueued    JobState = "QUEUED"
	JobAssigned  JobState = "ASSIGNED"
	JobRunning   JobState = "RUNNING"
	JobCompleted JobState = "COMPLETED"
	JobFailed    JobState = "FAILED"
	JobExpired   JobState = "EXPIRED"
	JobCancelled JobState = "CANCELLED"
)

// Terminal reports whether s is one of the absorbing states.
func (s JobState) Terminal() bool {
	switch s {
	case JobCompleted, JobFailed, JobExpired, JobCancelled:
		return true
	default:
		return false
	}
}

// EscrowState is one of {held, released, refunded}; transitions are
// monotonic per spec.md §3.1.
type EscrowState string

const (
	EscrowHeld      EscrowState = "held"
	EscrowReleased  EscrowState = "released"
	EscrowRefunded  EscrowState = "refunded"
)

// JobRow is the gorm model backing the Job entity (spec.md §3.1).
type JobRow struct {
	ID             string `gorm:"primary_key"`
	ClientAddr     string `gorm:"index"`
	ClientNonce    string `gorm:"index"` // idempotency key component
	TenantID       string `gorm:"index"`
	PayloadJSON    string `gorm:"type:text"`
	ConstraintsJSON string `gorm:"type:text"`
	PriceCeiling   uint64
	Deadline       time.Time
	State          JobState `gorm:"index"`
	AssignedMiner  string   `gorm:"index"`
	Progress       int
	ResultJSON     string `gorm:"type:text"`
	ReceiptID      string `gorm:"index"`
	ReceiptJSON    string `gorm:"type:text"` // coordinator's own history copy; the chain's copy lives in ReceiptRow, keyed separately to avoid double-inserting the unique receipt_id index
	PaymentState   EscrowState
	RetryCount     int
	FailureReason  string
	CreatedAt      time.Time
	AssignedAt     *time.Time
	CompletedAt    *time.Time
}

func (JobRow) TableName() string { return "jobs" }

// MinerRow is the gorm model backing the Miner entity (spec.md §3.1).
type MinerRow struct {
	ID              string `gorm:"primary_key"`
	APIKeyHash      string `gorm:"index"`
	Address         string
	Endpoint        string
	CapabilitiesJSON string `gorm:"type:text"`
	PricePer1kUnits uint64
	MaxParallel     int
	TagsJSON        string `gorm:"type:text"`
	Region          string `gorm:"index"`
	Trust           float64
	LastSeen        time.Time
	QueueLen        int
	Busy            bool
	SessionToken    string `gorm:"index"`
	SessionExpires  time.Time
	CreatedAt       time.Time
}

func (MinerRow) TableName() string { return "miners" }

// ReceiptRow persists a ComputeReceipt's canonical bytes plus the
// signatures blob, with a unique index on receipt_id enforcing the replay
// rule of spec.md §4.2 rule 2.
type ReceiptRow struct {
	ReceiptID    string `gorm:"primary_key"`
	JobID        string `gorm:"index"`
	ClientAddr   string
	MinerAddr    string
	ComputeUnits uint64
	Price        uint64
	OutputHash   string
	StartedAt    int64
	CompletedAt  int64
	MetadataJSON string `gorm:"type:text"`
	SignaturesJSON string `gorm:"type:text"`
	Threshold    int
	IncludedInBlock uint64 // 0 until included
	CreatedAt    time.Time
}

func (ReceiptRow) TableName() string { return "receipts" }

// AccountRow is the gorm model backing Account balances/nonces. The chain
// node is the single writer; the relational copy here mirrors state for
// coordinator-side balance checks (submit_job's INSUFFICIENT_FUNDS check)
// without round-tripping through the chain RPC on every submission.
type AccountRow struct {
	Address string `gorm:"primary_key"`
	Balance uint64
	Nonce   uint64
	PubKey  string
}

func (AccountRow) TableName() string { return "accounts" }

// EscrowRow is the gorm model backing the Escrow entity (spec.md §3.1).
type EscrowRow struct {
	JobID   string      `gorm:"primary_key"`
	ClientAddr string
	Amount  uint64
	State   EscrowState
	UpdatedAt time.Time
}

func (EscrowRow) TableName() string { return "escrows" }

// TxIndexRow is a relational index over chain transactions, used by the
// RPC surface's getTx read without hitting the KV chain store for every
// lookup.
type TxIndexRow struct {
	Hash      string `gorm:"primary_key"`
	Sender    string `gorm:"index"`
	Nonce     uint64
	Kind      string // TRANSFER | RECEIPT_CLAIM
	BlockHeight uint64 `gorm:"index"`
	Status    string
}

func (TxIndexRow) TableName() string { return "tx_index" }

// MatchStatusRow is the matchmaking cache record of spec.md §3.1.
type MatchStatusRow struct {
	MinerID       string `gorm:"primary_key"`
	QueueLen      int
	Busy          bool
	AvgLatencyMS  float64
	MemFreeMB     uint64
	UpdatedAt     time.Time
}

func (MatchStatusRow) TableName() string { return "match_status" }

// TenantRow backs the `tenants list|add|remove` CLI surface (SPEC_FULL.md
// supplement): a tenant scopes API keys and rate-limit buckets.
type TenantRow struct {
	ID        string `gorm:"primary_key"`
	Name      string
	APIKeysJSON string `gorm:"type:text"`
	CreatedAt time.Time
}

func (TenantRow) TableName() string { return "tenants" }

// AllModels lists every gorm model for AutoMigrate, in a stable order.
func AllModels() []interface{} {
	return []interface{}{
		&JobRow{}, &MinerRow{}, &ReceiptRow{}, &AccountRow{}, &EscrowRow{},
		&TxIndexRow{}, &MatchStatusRow{}, &TenantRow{},
	}
}
