package storage

import (
	"time"

	"github.com/jinzhu/gorm"
	_ "github.com/go-sql-driver/mysql"
	"github.com/oib/aitbc/internal/errs"
	"github.com/oib/aitbc/internal/logging"
)

var log = logging.NewModuleLogger(logging.ModuleStorage)

// Store is the storage-layer contract every C3/C4/C5 component programs
// against. A single implementation backs production (gormStore, driven by
// MySQL); an in-memory implementation backs unit tests without a live
// database, the same way the teacher's database.Database interface is
// satisfied by both LevelDB and an in-process memory database.
type Store interface {
	// Tx runs fn inside a single transactional session. Per spec.md §4.2
	// rule 1, every job state change crossing ASSIGNED<->COMPLETED and its
	// escrow delta must go through Tx together.
	Tx(fn func(s Store) error) error

	CreateJob(j *JobRow) error
	GetJob(id string) (*JobRow, error)
	FindJobByIdempotencyKey(clientAddr, clientNonce string) (*JobRow, error)
	UpdateJob(j *JobRow) error
	ListJobsPastDeadline(now time.Time, states []JobState) ([]*JobRow, error)

	UpsertMiner(m *MinerRow) error
	GetMiner(id string) (*MinerRow, error)
	GetMinerByAPIKeyHash(hash string) (*MinerRow, error)
	GetMinerBySessionToken(token string) (*MinerRow, error)
	ListMiners() ([]*MinerRow, error)
	UpdateMinerTrust(id string, delta float64) error

	// InsertReceipt enforces the unique index on receipt_id; a duplicate
	// insert returns an *errs.Error of Kind Conflict with code "REPLAY".
	InsertReceipt(r *ReceiptRow) error
	GetReceipt(receiptID string) (*ReceiptRow, error)
	MarkReceiptIncluded(receiptID string, height uint64) error

	UpsertAccount(a *AccountRow) error
	GetAccount(addr string) (*AccountRow, error)

	// ResetLedger zeroes every account's balance and nonce (keeping its
	// registered public key) and clears every previously-claimed receipt
	// ahead of a reorg-driven state rebuild (spec.md §4.5's cross-site
	// sync: "state is rebuilt for the affected range"). Receipts are
	// re-inserted as the replay re-applies each RECEIPT_CLAIM in order;
	// without clearing them first, replaying an already-once-applied
	// claim would trip the uniqueness check it originally satisfied.
	ResetLedger() error

	UpsertEscrow(e *EscrowRow) error
	GetEscrow(jobID string) (*EscrowRow, error)

	InsertTxIndex(t *TxIndexRow) error
	GetTxIndex(hash string) (*TxIndexRow, error)

	UpsertMatchStatus(m *MatchStatusRow) error
	ListMatchStatus() ([]*MatchStatusRow, error)

	UpsertTenant(t *TenantRow) error
	ListTenants() ([]*TenantRow, error)
	DeleteTenant(id string) error
}

// gormStore is the production Store, backed by a relational database via
// jinzhu/gorm (spec.md §4.2).
type gormStore struct {
	db *gorm.DB
}

// NewGormStore opens dsn (a MySQL DSN per DATABASE_URL) and runs
// AutoMigrate across every model in AllModels. Exit code 3 (migration
// failure, spec.md §6) is the caller's responsibility to surface.
func NewGormStore(dsn string) (Store, error) {
	db, err := gorm.Open("mysql", dsn)
	if err != nil {
		return nil, errs.Wrap(err, errs.Dependency, "DB_OPEN", "failed to open database")
	}
	db.LogMode(false)
	if err := db.AutoMigrate(AllModels()...).Error; err != nil {
		return nil, errs.Wrap(err, errs.Dependency, "DB_MIGRATE", "failed to migrate schema")
	}
	return &gormStore{db: db}, nil
}

func (g *gormStore) Tx(fn func(s Store) error) error {
	tx := g.db.Begin()
	if tx.Error != nil {
		return errs.Wrap(tx.Error, errs.Dependency, "DB_TX_BEGIN", "failed to begin transaction")
	}
	if err := fn(&gormStore{db: tx}); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit().Error; err != nil {
		return errs.Wrap(err, errs.Dependency, "DB_TX_COMMIT", "failed to commit transaction")
	}
	return nil
}

func (g *gormStore) CreateJob(j *JobRow) error {
	return wrapDBErr(g.db.Create(j).Error, "CreateJob")
}

func (g *gormStore) GetJob(id string) (*JobRow, error) {
	var j JobRow
	err := g.db.Where("id = ?", id).First(&j).Error
	if gorm.IsRecordNotFoundError(err) {
		return nil, errs.New(errs.NotFound, "JOB_NOT_FOUND", "job not found")
	}
	if err != nil {
		return nil, wrapDBErr(err, "GetJob")
	}
	return &j, nil
}

func (g *gormStore) FindJobByIdempotencyKey(clientAddr, clientNonce string) (*JobRow, error) {
	var j JobRow
	err := g.db.Where("client_addr = ? AND client_nonce = ?", clientAddr, clientNonce).First(&j).Error
	if gorm.IsRecordNotFoundError(err) {
		return nil, nil
	}
	if err != nil {
		return nil, wrapDBErr(err, "FindJobByIdempotencyKey")
	}
	return &j, nil
}

func (g *gormStore) UpdateJob(j *JobRow) error {
	return wrapDBErr(g.db.Save(j).Error, "UpdateJob")
}

func (g *gormStore) ListJobsPastDeadline(now time.Time, states []JobState) ([]*JobRow, error) {
	var rows []*JobRow
	err := g.db.Where("deadline < ? AND state in (?)", now, states).Find(&rows).Error
	if err != nil {
		return nil, wrapDBErr(err, "ListJobsPastDeadline")
	}
	return rows, nil
}

func (g *gormStore) UpsertMiner(m *MinerRow) error {
	return wrapDBErr(g.db.Save(m).Error, "UpsertMiner")
}

func (g *gormStore) GetMiner(id string) (*MinerRow, error) {
	var m MinerRow
	err := g.db.Where("id = ?", id).First(&m).Error
	if gorm.IsRecordNotFoundError(err) {
		return nil, errs.New(errs.NotFound, "MINER_NOT_FOUND", "miner not found")
	}
	if err != nil {
		return nil, wrapDBErr(err, "GetMiner")
	}
	return &m, nil
}

func (g *gormStore) GetMinerByAPIKeyHash(hash string) (*MinerRow, error) {
	var m MinerRow
	err := g.db.Where("api_key_hash = ?", hash).First(&m).Error
	if gorm.IsRecordNotFoundError(err) {
		return nil, errs.ErrAuthFailed
	}
	if err != nil {
		return nil, wrapDBErr(err, "GetMinerByAPIKeyHash")
	}
	return &m, nil
}

func (g *gormStore) GetMinerBySessionToken(token string) (*MinerRow, error) {
	var m MinerRow
	err := g.db.Where("session_token = ?", token).First(&m).Error
	if gorm.IsRecordNotFoundError(err) {
		return nil, errs.ErrAuthFailed
	}
	if err != nil {
		return nil, wrapDBErr(err, "GetMinerBySessionToken")
	}
	return &m, nil
}

func (g *gormStore) ListMiners() ([]*MinerRow, error) {
	var rows []*MinerRow
	if err := g.db.Find(&rows).Error; err != nil {
		return nil, wrapDBErr(err, "ListMiners")
	}
	return rows, nil
}

func (g *gormStore) UpdateMinerTrust(id string, delta float64) error {
	m, err := g.GetMiner(id)
	if err != nil {
		return err
	}
	m.Trust = clamp01(m.Trust + delta)
	return g.UpsertMiner(m)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func (g *gormStore) InsertReceipt(r *ReceiptRow) error {
	var existing ReceiptRow
	err := g.db.Where("receipt_id = ?", r.ReceiptID).First(&existing).Error
	if err == nil {
		return errs.ErrReplay
	}
	if !gorm.IsRecordNotFoundError(err) {
		return wrapDBErr(err, "InsertReceipt:check")
	}
	return wrapDBErr(g.db.Create(r).Error, "InsertReceipt")
}

func (g *gormStore) GetReceipt(receiptID string) (*ReceiptRow, error) {
	var r ReceiptRow
	err := g.db.Where("receipt_id = ?", receiptID).First(&r).Error
	if gorm.IsRecordNotFoundError(err) {
		return nil, errs.New(errs.NotFound, "RECEIPT_NOT_FOUND", "receipt not found")
	}
	if err != nil {
		return nil, wrapDBErr(err, "GetReceipt")
	}
	return &r, nil
}

func (g *gormStore) MarkReceiptIncluded(receiptID string, height uint64) error {
	return wrapDBErr(g.db.Model(&ReceiptRow{}).Where("receipt_id = ?", receiptID).
		Update("included_in_block", height).Error, "MarkReceiptIncluded")
}

func (g *gormStore) UpsertAccount(a *AccountRow) error {
	return wrapDBErr(g.db.Save(a).Error, "UpsertAccount")
}

func (g *gormStore) GetAccount(addr string) (*AccountRow, error) {
	var a AccountRow
	err := g.db.Where("address = ?", addr).First(&a).Error
	if gorm.IsRecordNotFoundError(err) {
		return &AccountRow{Address: addr}, nil
	}
	if err != nil {
		return nil, wrapDBErr(err, "GetAccount")
	}
	return &a, nil
}

func (g *gormStore) ResetLedger() error {
	if err := wrapDBErr(g.db.Model(&AccountRow{}).Where("1 = 1").
		Updates(map[string]interface{}{"balance": 0, "nonce": 0}).Error, "ResetLedger"); err != nil {
		return err
	}
	return wrapDBErr(g.db.Where("1 = 1").Delete(&ReceiptRow{}).Error, "ResetLedger")
}

func (g *gormStore) UpsertEscrow(e *EscrowRow) error {
	e.UpdatedAt = time.Now()
	return wrapDBErr(g.db.Save(e).Error, "UpsertEscrow")
}

func (g *gormStore) GetEscrow(jobID string) (*EscrowRow, error) {
	var e EscrowRow
	err := g.db.Where("job_id = ?", jobID).First(&e).Error
	if gorm.IsRecordNotFoundError(err) {
		return nil, errs.New(errs.NotFound, "ESCROW_NOT_FOUND", "escrow not found")
	}
	if err != nil {
		return nil, wrapDBErr(err, "GetEscrow")
	}
	return &e, nil
}

func (g *gormStore) InsertTxIndex(t *TxIndexRow) error {
	return wrapDBErr(g.db.Create(t).Error, "InsertTxIndex")
}

func (g *gormStore) GetTxIndex(hash string) (*TxIndexRow, error) {
	var t TxIndexRow
	err := g.db.Where("hash = ?", hash).First(&t).Error
	if gorm.IsRecordNotFoundError(err) {
		return nil, errs.New(errs.NotFound, "TX_NOT_FOUND", "transaction not found")
	}
	if err != nil {
		return nil, wrapDBErr(err, "GetTxIndex")
	}
	return &t, nil
}

func (g *gormStore) UpsertMatchStatus(m *MatchStatusRow) error {
	m.UpdatedAt = time.Now()
	return wrapDBErr(g.db.Save(m).Error, "UpsertMatchStatus")
}

func (g *gormStore) ListMatchStatus() ([]*MatchStatusRow, error) {
	var rows []*MatchStatusRow
	if err := g.db.Find(&rows).Error; err != nil {
		return nil, wrapDBErr(err, "ListMatchStatus")
	}
	return rows, nil
}

func (g *gormStore) UpsertTenant(t *TenantRow) error {
	return wrapDBErr(g.db.Save(t).Error, "UpsertTenant")
}

func (g *gormStore) ListTenants() ([]*TenantRow, error) {
	var rows []*TenantRow
	if err := g.db.Find(&rows).Error; err != nil {
		return nil, wrapDBErr(err, "ListTenants")
	}
	return rows, nil
}

func (g *gormStore) DeleteTenant(id string) error {
	return wrapDBErr(g.db.Where("id = ?", id).Delete(&TenantRow{}).Error, "DeleteTenant")
}

func wrapDBErr(err error, op string) error {
	if err == nil {
		return nil
	}
	log.Error("storage operation failed", "op", op, "err", err)
	return errs.Wrap(err, errs.Dependency, "DB_ERROR", op+" failed")
}
