package poolhub

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru"
	uuid "github.com/satori/go.uuid"

	"github.com/oib/aitbc/internal/errs"
	"github.com/oib/aitbc/internal/logging"
	"github.com/oib/aitbc/internal/storage"
)

var log = logging.NewModuleLogger(logging.ModulePoolHub)

// SessionStore is the session-token lease backend (spec.md §4.4's
// register/heartbeat lease). The production implementation is Redis
// (go-redis/v7); tests use an in-memory map.
type SessionStore interface {
	Set(token, minerID string, ttl time.Duration) error
	Get(token string) (minerID string, ok bool)
	Del(token string) error
}

// Hub is the C4 Pool Hub: miner registry, matchmaker and trust ledger.
type Hub struct {
	store         storage.Store
	sessions      SessionStore
	snapshotCache *lru.Cache // MinerID -> *storage.MatchStatusRow, bounded
	heartbeatGrace time.Duration
	weights       atomic.Value // Weights
}

// NewHub wires a Hub against a Store and SessionStore.
func NewHub(store storage.Store, sessions SessionStore, heartbeatGrace time.Duration) *Hub {
	cache, _ := lru.New(4096)
	h := &Hub{store: store, sessions: sessions, snapshotCache: cache, heartbeatGrace: heartbeatGrace}
	h.weights.Store(DefaultWeights())
	return h
}

// SetWeights hot-swaps the scoring weights; callers include the config
// file watcher (internal/config) so operators can retune matching without
// a restart.
func (h *Hub) SetWeights(w Weights) { h.weights.Store(w) }

func (h *Hub) currentWeights() Weights { return h.weights.Load().(Weights) }

func hashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// RegisterRequest is the register() input of spec.md §4.4.
type RegisterRequest struct {
	MinerID      string
	APIKey       string
	Address      string
	Endpoint     string
	Capabilities Capabilities
	PricePer1k   uint64
	MaxParallel  int
	Region       string
}

// Register verifies the api key hash and issues a session token. On first
// registration for a miner id, the api key hash is stored; subsequent
// registrations must match it.
func (h *Hub) Register(req RegisterRequest) (sessionToken string, leaseTTL time.Duration, err error) {
	hash := hashAPIKey(req.APIKey)
	existing, getErr := h.store.GetMiner(req.MinerID)
	if getErr != nil {
		if e, ok := errs.As(getErr); !ok || e.Kind != errs.NotFound {
			return "", 0, getErr
		}
	}
	if existing != nil && existing.APIKeyHash != "" && existing.APIKeyHash != hash {
		return "", 0, errs.ErrAuthFailed
	}

	capsJSON, _ := json.Marshal(req.Capabilities)
	tagsJSON, _ := json.Marshal(req.Capabilities.Tags)
	token := uuid.NewV4().String()
	ttl := SessionTTLDefault

	row := &storage.MinerRow{
		ID:               req.MinerID,
		APIKeyHash:       hash,
		Address:          req.Address,
		Endpoint:         req.Endpoint,
		CapabilitiesJSON: string(capsJSON),
		PricePer1kUnits:  req.PricePer1k,
		MaxParallel:      req.MaxParallel,
		TagsJSON:         string(tagsJSON),
		Region:           req.Region,
		Trust:            0.5,
		LastSeen:         time.Now(),
		SessionToken:     token,
		SessionExpires:   time.Now().Add(ttl),
		CreatedAt:        time.Now(),
	}
	if existing != nil {
		row.Trust = existing.Trust
		row.CreatedAt = existing.CreatedAt
	}
	if err := h.store.UpsertMiner(row); err != nil {
		return "", 0, err
	}
	if err := h.sessions.Set(token, req.MinerID, ttl); err != nil {
		return "", 0, errs.Wrap(err, errs.Dependency, "SESSION_STORE", "failed to persist session")
	}
	log.Info("miner registered", "miner_id", req.MinerID)
	return token, ttl, nil
}

// Heartbeat renews a session's lease and updates the matchmaking snapshot.
func (h *Hub) Heartbeat(token string, status HeartbeatStatus) error {
	minerID, ok := h.sessions.Get(token)
	if !ok {
		return errs.ErrAuthFailed
	}
	m, err := h.store.GetMiner(minerID)
	if err != nil {
		return err
	}
	m.LastSeen = time.Now()
	m.QueueLen = status.QueueLen
	m.Busy = status.Busy
	if err := h.store.UpsertMiner(m); err != nil {
		return err
	}
	if err := h.sessions.Set(token, minerID, SessionTTLDefault); err != nil {
		return errs.Wrap(err, errs.Dependency, "SESSION_STORE", "failed to renew session")
	}
	snap := &storage.MatchStatusRow{
		MinerID: minerID, QueueLen: status.QueueLen, Busy: status.Busy,
		AvgLatencyMS: status.AvgLatencyMS, MemFreeMB: status.MemFreeMB,
	}
	if err := h.store.UpsertMatchStatus(snap); err != nil {
		return err
	}
	h.snapshotCache.Add(minerID, snap)
	return nil
}

// IsOnline reports whether m's last heartbeat is within the grace window.
// The boundary is strict: a heartbeat AT exactly the grace period keeps
// the miner online (spec.md §8's boundary behavior).
func (h *Hub) IsOnline(m *storage.MinerRow) bool {
	return time.Since(m.LastSeen) <= h.heartbeatGrace
}

// Feedback applies a trust-score delta for outcome (spec.md §4.4).
func (h *Hub) Feedback(minerID string, outcome Outcome) error {
	return h.store.UpdateMinerTrust(minerID, TrustDelta(outcome))
}
