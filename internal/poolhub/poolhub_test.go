package poolhub

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/oib/aitbc/internal/storage"
)

func newTestHub(t *testing.T) (*Hub, storage.Store) {
	t.Helper()
	store := storage.NewMemStore()
	hub := NewHub(store, NewMemSessionStore(), HeartbeatGraceDefault)
	return hub, store
}

func addMiner(t *testing.T, store storage.Store, id string, trust float64, lastSeen time.Time, price uint64, vram uint64) {
	t.Helper()
	caps := Capabilities{VRAM: vram, RAM: 32, Tags: []string{}}
	capsJSON, _ := json.Marshal(caps)
	require.NoError(t, store.UpsertMiner(&storage.MinerRow{
		ID: id, Trust: trust, LastSeen: lastSeen, PricePer1kUnits: price,
		CapabilitiesJSON: string(capsJSON), MaxParallel: 10, Region: "us-east",
	}))
}

func TestMatchTieBreakByTrust(t *testing.T) {
	hub, store := newTestHub(t)
	// Zero trust weight makes both scores identical, so only the tie-break
	// can order them.
	hub.SetWeights(Weights{Cap: 0.40, Price: 0.20, Latency: 0.20, Trust: 0, Load: 0.05})
	now := time.Now()
	addMiner(t, store, "miner-a", 0.6, now, 80, 12)
	addMiner(t, store, "miner-b", 0.7, now, 80, 12)

	cands, err := hub.Match(Requirements{MinVRAM: 8}, Hints{}, 3)
	require.NoError(t, err)
	require.Len(t, cands, 2)
	require.Equal(t, "miner-b", cands[0].MinerID, "higher trust should break an identical score tie")
	require.NotEmpty(t, cands[0].Explain)
}

func TestMatchExcludesOfflineMiner(t *testing.T) {
	hub, store := newTestHub(t)
	stale := time.Now().Add(-10 * time.Minute)
	addMiner(t, store, "miner-stale", 0.9, stale, 10, 64)

	cands, err := hub.Match(Requirements{MinVRAM: 8}, Hints{}, 3)
	require.NoError(t, err)
	require.Empty(t, cands, "a miner past HEARTBEAT_GRACE must never be returned as a candidate")
}

func TestMatchExcludesLowTrust(t *testing.T) {
	hub, store := newTestHub(t)
	addMiner(t, store, "miner-untrusted", 0.05, time.Now(), 10, 64)

	cands, err := hub.Match(Requirements{MinVRAM: 8}, Hints{}, 3)
	require.NoError(t, err)
	require.Empty(t, cands)
}

func TestFeedbackTrustDelta(t *testing.T) {
	hub, store := newTestHub(t)
	addMiner(t, store, "miner-a", 0.5, time.Now(), 10, 64)

	require.NoError(t, hub.Feedback("miner-a", OutcomeCompleted))
	m, err := store.GetMiner("miner-a")
	require.NoError(t, err)
	require.InDelta(t, 0.51, m.Trust, 0.0001)

	require.NoError(t, hub.Feedback("miner-a", OutcomeTimeout))
	m, err = store.GetMiner("miner-a")
	require.NoError(t, err)
	require.InDelta(t, 0.41, m.Trust, 0.0001)
}

func TestHeartbeatBoundaryIsStrict(t *testing.T) {
	hub, store := newTestHub(t)
	_ = store
	hub.heartbeatGrace = 2 * time.Second
	// The 100ms margin absorbs the time that passes before IsOnline reads
	// the clock, so the elapsed time is still within the grace period.
	m := &storage.MinerRow{ID: "m", LastSeen: time.Now().Add(-2*time.Second + 100*time.Millisecond)}
	require.True(t, hub.IsOnline(m), "a miner just inside HEARTBEAT_GRACE must remain online (offline only when strictly past it)")
}
