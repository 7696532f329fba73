// Package miner is a devnet reference implementation of a pool-hub client:
// it registers, heartbeats, long-polls for assigned jobs, and submits
// signed results, all in-process. No binary or test in this module
// imports it.
package miner

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/pbnjay/memory"

	"github.com/oib/aitbc/internal/coordinator"
	"github.com/oib/aitbc/internal/logging"
	"github.com/oib/aitbc/internal/poolhub"
	"github.com/oib/aitbc/internal/storage"
)

var log = logging.NewModuleLogger(logging.ModuleMiner)

// Executor computes a job's result. A real deployment plugs in whatever
// runs the workload; devnet tests plug in a deterministic stub.
type Executor func(job *storage.JobRow) (outputHash string, err error)

// Config is a reference miner's identity and matchmaking profile.
type Config struct {
	MinerID      string
	APIKey       string
	Address      string
	Endpoint     string
	Capabilities poolhub.Capabilities
	PricePer1k   uint64
	MaxParallel  int
	Region       string
	PollWait     time.Duration
}

// Miner drives the register -> heartbeat -> poll -> submit loop against a
// Hub and Engine running in the same process; there is no RPC client for
// a remote one.
type Miner struct {
	cfg      Config
	priv     ed25519.PrivateKey
	hub      *poolhub.Hub
	engine   *coordinator.Engine
	exec     Executor
	token    string
}

// New constructs a Miner bound to an in-process Hub and Engine.
func New(cfg Config, priv ed25519.PrivateKey, hub *poolhub.Hub, engine *coordinator.Engine, exec Executor) *Miner {
	if cfg.PollWait == 0 {
		cfg.PollWait = 20 * time.Second
	}
	return &Miner{cfg: cfg, priv: priv, hub: hub, engine: engine, exec: exec}
}

// Register signs in with the pool hub and stores the returned session
// token for subsequent heartbeats.
func (m *Miner) Register() error {
	token, _, err := m.hub.Register(poolhub.RegisterRequest{
		MinerID: m.cfg.MinerID, APIKey: m.cfg.APIKey, Address: m.cfg.Address,
		Endpoint: m.cfg.Endpoint, Capabilities: m.cfg.Capabilities,
		PricePer1k: m.cfg.PricePer1k, MaxParallel: m.cfg.MaxParallel, Region: m.cfg.Region,
	})
	if err != nil {
		return err
	}
	m.token = token
	log.Info("miner registered", "miner_id", m.cfg.MinerID)
	return nil
}

// Heartbeat reports current load and free memory, the way spec.md §4.4's
// heartbeat payload expects.
func (m *Miner) Heartbeat(queueLen int, busy bool) error {
	return m.hub.Heartbeat(m.token, poolhub.HeartbeatStatus{
		QueueLen:  queueLen,
		Busy:      busy,
		MemFreeMB: memory.FreeMemory() / (1 << 20),
	})
}

// Run polls for assigned jobs and executes them in a loop until ctx is
// cancelled. Each iteration's failure is logged and retried rather than
// fatal, matching a long-lived devnet worker's expected resilience.
func (m *Miner) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		job, err := m.engine.Poll(ctx, m.cfg.MinerID, m.cfg.PollWait)
		if err != nil {
			log.Warn("poll failed", "err", err)
			time.Sleep(time.Second)
			continue
		}
		if job == nil {
			continue
		}

		if err := m.handle(ctx, job); err != nil {
			log.Warn("job handling failed", "job_id", job.ID, "err", err)
		}
	}
}

func (m *Miner) handle(ctx context.Context, job *storage.JobRow) error {
	outputHash, err := m.exec(job)
	if err != nil {
		log.Warn("executor failed, reporting miner-side failure", "job_id", job.ID, "err", err)
		return m.engine.ReportFailure(job.ID, m.cfg.MinerID, coordinator.FailureMinerReported)
	}
	_, err = m.engine.SubmitResult(ctx, coordinator.SubmitResultRequest{
		JobID: job.ID, MinerID: m.cfg.MinerID, MinerAddr: m.cfg.Address,
		OutputHash: outputHash, MinerPriv: m.priv,
	})
	return err
}

// HashPayload is a convenience Executor building block: it returns the
// hex sha256 of the job's payload, used by tests and the devnet stub miner
// that doesn't actually run any workload.
func HashPayload(job *storage.JobRow) (string, error) {
	sum := sha256.Sum256([]byte(job.PayloadJSON))
	return hex.EncodeToString(sum[:]), nil
}
