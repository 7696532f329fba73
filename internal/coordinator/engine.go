package coordinator

import (
	"crypto/ed25519"
	"sync"

	"github.com/VictoriaMetrics/fastcache"

	"github.com/oib/aitbc/internal/audit"
	"github.com/oib/aitbc/internal/bridge"
	"github.com/oib/aitbc/internal/poolhub"
	"github.com/oib/aitbc/internal/storage"
)

// Engine is the C3 job lifecycle engine: it owns no network transport of
// its own, only the state machine, escrow discipline, and the handoffs to
// the Pool Hub (C4) and chain node (C5) that the RPC surface (C7) drives.
type Engine struct {
	store    storage.Store
	hub      *poolhub.Hub
	chain    ChainClient
	acceptor MinerAcceptor
	policy   Policy

	// idempotency short-circuits duplicate submit_job calls for the same
	// (client, client_nonce) without a round trip to the relational store
	// on every retry from an impatient client (spec.md §4.3: "idempotent
	// on (client, client_nonce)").
	idempotency *fastcache.Cache

	// jobLocks serializes state transitions per job_id (spec.md §5's
	// "Job state transitions for a given job_id are serialized by a
	// per-job lock").
	jobLocksMu sync.Mutex
	jobLocks   map[string]*sync.Mutex

	// pollWake lets poll(miner) long-poll: assign() closes a miner's
	// channel to wake any waiter, then a fresh channel is installed.
	pollWakeMu sync.Mutex
	pollWake   map[string]chan struct{}

	// attestationAddr/attestationPriv, when set, co-sign every receipt
	// with the coordinator's RECEIPT_ATTESTATION_KEY (spec.md §6).
	attestationAddr string
	attestationPriv ed25519.PrivateKey

	// bridge is the optional external-settlement seam (spec.md §9 open
	// question 3). A completed receipt is mirrored out through it on a
	// best-effort basis; a failure never blocks or reverses local
	// settlement, which has already committed by the time it runs.
	bridge bridge.Adapter

	// audit records every state-mutating operation below to the
	// `audit-log` CLI's trail, when configured. Nil means auditing is
	// disabled.
	audit *audit.Logger
}

// SetAttestationKey installs the coordinator's receipt co-signing key.
func (e *Engine) SetAttestationKey(addr string, priv ed25519.PrivateKey) {
	e.attestationAddr = addr
	e.attestationPriv = priv
}

// SetBridge installs an external-settlement adapter, replacing the
// default no-op.
func (e *Engine) SetBridge(a bridge.Adapter) {
	e.bridge = a
}

// SetAuditLogger installs the audit trail sink(s) every lifecycle
// operation below records to.
func (e *Engine) SetAuditLogger(l *audit.Logger) {
	e.audit = l
}

// record appends an audit entry if a logger is configured; a no-op
// otherwise so call sites never need to check e.audit themselves.
func (e *Engine) record(actor, action, subject, result string, details map[string]interface{}) {
	if e.audit == nil {
		return
	}
	e.audit.Record(audit.Record{Actor: actor, Action: action, Subject: subject, Result: result, Details: details})
}

func NewEngine(store storage.Store, hub *poolhub.Hub, chainClient ChainClient, acceptor MinerAcceptor, policy Policy) *Engine {
	if acceptor == nil {
		acceptor = DevnetAcceptor{}
	}
	return &Engine{
		store: store, hub: hub, chain: chainClient, acceptor: acceptor, policy: policy,
		idempotency: fastcache.New(8 * 1024 * 1024),
		jobLocks:    map[string]*sync.Mutex{},
		pollWake:    map[string]chan struct{}{},
		bridge:      bridge.NoopAdapter{},
	}
}

func (e *Engine) wakeChan(minerID string) chan struct{} {
	e.pollWakeMu.Lock()
	defer e.pollWakeMu.Unlock()
	c, ok := e.pollWake[minerID]
	if !ok {
		c = make(chan struct{})
		e.pollWake[minerID] = c
	}
	return c
}

func (e *Engine) wake(minerID string) {
	e.pollWakeMu.Lock()
	defer e.pollWakeMu.Unlock()
	if c, ok := e.pollWake[minerID]; ok {
		close(c)
	}
	e.pollWake[minerID] = make(chan struct{})
}

func (e *Engine) lockFor(jobID string) *sync.Mutex {
	e.jobLocksMu.Lock()
	defer e.jobLocksMu.Unlock()
	l, ok := e.jobLocks[jobID]
	if !ok {
		l = &sync.Mutex{}
		e.jobLocks[jobID] = l
	}
	return l
}

func idempotencyKey(clientAddr, clientNonce string) []byte {
	return []byte(clientAddr + "|" + clientNonce)
}
