package coordinator

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oib/aitbc/internal/chain"
	"github.com/oib/aitbc/internal/errs"
	"github.com/oib/aitbc/internal/poolhub"
	"github.com/oib/aitbc/internal/receipt"
	"github.com/oib/aitbc/internal/storage"
)

type fakeChainClient struct {
	submitted []*receipt.Receipt
}

func (f *fakeChainClient) SubmitReceiptClaim(ctx context.Context, r *receipt.Receipt) error {
	f.submitted = append(f.submitted, r)
	return nil
}

type decliningAcceptor struct{}

func (decliningAcceptor) Accept(ctx context.Context, jobID, minerID string) (bool, error) {
	return false, nil
}

func newTestEngine(t *testing.T, policy Policy) (*Engine, storage.Store, *poolhub.Hub, *fakeChainClient) {
	t.Helper()
	store := storage.NewMemStore()
	hub := poolhub.NewHub(store, poolhub.NewMemSessionStore(), poolhub.HeartbeatGraceDefault)
	fc := &fakeChainClient{}
	e := NewEngine(store, hub, fc, nil, policy)
	require.NoError(t, store.UpsertAccount(&storage.AccountRow{Address: "client-1", Balance: 1000}))
	return e, store, hub, fc
}

func registerMiner(t *testing.T, store storage.Store, id string, price uint64) {
	t.Helper()
	capsJSON, _ := json.Marshal(poolhub.Capabilities{})
	require.NoError(t, store.UpsertMiner(&storage.MinerRow{
		ID: id, Trust: 0.5, LastSeen: time.Now(), PricePer1kUnits: price,
		CapabilitiesJSON: string(capsJSON), MaxParallel: 10,
	}))
}

func submitReq(nonce string) SubmitJobRequest {
	return SubmitJobRequest{
		ClientAddr: "client-1", ClientNonce: nonce, MaxPrice: 100,
		Payload: json.RawMessage(`{}`),
	}
}

func TestSubmitJobIsIdempotentOnClientNonce(t *testing.T) {
	e, store, _, _ := newTestEngine(t, DefaultPolicy())
	req := submitReq("nonce-1")

	id1, err := e.SubmitJob(req)
	require.NoError(t, err)
	id2, err := e.SubmitJob(req)
	require.NoError(t, err)
	assert.Equal(t, id1, id2, "same (client, client_nonce) must return the same job id")

	client, err := store.GetAccount("client-1")
	require.NoError(t, err)
	assert.Equal(t, uint64(1000-100-1), client.Balance, "escrow must be held only once across duplicate submissions")
}

func TestSubmitJobRejectsInsufficientFunds(t *testing.T) {
	e, store, _, _ := newTestEngine(t, DefaultPolicy())
	require.NoError(t, store.UpsertAccount(&storage.AccountRow{Address: "poor", Balance: 5}))

	_, err := e.SubmitJob(SubmitJobRequest{ClientAddr: "poor", ClientNonce: "n", MaxPrice: 100})
	e2, ok := errs.As(err)
	require.True(t, ok)
	assert.Equal(t, errs.Escrow, e2.Kind)
}

func TestAssignTransitionsQueuedToAssigned(t *testing.T) {
	e, store, _, _ := newTestEngine(t, DefaultPolicy())
	jobID, err := e.SubmitJob(submitReq("n1"))
	require.NoError(t, err)
	registerMiner(t, store, "miner-a", 50)

	minerID, err := e.Assign(context.Background(), jobID)
	require.NoError(t, err)
	assert.Equal(t, "miner-a", minerID)

	job, err := store.GetJob(jobID)
	require.NoError(t, err)
	assert.Equal(t, storage.JobAssigned, job.State)
	assert.Equal(t, "miner-a", job.AssignedMiner)
}

func TestAssignReturnsNoMinerWhenAllDecline(t *testing.T) {
	store := storage.NewMemStore()
	hub := poolhub.NewHub(store, poolhub.NewMemSessionStore(), poolhub.HeartbeatGraceDefault)
	e := NewEngine(store, hub, &fakeChainClient{}, decliningAcceptor{}, DefaultPolicy())
	require.NoError(t, store.UpsertAccount(&storage.AccountRow{Address: "client-1", Balance: 1000}))
	registerMiner(t, store, "miner-a", 50)

	jobID, err := e.SubmitJob(submitReq("n1"))
	require.NoError(t, err)

	_, err = e.Assign(context.Background(), jobID)
	assert.Equal(t, errs.ErrNoMiner, err)
}

func TestSubmitResultReleasesEscrowAndCompletesJob(t *testing.T) {
	e, store, _, fc := newTestEngine(t, DefaultPolicy())
	jobID, err := e.SubmitJob(submitReq("n1"))
	require.NoError(t, err)
	registerMiner(t, store, "miner-a", 50)
	_, err = e.Assign(context.Background(), jobID)
	require.NoError(t, err)

	_, err = e.Poll(context.Background(), "miner-a", time.Millisecond)
	require.NoError(t, err)

	r, err := e.SubmitResult(context.Background(), SubmitResultRequest{
		JobID: jobID, MinerID: "miner-a", MinerAddr: "miner-addr-a", OutputHash: "deadbeef",
	})
	require.NoError(t, err)
	assert.Equal(t, jobID, r.JobID)
	require.Len(t, fc.submitted, 1, "completed result must enqueue a receipt claim")

	job, err := store.GetJob(jobID)
	require.NoError(t, err)
	assert.Equal(t, storage.JobCompleted, job.State)
	assert.Equal(t, storage.EscrowReleased, job.PaymentState)

	miner, err := store.GetAccount("miner-addr-a")
	require.NoError(t, err)
	assert.Equal(t, uint64(90), miner.Balance, "miner receives price * (1 - coordinator_cut)")

	treasury, err := store.GetAccount(chain.TreasuryAddress)
	require.NoError(t, err)
	assert.Equal(t, uint64(1+10), treasury.Balance, "treasury accrues protocol_fee at submit plus coordinator_cut at release")
}

func TestReportFailureRetriesThenPermanentlyFails(t *testing.T) {
	policy := DefaultPolicy()
	policy.MaxRetries = 1
	e, store, _, _ := newTestEngine(t, policy)
	jobID, err := e.SubmitJob(submitReq("n1"))
	require.NoError(t, err)
	registerMiner(t, store, "miner-a", 50)
	_, err = e.Assign(context.Background(), jobID)
	require.NoError(t, err)

	require.NoError(t, e.ReportFailure(jobID, "miner-a", FailureNetwork))
	job, err := store.GetJob(jobID)
	require.NoError(t, err)
	assert.Equal(t, storage.JobQueued, job.State, "first failure under MaxRetries re-queues the job")
	assert.Equal(t, 1, job.RetryCount)

	require.NoError(t, e.ReportFailure(jobID, "miner-a", FailureNetwork))
	job, err = store.GetJob(jobID)
	require.NoError(t, err)
	assert.Equal(t, storage.JobFailed, job.State, "exhausting MaxRetries permanently fails the job")
	assert.Equal(t, storage.EscrowRefunded, job.PaymentState)

	client, err := store.GetAccount("client-1")
	require.NoError(t, err)
	assert.Equal(t, uint64(1000-1), client.Balance, "permanent failure refunds price but not the protocol fee")
}

func TestCancelOnlyAllowedWhileQueued(t *testing.T) {
	e, store, _, _ := newTestEngine(t, DefaultPolicy())
	jobID, err := e.SubmitJob(submitReq("n1"))
	require.NoError(t, err)

	require.NoError(t, e.Cancel(jobID, "client-1"))
	job, err := store.GetJob(jobID)
	require.NoError(t, err)
	assert.Equal(t, storage.JobCancelled, job.State)

	jobID2, err := e.SubmitJob(submitReq("n2"))
	require.NoError(t, err)
	registerMiner(t, store, "miner-a", 50)
	_, err = e.Assign(context.Background(), jobID2)
	require.NoError(t, err)

	err = e.Cancel(jobID2, "client-1")
	e2, ok := errs.As(err)
	require.True(t, ok)
	assert.Equal(t, errs.Conflict, e2.Kind)
}

func TestExpireWatchdogRefundsAndPenalizesTrust(t *testing.T) {
	e, store, hub, _ := newTestEngine(t, DefaultPolicy())
	jobID, err := e.SubmitJob(submitReq("n1"))
	require.NoError(t, err)
	registerMiner(t, store, "miner-a", 50)
	_, err = e.Assign(context.Background(), jobID)
	require.NoError(t, err)

	job, err := store.GetJob(jobID)
	require.NoError(t, err)
	job.Deadline = time.Now().Add(-time.Minute)
	require.NoError(t, store.UpdateJob(job))

	n, err := e.ExpireWatchdog()
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	job, err = store.GetJob(jobID)
	require.NoError(t, err)
	assert.Equal(t, storage.JobExpired, job.State)
	assert.Equal(t, storage.EscrowRefunded, job.PaymentState)

	client, err := store.GetAccount("client-1")
	require.NoError(t, err)
	assert.Equal(t, uint64(1000-1), client.Balance)

	miner, err := store.GetMiner("miner-a")
	require.NoError(t, err)
	assert.InDelta(t, 0.5+poolhub.TrustDelta(poolhub.OutcomeTimeout), miner.Trust, 0.0001)
	_ = hub
}
