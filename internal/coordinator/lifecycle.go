package coordinator

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"time"

	"github.com/oib/aitbc/internal/errs"
	"github.com/oib/aitbc/internal/poolhub"
	"github.com/oib/aitbc/internal/receipt"
	"github.com/oib/aitbc/internal/storage"
)

// SubmitJobRequest is the submit_job argument set (spec.md §4.3).
type SubmitJobRequest struct {
	ClientAddr  string
	ClientNonce string
	TenantID    string
	Payload     json.RawMessage
	Constraints poolhub.Requirements
	MaxPrice    uint64
	Deadline    time.Duration // zero uses Policy.DefaultDeadline
}

// SubmitJob is idempotent on (client, client_nonce); it holds escrow and
// transitions the new job ∅ -> QUEUED.
func (e *Engine) SubmitJob(req SubmitJobRequest) (string, error) {
	if cached := e.idempotency.Get(nil, idempotencyKey(req.ClientAddr, req.ClientNonce)); cached != nil {
		return string(cached), nil
	}
	if existing, err := e.store.FindJobByIdempotencyKey(req.ClientAddr, req.ClientNonce); err != nil {
		return "", err
	} else if existing != nil {
		e.idempotency.Set(idempotencyKey(req.ClientAddr, req.ClientNonce), []byte(existing.ID))
		return existing.ID, nil
	}

	deadline := req.Deadline
	if deadline <= 0 {
		deadline = e.policy.DefaultDeadline
	}

	id := newJobID()
	constraintsJSON, err := json.Marshal(req.Constraints)
	if err != nil {
		return "", errs.Wrap(err, errs.Validation, "BAD_CONSTRAINTS", "constraints must be JSON-encodable")
	}

	err = e.store.Tx(func(s storage.Store) error {
		if err := holdEscrow(s, req.ClientAddr, id, req.MaxPrice, e.policy.ProtocolFee); err != nil {
			return err
		}
		return s.CreateJob(&storage.JobRow{
			ID: id, ClientAddr: req.ClientAddr, ClientNonce: req.ClientNonce, TenantID: req.TenantID,
			PayloadJSON: string(req.Payload), ConstraintsJSON: string(constraintsJSON),
			PriceCeiling: req.MaxPrice, Deadline: time.Now().Add(deadline), State: storage.JobQueued,
			PaymentState: storage.EscrowHeld, CreatedAt: time.Now(),
		})
	})
	if err != nil {
		e.record(req.ClientAddr, "submit_job", id, err.Error(), nil)
		return "", err
	}
	e.idempotency.Set(idempotencyKey(req.ClientAddr, req.ClientNonce), []byte(id))
	e.record(req.ClientAddr, "submit_job", id, "ok", map[string]interface{}{"max_price": req.MaxPrice})
	return id, nil
}

// Assign runs the Pool Hub matcher (top-K=3) and hands the job to the
// first candidate that accepts, transitioning QUEUED -> ASSIGNED.
func (e *Engine) Assign(ctx context.Context, jobID string) (string, error) {
	lock := e.lockFor(jobID)
	lock.Lock()
	defer lock.Unlock()

	job, err := e.store.GetJob(jobID)
	if err != nil {
		return "", err
	}
	if job.State != storage.JobQueued {
		return "", errs.New(errs.Conflict, "BAD_STATE", "assign requires a QUEUED job")
	}
	var constraints poolhub.Requirements
	_ = json.Unmarshal([]byte(job.ConstraintsJSON), &constraints)
	constraints.MaxPrice = job.PriceCeiling

	candidates, err := e.hub.Match(constraints, poolhub.Hints{}, 3)
	if err != nil {
		return "", err
	}
	for _, c := range candidates {
		ok, err := e.acceptor.Accept(ctx, jobID, c.MinerID)
		if err != nil {
			log.Warn("accept probe failed", "job", jobID, "miner", c.MinerID, "err", err)
			continue
		}
		if !ok {
			_ = e.hub.Feedback(c.MinerID, poolhub.OutcomeRejected)
			continue
		}
		now := time.Now()
		job.AssignedMiner = c.MinerID
		job.State = storage.JobAssigned
		job.AssignedAt = &now
		if err := e.store.UpdateJob(job); err != nil {
			e.record(c.MinerID, "assign", jobID, err.Error(), nil)
			return "", err
		}
		e.wake(c.MinerID)
		e.record(c.MinerID, "assign", jobID, "ok", nil)
		return c.MinerID, nil
	}
	e.record("", "assign", jobID, errs.ErrNoMiner.Error(), nil)
	return "", errs.ErrNoMiner
}

// Poll returns the job currently ASSIGNED to miner, long-polling up to
// maxWait for one to appear (spec.md §4.3's poll: "blocking with
// long-poll semantics").
func (e *Engine) Poll(ctx context.Context, minerID string, maxWait time.Duration) (*storage.JobRow, error) {
	deadline := time.Now().Add(maxWait)
	for {
		jobs, err := e.store.ListJobsPastDeadline(time.Now().Add(24*365*time.Hour), []storage.JobState{storage.JobAssigned})
		if err != nil {
			return nil, err
		}
		for _, j := range jobs {
			if j.AssignedMiner == minerID {
				j.State = storage.JobRunning
				if err := e.store.UpdateJob(j); err != nil {
					return nil, err
				}
				return j, nil
			}
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(remaining):
			return nil, nil
		case <-e.wakeChan(minerID):
		}
	}
}

// ReportProgress updates progress and resets the expiry watchdog for the
// job (spec.md §4.3).
func (e *Engine) ReportProgress(jobID, minerID string, pct int) error {
	lock := e.lockFor(jobID)
	lock.Lock()
	defer lock.Unlock()
	job, err := e.store.GetJob(jobID)
	if err != nil {
		return err
	}
	if job.AssignedMiner != minerID {
		return errs.New(errs.Auth, "MINER_MISMATCH", "reporting miner does not match assignment")
	}
	job.Progress = pct
	job.Deadline = time.Now().Add(e.policy.DefaultDeadline)
	return e.store.UpdateJob(job)
}

// SubmitResultRequest is the submit_result argument set.
type SubmitResultRequest struct {
	JobID      string
	MinerID    string
	MinerAddr  string
	OutputHash string
	Metadata   map[string]interface{}
	ZKProof    *receipt.ZKProof
	MinerPriv  ed25519.PrivateKey // signs the receipt as MinerAddr
}

// SubmitResult transitions RUNNING -> COMPLETED, mints a signed receipt,
// releases escrow to the miner, and enqueues a RECEIPT_CLAIM to the chain.
func (e *Engine) SubmitResult(ctx context.Context, req SubmitResultRequest) (*receipt.Receipt, error) {
	lock := e.lockFor(req.JobID)
	lock.Lock()
	defer lock.Unlock()

	job, err := e.store.GetJob(req.JobID)
	if err != nil {
		return nil, err
	}
	if job.AssignedMiner != req.MinerID {
		return nil, errs.New(errs.Auth, "MINER_MISMATCH", "submitting miner does not match assignment")
	}
	if job.State.Terminal() {
		// Coordinator-side cancellation raced ahead of this result
		// (spec.md §5's cancellation semantics): no receipt is issued, the
		// escrow was already refunded, and the caller gets a CONFLICT error.
		return nil, errs.New(errs.Conflict, "JOB_ALREADY_TERMINAL", "job already reached a terminal state")
	}
	if job.State != storage.JobRunning {
		return nil, errs.New(errs.Conflict, "BAD_STATE", "submit_result requires a RUNNING job")
	}

	metadata := req.Metadata
	if req.ZKProof != nil {
		if metadata == nil {
			metadata = map[string]interface{}{}
		}
		metadata["zk_proof"] = req.ZKProof
	}
	r := &receipt.Receipt{
		Version: receipt.Version, ReceiptID: newJobID(), JobID: job.ID,
		ClientAddr: job.ClientAddr, MinerAddr: req.MinerAddr,
		ComputeUnits: uint64(job.PriceCeiling), Price: job.PriceCeiling,
		OutputHash: req.OutputHash, StartedAt: jobStartTime(job), CompletedAt: time.Now().Unix(),
		Threshold: 1, Metadata: metadata,
	}
	if req.MinerPriv != nil {
		if _, err := receipt.Sign(r, req.MinerAddr, "default", req.MinerPriv); err != nil {
			return nil, errs.Wrap(err, errs.Integrity, "RECEIPT_SIGN_FAILED", "failed to sign receipt")
		}
	}
	if e.attestationPriv != nil {
		if _, err := receipt.Sign(r, e.attestationAddr, "attestation", e.attestationPriv); err != nil {
			return nil, errs.Wrap(err, errs.Integrity, "RECEIPT_SIGN_FAILED", "failed to attest receipt")
		}
	}
	if err := receipt.VerifyZKProof(r); err != nil {
		return nil, errs.Wrap(err, errs.Integrity, "BAD_ZK_PROOF", "zk proof failed verification before submission")
	}

	err = e.store.Tx(func(s storage.Store) error {
		if err := releaseEscrow(s, job.ID, req.MinerAddr, e.policy.CoordinatorCut); err != nil {
			return err
		}
		job.State = storage.JobCompleted
		now := time.Now()
		job.CompletedAt = &now
		job.ReceiptID = r.ReceiptID
		rawReceipt, _ := json.Marshal(r)
		job.ReceiptJSON = string(rawReceipt)
		job.PaymentState = storage.EscrowReleased
		return s.UpdateJob(job)
	})
	if err != nil {
		e.record(req.MinerID, "submit_result", req.JobID, err.Error(), nil)
		return nil, err
	}
	e.record(req.MinerID, "submit_result", req.JobID, "ok", map[string]interface{}{"receipt_id": r.ReceiptID})

	if err := e.chain.SubmitReceiptClaim(ctx, r); err != nil {
		log.Error("receipt claim submission failed; job is COMPLETED locally but unminted", "job", job.ID, "err", err)
	}
	_ = e.hub.Feedback(req.MinerID, poolhub.OutcomeCompleted)
	if e.bridge != nil {
		if ref, err := e.bridge.SettleExternal(ctx, r); err != nil {
			log.Warn("external bridge settlement failed", "job", job.ID, "bridge", e.bridge.Name(), "err", err)
		} else {
			log.Debug("external bridge settled", "job", job.ID, "bridge", ref.System, "ref", ref.Ref)
		}
	}
	return r, nil
}

// ReportFailure transitions the job to FAILED, applies Pool Hub feedback,
// and either re-queues for retry or refunds escrow permanently (spec.md
// §4.3's retry policy).
func (e *Engine) ReportFailure(jobID, minerID string, cause FailureOutcome) error {
	lock := e.lockFor(jobID)
	lock.Lock()
	defer lock.Unlock()

	job, err := e.store.GetJob(jobID)
	if err != nil {
		return err
	}
	_ = e.hub.Feedback(minerID, cause.poolHubOutcome())

	if cause.retryable() && job.RetryCount < e.policy.MaxRetries {
		job.RetryCount++
		job.State = storage.JobQueued
		job.AssignedMiner = ""
		job.AssignedAt = nil
		job.FailureReason = string(cause)
		err := e.store.UpdateJob(job)
		if err != nil {
			e.record(minerID, "report_failure", jobID, err.Error(), nil)
			return err
		}
		e.record(minerID, "report_failure", jobID, "ok", map[string]interface{}{"cause": string(cause), "retry": true})
		return nil
	}

	job.State = storage.JobFailed
	job.FailureReason = string(cause)
	err = e.store.Tx(func(s storage.Store) error {
		if err := refundEscrow(s, jobID); err != nil {
			return err
		}
		job.PaymentState = storage.EscrowRefunded
		return s.UpdateJob(job)
	})
	if err != nil {
		e.record(minerID, "report_failure", jobID, err.Error(), nil)
		return err
	}
	e.record(minerID, "report_failure", jobID, "ok", map[string]interface{}{"cause": string(cause), "retry": false})
	return nil
}

// Cancel refunds escrow for a QUEUED job; cancellation after ASSIGNED is
// advisory only per spec.md §5 and is rejected here with CONFLICT.
func (e *Engine) Cancel(jobID, clientAddr string) error {
	lock := e.lockFor(jobID)
	lock.Lock()
	defer lock.Unlock()

	job, err := e.store.GetJob(jobID)
	if err != nil {
		return err
	}
	if job.ClientAddr != clientAddr {
		return errs.New(errs.Auth, "CLIENT_MISMATCH", "only the submitting client may cancel")
	}
	if job.State != storage.JobQueued {
		return errs.New(errs.Conflict, "BAD_STATE", "cancel is only valid while QUEUED")
	}
	err = e.store.Tx(func(s storage.Store) error {
		if err := refundEscrow(s, jobID); err != nil {
			return err
		}
		job.State = storage.JobCancelled
		job.PaymentState = storage.EscrowRefunded
		return s.UpdateJob(job)
	})
	if err != nil {
		e.record(clientAddr, "cancel", jobID, err.Error(), nil)
		return err
	}
	e.record(clientAddr, "cancel", jobID, "ok", nil)
	return nil
}

// ExpireWatchdog scans ASSIGNED|RUNNING jobs past deadline, expiring and
// refunding each, and dinging the assigned miner's trust (spec.md §4.3).
func (e *Engine) ExpireWatchdog() (int, error) {
	jobs, err := e.store.ListJobsPastDeadline(time.Now(), []storage.JobState{storage.JobAssigned, storage.JobRunning})
	if err != nil {
		return 0, err
	}
	expired := 0
	for _, job := range jobs {
		lock := e.lockFor(job.ID)
		lock.Lock()
		err := e.store.Tx(func(s storage.Store) error {
			if err := refundEscrow(s, job.ID); err != nil {
				return err
			}
			job.State = storage.JobExpired
			job.PaymentState = storage.EscrowRefunded
			job.FailureReason = string(FailureDeadlineExceeded)
			return s.UpdateJob(job)
		})
		if err == nil && job.AssignedMiner != "" {
			_ = e.hub.Feedback(job.AssignedMiner, poolhub.OutcomeTimeout)
			expired++
		}
		lock.Unlock()
		if err != nil {
			log.Error("failed to expire job", "job", job.ID, "err", err)
			e.record(job.AssignedMiner, "expire_watchdog", job.ID, err.Error(), nil)
			continue
		}
		e.record(job.AssignedMiner, "expire_watchdog", job.ID, "ok", nil)
	}
	return expired, nil
}

func jobStartTime(job *storage.JobRow) int64 {
	if job.AssignedAt != nil {
		return job.AssignedAt.Unix()
	}
	return job.CreatedAt.Unix()
}
