package rpc

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"

	"github.com/oib/aitbc/internal/coordinator"
	"github.com/oib/aitbc/internal/errs"
	"github.com/oib/aitbc/internal/poolhub"
)

type submitJobRequest struct {
	ClientNonce string                  `json:"client_nonce"`
	TenantID    string                  `json:"tenant_id"`
	Payload     json.RawMessage         `json:"payload"`
	Constraints poolhub.Requirements    `json:"constraints"`
	MaxPrice    uint64                  `json:"max_price"`
	DeadlineSec int                     `json:"deadline_sec"`
}

func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req submitJobRequest
	if err := readJSON(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	var deadline time.Duration
	if req.DeadlineSec > 0 {
		deadline = time.Duration(req.DeadlineSec) * time.Second
	}
	id, err := s.engine.SubmitJob(coordinator.SubmitJobRequest{
		ClientAddr: subjectOf(r), ClientNonce: req.ClientNonce, TenantID: req.TenantID,
		Payload: req.Payload, Constraints: req.Constraints, MaxPrice: req.MaxPrice, Deadline: deadline,
	})
	if err != nil {
		writeErr(w, err)
		return
	}

	// assign() runs synchronously right after submission; spec.md §4.3
	// leaves submit_job -> assign sequencing to the caller's deployment,
	// and a single-process devnet/monolith has no queue worker to do it
	// out of band.
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	if _, err := s.engine.Assign(ctx, id); err != nil && errs.KindOf(err) != errs.NotFound {
		log.Warn("immediate assign failed; job remains QUEUED for a later sweep", "job", id, "err", err)
	}

	writeJSON(w, http.StatusCreated, map[string]string{"job_id": id})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	job, err := s.store.GetJob(ps.ByName("id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	if job.ClientAddr != subjectOf(r) {
		writeError(w, http.StatusUnauthorized, "AUTH_FAILED", "job belongs to a different client")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleGetJobReceipt(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	job, err := s.store.GetJob(ps.ByName("id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	if job.ClientAddr != subjectOf(r) {
		writeError(w, http.StatusUnauthorized, "AUTH_FAILED", "job belongs to a different client")
		return
	}
	if job.ReceiptJSON == "" {
		writeError(w, http.StatusNotFound, "RECEIPT_NOT_FOUND", "job has no receipt yet")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(job.ReceiptJSON))
}
