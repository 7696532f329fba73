package rpc

import (
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"

	"github.com/oib/aitbc/internal/coordinator"
	"github.com/oib/aitbc/internal/errs"
	"github.com/oib/aitbc/internal/poolhub"
	"github.com/oib/aitbc/internal/receipt"
)

type minerRegisterRequest struct {
	MinerID      string               `json:"miner_id"`
	APIKey       string               `json:"api_key"`
	Address      string               `json:"address"`
	Endpoint     string               `json:"endpoint"`
	Capabilities poolhub.Capabilities `json:"capabilities"`
	PricePer1k   uint64               `json:"price_per_1k"`
	MaxParallel  int                  `json:"max_parallel"`
	Region       string               `json:"region"`
}

func (s *Server) handleMinerRegister(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req minerRegisterRequest
	if err := readJSON(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	token, ttl, err := s.hub.Register(poolhub.RegisterRequest{
		MinerID: req.MinerID, APIKey: req.APIKey, Address: req.Address, Endpoint: req.Endpoint,
		Capabilities: req.Capabilities, PricePer1k: req.PricePer1k, MaxParallel: req.MaxParallel, Region: req.Region,
	})
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"session_token": token, "lease_ttl_sec": int(ttl.Seconds()),
	})
}

type minerHeartbeatRequest struct {
	SessionToken string                  `json:"session_token"`
	Status       poolhub.HeartbeatStatus `json:"status"`
}

func (s *Server) handleMinerHeartbeat(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req minerHeartbeatRequest
	if err := readJSON(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	if err := s.hub.Heartbeat(req.SessionToken, req.Status); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type minerPollRequest struct {
	MinerID   string `json:"miner_id"`
	MaxWaitMS int    `json:"max_wait_ms"`
}

func (s *Server) handleMinerPoll(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req minerPollRequest
	if err := readJSON(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	wait := 25 * time.Second
	if req.MaxWaitMS > 0 {
		wait = time.Duration(req.MaxWaitMS) * time.Millisecond
	}
	job, err := s.engine.Poll(r.Context(), req.MinerID, wait)
	if err != nil {
		writeErr(w, err)
		return
	}
	if job == nil {
		writeJSON(w, http.StatusNoContent, nil)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

type minerResultRequest struct {
	JobID      string                 `json:"job_id"`
	MinerID    string                 `json:"miner_id"`
	MinerAddr  string                 `json:"miner_addr"`
	OutputHash string                 `json:"output_hash"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
	ZKProof    *receipt.ZKProof       `json:"zk_proof,omitempty"`
}

func (s *Server) handleMinerResult(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req minerResultRequest
	if err := readJSON(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	if req.JobID == "" || req.MinerID == "" {
		writeErr(w, errs.New(errs.Validation, "MISSING_FIELDS", "job_id and miner_id are required"))
		return
	}
	rc, err := s.engine.SubmitResult(r.Context(), coordinator.SubmitResultRequest{
		JobID: req.JobID, MinerID: req.MinerID, MinerAddr: req.MinerAddr,
		OutputHash: req.OutputHash, Metadata: req.Metadata, ZKProof: req.ZKProof,
	})
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rc)
}
