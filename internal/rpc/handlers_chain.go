package rpc

import (
	"net/http"
	"runtime"
	"strconv"
	"strings"

	"github.com/fjl/memsize"
	"github.com/julienschmidt/httprouter"

	"github.com/oib/aitbc/internal/chain"
	"github.com/oib/aitbc/internal/errs"
	"github.com/oib/aitbc/internal/receipt"
)

type sendTxRequest struct {
	Sender    string `json:"sender"`
	Nonce     uint64 `json:"nonce"`
	Fee       uint64 `json:"fee"`
	Kind      string `json:"kind"`
	To        string `json:"to,omitempty"`
	Amount    uint64 `json:"amount,omitempty"`
	Signature string `json:"signature"`
}

func (s *Server) handleSendTx(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req sendTxRequest
	if err := readJSON(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	if req.Kind != string(chain.TxTransfer) {
		writeError(w, http.StatusBadRequest, "BAD_TX_KIND", "sendTx only accepts TRANSFER transactions; use submitReceipt for RECEIPT_CLAIM")
		return
	}
	tx := &chain.Tx{
		Sender: req.Sender, Nonce: req.Nonce, Fee: req.Fee, Kind: chain.TxTransfer,
		To: req.To, Amount: req.Amount, Signature: req.Signature,
	}
	if err := s.mempool.Add(tx); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"hash": tx.Hash()})
}

// submitReceiptRequest wraps a signed RECEIPT_CLAIM transaction: the
// sender (the account whose signature authenticates the claim, normally
// the coordinator's or miner's transacting address) plus the already
// signed-and-threshold-verified receipt it is attesting to spec.md §4.7.
type submitReceiptRequest struct {
	Sender    string           `json:"sender"`
	Nonce     uint64           `json:"nonce"`
	Fee       uint64           `json:"fee"`
	Receipt   *receipt.Receipt `json:"receipt"`
	Signature string           `json:"signature"`
}

func (s *Server) handleSubmitReceipt(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req submitReceiptRequest
	if err := readJSON(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	if req.Receipt == nil {
		writeError(w, http.StatusBadRequest, "MISSING_RECEIPT", "submitReceipt requires a receipt payload")
		return
	}
	tx := &chain.Tx{
		Sender: req.Sender, Nonce: req.Nonce, Fee: req.Fee, Kind: chain.TxReceiptClaim,
		Receipt: req.Receipt, Signature: req.Signature,
	}
	if err := s.mempool.Add(tx); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"hash": tx.Hash()})
}

func (s *Server) handleGetBlock(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	ref := ps.ByName("ref")
	var block *chain.Block
	var err error
	if n, convErr := strconv.ParseUint(ref, 10, 64); convErr == nil {
		block, err = s.chain.GetBlockByHeight(n)
	} else {
		block, err = s.chain.GetBlockByHash(ref)
	}
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, block)
}

func (s *Server) handleGetHead(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	head, err := s.chain.GetHead()
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, head)
}

func (s *Server) handleGetBalance(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	addr := ps.ByName("addr")
	acct, err := s.store.GetAccount(addr)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"address": acct.Address, "balance": acct.Balance, "nonce": acct.Nonce,
	})
}

func (s *Server) handleGetTx(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	hash := strings.TrimSpace(ps.ByName("hash"))
	if hash == "" {
		writeErr(w, errs.New(errs.Validation, "BAD_HASH", "tx hash must not be empty"))
		return
	}
	idx, err := s.store.GetTxIndex(hash)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, idx)
}

// handleDebugMemsize exposes a coarse runtime + fjl/memsize snapshot,
// gated behind auth since it can be used to fingerprint deployment scale.
func (s *Server) handleDebugMemsize(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	report := memsize.Scan(s.store)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"heap_alloc_bytes": ms.HeapAlloc,
		"num_goroutine":    runtime.NumGoroutine(),
		"store_scan":       report.Report(),
	})
}
