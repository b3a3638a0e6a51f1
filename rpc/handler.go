package rpc

import (
	"encoding/json"
	"fmt"

	"github.com/tolelom/norn/crypto"
	"github.com/tolelom/norn/indexer"
	"github.com/tolelom/norn/thread"
	"github.com/tolelom/norn/weave"
)

// Handler holds all dependencies needed to serve RPC methods
// (spec.md §6 "RPC surface").
type Handler struct {
	chain   *weave.Chain
	threads *thread.Store
	idx     *indexer.Indexer
	chainID string
}

// NewHandler creates an RPC Handler.
func NewHandler(chain *weave.Chain, threads *thread.Store, idx *indexer.Indexer, chainID string) *Handler {
	return &Handler{chain: chain, threads: threads, idx: idx, chainID: chainID}
}

// Dispatch routes an RPC request to the correct method.
func (h *Handler) Dispatch(req Request) Response {
	switch req.Method {
	case "getBlockHeight":
		return okResponse(req.ID, h.chain.Height())

	case "getBlock":
		return h.getBlock(req)

	case "getLatestBlock":
		return h.getLatestBlock(req)

	case "getWeaveState":
		return h.getWeaveState(req)

	case "getThread":
		return h.getThread(req)

	case "getThreadState":
		return h.getThreadState(req)

	case "getBalance":
		return h.getBalance(req)

	case "getTransactionHistory":
		return h.getTransactionHistory(req)

	case "getThreadsByOwner":
		return h.getThreadsByOwner(req)

	case "submitKnot":
		return errResponse(req.ID, CodeInvalidRequest, "submitKnot: knots are exchanged bilaterally off-chain; submit a Commitment once finalized")

	case "submitCommitment":
		return h.submitCommitment(req)

	case "submitRegistration":
		return h.submitRegistration(req)

	case "getMempoolSize":
		c, r, a, f := h.chain.Mempool.Sizes()
		return okResponse(req.ID, map[string]int{"commitments": c, "registrations": r, "anchors": a, "fraud_proofs": f})

	default:
		return errResponse(req.ID, CodeMethodNotFound, fmt.Sprintf("method %q not found", req.Method))
	}
}

func (h *Handler) getBlock(req Request) Response {
	var params struct {
		Height uint64 `json:"height"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return errResponse(req.ID, CodeInvalidParams, "params: "+err.Error())
	}
	block, err := h.chain.Store.GetBlock(params.Height)
	if err != nil {
		return errResponse(req.ID, CodeInternalError, err.Error())
	}
	return okResponse(req.ID, block)
}

func (h *Handler) getLatestBlock(req Request) Response {
	height, ok := h.chain.Store.LatestHeight()
	if !ok {
		return errResponse(req.ID, CodeInternalError, "no block found")
	}
	block, err := h.chain.Store.GetBlock(height)
	if err != nil {
		return errResponse(req.ID, CodeInternalError, err.Error())
	}
	return okResponse(req.ID, block)
}

// getWeaveState reports chain-wide status: tip height, base fee, and
// validator set size (spec.md §4.2 "Weave state").
func (h *Handler) getWeaveState(req Request) Response {
	return okResponse(req.ID, map[string]any{
		"height":     h.chain.Height(),
		"latest":     h.chain.LatestHash().String(),
		"base_fee":   h.chain.Fees.CurrentFee(),
		"validators": h.chain.Validators.Len(),
	})
}

func parseAddress(s string) (crypto.Address, error) {
	if s == "" {
		return crypto.Address{}, fmt.Errorf("address is required")
	}
	return crypto.AddressFromHex(s)
}

func (h *Handler) getThread(req Request) Response {
	var params struct {
		ThreadId string `json:"thread_id"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return errResponse(req.ID, CodeInvalidParams, err.Error())
	}
	id, err := parseAddress(params.ThreadId)
	if err != nil {
		return errResponse(req.ID, CodeInvalidParams, err.Error())
	}
	header, err := h.threads.GetHeader(id)
	if err != nil {
		return errResponse(req.ID, CodeInternalError, err.Error())
	}
	return okResponse(req.ID, header)
}

func (h *Handler) getThreadState(req Request) Response {
	var params struct {
		ThreadId string `json:"thread_id"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return errResponse(req.ID, CodeInvalidParams, err.Error())
	}
	id, err := parseAddress(params.ThreadId)
	if err != nil {
		return errResponse(req.ID, CodeInvalidParams, err.Error())
	}
	st, err := h.threads.GetState(id)
	if err != nil {
		return errResponse(req.ID, CodeInternalError, err.Error())
	}
	balances := make(map[string]string, len(st.Balances))
	for token, amt := range st.Balances {
		balances[token.String()] = amt.String()
	}
	return okResponse(req.ID, map[string]any{"nonce": st.Nonce, "balances": balances})
}

func (h *Handler) getBalance(req Request) Response {
	var params struct {
		ThreadId string `json:"thread_id"`
		Token    string `json:"token"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return errResponse(req.ID, CodeInvalidParams, err.Error())
	}
	id, err := parseAddress(params.ThreadId)
	if err != nil {
		return errResponse(req.ID, CodeInvalidParams, err.Error())
	}
	var token crypto.Hash
	if params.Token != "" {
		if token, err = crypto.HashFromHex(params.Token); err != nil {
			return errResponse(req.ID, CodeInvalidParams, "token: "+err.Error())
		}
	}
	st, err := h.threads.GetState(id)
	if err != nil {
		return errResponse(req.ID, CodeInternalError, err.Error())
	}
	return okResponse(req.ID, map[string]any{"thread_id": params.ThreadId, "balance": st.Balance(token).String()})
}

// getTransactionHistory answers spec.md §6's history query from the
// indexer's secondary index, rather than replaying every block.
func (h *Handler) getTransactionHistory(req Request) Response {
	var params struct {
		ThreadId string `json:"thread_id"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return errResponse(req.ID, CodeInvalidParams, err.Error())
	}
	if params.ThreadId == "" {
		return errResponse(req.ID, CodeInvalidParams, "thread_id is required")
	}
	records, err := h.idx.GetThreadHistory(params.ThreadId)
	if err != nil {
		return errResponse(req.ID, CodeInternalError, err.Error())
	}
	return okResponse(req.ID, records)
}

func (h *Handler) getThreadsByOwner(req Request) Response {
	var params struct {
		Owner string `json:"owner"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return errResponse(req.ID, CodeInvalidParams, err.Error())
	}
	if params.Owner == "" {
		return errResponse(req.ID, CodeInvalidParams, "owner is required")
	}
	ids, err := h.idx.GetThreadsByOwner(params.Owner)
	if err != nil {
		return errResponse(req.ID, CodeInternalError, err.Error())
	}
	return okResponse(req.ID, ids)
}

// submitCommitment admits a signed thread.Header into the weave mempool
// (spec.md §4.2 "Mempool"). Signature and version-continuity checks happen
// at block-apply time, not here — the mempool only dedups and bounds.
func (h *Handler) submitCommitment(req Request) Response {
	var wire struct {
		Commitment []byte `json:"commitment"`
	}
	if err := json.Unmarshal(req.Params, &wire); err != nil {
		return errResponse(req.ID, CodeInvalidParams, err.Error())
	}
	cm, err := thread.DecodeHeader(wire.Commitment)
	if err != nil {
		return errResponse(req.ID, CodeInvalidParams, "commitment: "+err.Error())
	}
	if err := h.chain.Mempool.AddCommitment(cm); err != nil {
		return errResponse(req.ID, CodeInternalError, err.Error())
	}
	return okResponse(req.ID, map[string]string{"thread_id": cm.ThreadId.String(), "version": fmt.Sprint(cm.Version)})
}

// submitRegistration admits a signed weave.Registration into the mempool.
func (h *Handler) submitRegistration(req Request) Response {
	var params struct {
		Registration []byte `json:"registration"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return errResponse(req.ID, CodeInvalidParams, err.Error())
	}
	r, err := weave.DecodeRegistration(params.Registration)
	if err != nil {
		return errResponse(req.ID, CodeInvalidParams, "registration: "+err.Error())
	}
	if err := h.chain.Mempool.AddRegistration(r); err != nil {
		return errResponse(req.ID, CodeInternalError, err.Error())
	}
	return okResponse(req.ID, map[string]string{"thread_id": r.ThreadId.String()})
}
